package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptobot/internal/domain"
)

// BalanceStore keeps the last fetched balances per account.
type BalanceStore interface {
	ReplaceBalances(ctx context.Context, userID, credentialID uint64, balances []domain.BalanceSnapshot) error
	ListBalances(ctx context.Context, userID uint64) ([]domain.BalanceSnapshot, error)
}

// AccountService exposes account data: live balances from the exchange and
// the snapshot stored by the last refresh.
type AccountService struct {
	exchange    domain.Exchange
	credentials domain.CredentialResolver
	store       BalanceStore
	logger      *slog.Logger
}

func NewAccountService(exchange domain.Exchange, credentials domain.CredentialResolver, store BalanceStore) *AccountService {
	return &AccountService{
		exchange:    exchange,
		credentials: credentials,
		store:       store,
		logger:      slog.Default().With("module", "account_service"),
	}
}

// GetBalances returns the owner's balances sorted by asset, non-empty only.
func (s *AccountService) GetBalances(ctx context.Context, userID uint64) ([]domain.Balance, error) {
	_, balances, err := s.fetch(ctx, userID)
	return balances, err
}

// RefreshBalances fetches the owner's balances and replaces the stored
// snapshot with them.
func (s *AccountService) RefreshBalances(ctx context.Context, userID uint64) ([]domain.Balance, error) {
	creds, balances, err := s.fetch(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]domain.BalanceSnapshot, 0, len(balances))
	for _, b := range balances {
		rows = append(rows, domain.BalanceSnapshot{
			Exchange:  s.exchange.Name(),
			Asset:     b.Asset,
			Free:      b.Free,
			Locked:    b.Locked,
			Total:     b.Total,
			UpdatedAt: now,
		})
	}
	if err := s.store.ReplaceBalances(ctx, userID, creds.ID, rows); err != nil {
		return nil, fmt.Errorf("store balances of user %d: %w", userID, err)
	}

	s.logger.Info("Balances refreshed", slog.Uint64("user_id", userID), slog.Int("assets", len(rows)))
	return balances, nil
}

// CachedBalances returns the snapshot stored by the last refresh without
// calling the exchange.
func (s *AccountService) CachedBalances(ctx context.Context, userID uint64) ([]domain.BalanceSnapshot, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}
	return s.store.ListBalances(ctx, userID)
}

func (s *AccountService) fetch(ctx context.Context, userID uint64) (domain.Credentials, []domain.Balance, error) {
	creds, err := s.credentials.Resolve(ctx, userID, s.exchange.Name())
	if err != nil {
		return domain.Credentials{}, nil, err
	}
	balances, err := s.exchange.GetBalances(ctx, creds)
	if err != nil {
		return domain.Credentials{}, nil, err
	}

	out := balances[:0]
	for _, b := range balances {
		if !b.Total.IsZero() || !b.Free.IsZero() || !b.Locked.IsZero() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return creds, out, nil
}

// =====================================================
// StaticCredentialResolver
// =====================================================

// StaticCredentialResolver serves credentials configured at startup.
// Resolve hands out a copy; callers drop it after the request.
type StaticCredentialResolver struct {
	mu    sync.RWMutex
	creds map[string]domain.Credentials
}

func NewStaticCredentialResolver(list ...domain.Credentials) *StaticCredentialResolver {
	r := &StaticCredentialResolver{creds: make(map[string]domain.Credentials, len(list))}
	for _, c := range list {
		r.Add(c)
	}
	return r
}

func credentialKey(userID uint64, exchange string) string {
	return fmt.Sprintf("%d/%s", userID, strings.ToLower(exchange))
}

// Add registers or replaces the credentials of (c.UserID, c.Exchange).
func (r *StaticCredentialResolver) Add(c domain.Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creds[credentialKey(c.UserID, c.Exchange)] = c
}

// Resolve implements domain.CredentialResolver.
func (r *StaticCredentialResolver) Resolve(_ context.Context, userID uint64, exchange string) (domain.Credentials, error) {
	r.mu.RLock()
	c, ok := r.creds[credentialKey(userID, exchange)]
	r.mu.RUnlock()

	if !ok || userID == 0 || !c.Usable() {
		return domain.Credentials{}, fmt.Errorf("%w: user %d on %s", domain.ErrNoActiveCredentials, userID, exchange)
	}
	return c, nil
}
