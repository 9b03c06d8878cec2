package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the holding of one asset. Total = Free + Locked.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
	Total  decimal.Decimal `json:"total"`
}

// BalanceSnapshot is the last balance fetched for one asset of one account.
// A refresh replaces every row of the (user, credential) pair.
type BalanceSnapshot struct {
	ID           uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64          `gorm:"uniqueIndex:idx_balance_owner_asset;index" json:"user_id"`
	CredentialID uint64          `gorm:"uniqueIndex:idx_balance_owner_asset" json:"credential_id"`
	Asset        string          `gorm:"size:16;uniqueIndex:idx_balance_owner_asset" json:"asset"`
	Exchange     string          `gorm:"size:32" json:"exchange"`
	Free         decimal.Decimal `gorm:"type:varchar(64)" json:"free"`
	Locked       decimal.Decimal `gorm:"type:varchar(64)" json:"locked"`
	Total        decimal.Decimal `gorm:"type:varchar(64)" json:"total"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Balance drops the storage fields.
func (s BalanceSnapshot) Balance() Balance {
	return Balance{Asset: s.Asset, Free: s.Free, Locked: s.Locked, Total: s.Total}
}

// NewBalance builds a balance from free and locked amounts.
func NewBalance(asset string, free, locked decimal.Decimal) Balance {
	return Balance{Asset: asset, Free: free, Locked: locked, Total: free.Add(locked)}
}

// Credit adds free funds.
func (b *Balance) Credit(amount decimal.Decimal) {
	b.Free = b.Free.Add(amount)
	b.Total = b.Free.Add(b.Locked)
}

// Debit removes free funds.
func (b *Balance) Debit(amount decimal.Decimal) error {
	if amount.GreaterThan(b.Free) {
		return &ValidationError{
			Field:  "balance",
			Reason: fmt.Sprintf("insufficient %s: need %s, free %s", b.Asset, amount, b.Free),
		}
	}
	b.Free = b.Free.Sub(amount)
	b.Total = b.Free.Add(b.Locked)
	return nil
}

// Reserve moves free funds to locked for a resting order.
func (b *Balance) Reserve(amount decimal.Decimal) error {
	if amount.GreaterThan(b.Free) {
		return &ValidationError{
			Field:  "balance",
			Reason: fmt.Sprintf("insufficient %s to reserve: need %s, free %s", b.Asset, amount, b.Free),
		}
	}
	b.Free = b.Free.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return nil
}

// Release moves locked funds back to free.
func (b *Balance) Release(amount decimal.Decimal) error {
	if amount.GreaterThan(b.Locked) {
		return fmt.Errorf("%w: release %s %s exceeds locked %s", ErrInvalidState, amount, b.Asset, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Free = b.Free.Add(amount)
	return nil
}

// Verify checks the balance invariants.
func (b *Balance) Verify() error {
	if b.Free.IsNegative() || b.Locked.IsNegative() {
		return fmt.Errorf("%w: negative balance %s free=%s locked=%s", ErrInvalidState, b.Asset, b.Free, b.Locked)
	}
	if !b.Total.Equal(b.Free.Add(b.Locked)) {
		return fmt.Errorf("%w: %s total %s != free+locked", ErrInvalidState, b.Asset, b.Total)
	}
	return nil
}

// BalanceBook manages balances per asset. Not safe for concurrent use.
type BalanceBook struct {
	balances map[string]*Balance
}

// NewBalanceBook creates a new balance book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{
		balances: make(map[string]*Balance),
	}
}

// Get returns the balance for an asset, creating if not exists.
func (bb *BalanceBook) Get(asset string) *Balance {
	b, ok := bb.balances[asset]
	if !ok {
		b = &Balance{Asset: asset}
		bb.balances[asset] = b
	}
	return b
}

// Snapshot returns a copy of all non-empty balances sorted by asset.
func (bb *BalanceBook) Snapshot() []Balance {
	out := make([]Balance, 0, len(bb.balances))
	for _, b := range bb.balances {
		if b.Total.IsZero() {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
