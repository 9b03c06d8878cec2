package service

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"testing"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra/storage"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(storage.Options{Driver: storage.DriverSQLite, Path: filepath.Join(t.TempDir(), "service.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeExchange records calls and answers from canned state.
type fakeExchange struct {
	mu        sync.Mutex
	placeErr  error
	placed    []domain.Order
	cancelled []domain.Order
	snapshots map[string]domain.OrderSnapshot
	snapErrs  map[string]error
	balances  []domain.Balance
	trades    []domain.Trade
	nextID    int
}

func (f *fakeExchange) Name() string { return "bybit" }

func (f *fakeExchange) GetBalances(context.Context, domain.Credentials) ([]domain.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Balance(nil), f.balances...), nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, _ domain.Credentials, order domain.Order) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return domain.Order{}, f.placeErr
	}
	f.nextID++
	order.ExchangeOrderID = fmt.Sprintf("ex-%d", f.nextID)
	order.Status = domain.OrderStatusNew
	f.placed = append(f.placed, order)
	return order, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ domain.Credentials, order domain.Order) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, order)
	order.Status = domain.OrderStatusCancelled
	return order, nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ domain.Credentials, exchangeOrderID, _ string) (domain.OrderSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.snapErrs[exchangeOrderID]; err != nil {
		return domain.OrderSnapshot{}, err
	}
	snap, ok := f.snapshots[exchangeOrderID]
	if !ok {
		return domain.OrderSnapshot{}, domain.ErrNotFound
	}
	return snap, nil
}

func (f *fakeExchange) ExecutionHistory(_ context.Context, _ domain.Credentials, _ string, limit int) iter.Seq2[domain.Trade, error] {
	return func(yield func(domain.Trade, error) bool) {
		f.mu.Lock()
		trades := append([]domain.Trade(nil), f.trades...)
		f.mu.Unlock()
		for i, t := range trades {
			if limit > 0 && i == limit {
				return
			}
			if !yield(t, nil) {
				return
			}
		}
	}
}

func (f *fakeExchange) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

// fakeInstruments serves a fixed constraint table.
type fakeInstruments struct {
	mu   sync.Mutex
	list []domain.InstrumentConstraint
	err  error
}

func (f *fakeInstruments) GetInstruments(context.Context) ([]domain.InstrumentConstraint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

// fakeTickers answers ticker polls from a price map.
type fakeTickers struct {
	mu     sync.Mutex
	prices map[string]domain.TickerUpdate
	calls  int
}

func (f *fakeTickers) GetTicker(_ context.Context, symbol string) (domain.TickerUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	u, ok := f.prices[symbol]
	if !ok {
		return domain.TickerUpdate{}, fmt.Errorf("%w: ticker %s", domain.ErrNotFound, symbol)
	}
	return u, nil
}

func testResolver(userIDs ...uint64) *StaticCredentialResolver {
	r := NewStaticCredentialResolver()
	for _, id := range userIDs {
		r.Add(domain.Credentials{ID: id, UserID: id, Exchange: "bybit", APIKey: fmt.Sprintf("key-%d", id), APISecret: "secret"})
	}
	return r
}
