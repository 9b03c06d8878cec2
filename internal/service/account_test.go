package service

import (
	"context"
	"testing"

	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBalances_FiltersAndSorts(t *testing.T) {
	exchange := &fakeExchange{balances: []domain.Balance{
		domain.NewBalance("USDT", dec("100"), dec("5")),
		domain.NewBalance("DOGE", decimal.Zero, decimal.Zero),
		domain.NewBalance("BTC", dec("0.5"), decimal.Zero),
	}}
	svc := NewAccountService(exchange, testResolver(1), newTestStorage(t))

	balances, err := svc.GetBalances(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "BTC", balances[0].Asset)
	assert.Equal(t, "USDT", balances[1].Asset)
	assert.True(t, balances[1].Total.Equal(dec("105")))

	_, err = svc.GetBalances(context.Background(), 3)
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials)
}

func TestRefreshBalances_PersistsSnapshot(t *testing.T) {
	exchange := &fakeExchange{balances: []domain.Balance{
		domain.NewBalance("USDT", dec("100"), dec("5")),
		domain.NewBalance("BTC", dec("0.5"), decimal.Zero),
	}}
	store := newTestStorage(t)
	svc := NewAccountService(exchange, testResolver(1), store)
	ctx := context.Background()

	cached, err := svc.CachedBalances(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, cached, "nothing stored before the first refresh")

	fresh, err := svc.RefreshBalances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, fresh, 2)

	cached, err = svc.CachedBalances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	assert.Equal(t, "BTC", cached[0].Asset)
	assert.Equal(t, "bybit", cached[0].Exchange)
	assert.True(t, cached[1].Total.Equal(dec("105")))
	assert.False(t, cached[1].UpdatedAt.IsZero())

	// the BTC position is gone on the exchange
	exchange.balances = []domain.Balance{domain.NewBalance("USDT", dec("90"), decimal.Zero)}
	_, err = svc.RefreshBalances(ctx, 1)
	require.NoError(t, err)

	cached, err = svc.CachedBalances(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "USDT", cached[0].Balance().Asset)
	assert.True(t, cached[0].Free.Equal(dec("90")))
}

func TestRefreshBalances_Errors(t *testing.T) {
	store := newTestStorage(t)
	svc := NewAccountService(&fakeExchange{}, testResolver(1), store)
	ctx := context.Background()

	_, err := svc.RefreshBalances(ctx, 3)
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials)

	_, err = svc.CachedBalances(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestStaticCredentialResolver(t *testing.T) {
	r := NewStaticCredentialResolver(
		domain.Credentials{ID: 1, UserID: 1, Exchange: "Bybit", APIKey: "key", APISecret: "secret"},
		domain.Credentials{ID: 2, UserID: 2, Exchange: "bybit", APIKey: "key"},
	)
	ctx := context.Background()

	c, err := r.Resolve(ctx, 1, "BYBIT")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.ID)

	_, err = r.Resolve(ctx, 2, "bybit")
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials, "a key without secret is unusable")

	_, err = r.Resolve(ctx, 1, "binance")
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials)

	_, err = r.Resolve(ctx, 0, "bybit")
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials)

	assert.NotContains(t, c.String(), "secret")
}
