package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/event"
	"cryptobot/internal/execution"
	"cryptobot/internal/infra"
	"cryptobot/internal/infra/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btcConstraint = domain.InstrumentConstraint{
	Symbol:         "BTCUSDT",
	BaseAsset:      "BTC",
	QuoteAsset:     "USDT",
	BasePrecision:  6,
	QuotePrecision: 2,
	MinQuantity:    dec("0.000048"),
	MaxQuantity:    dec("71"),
	MinNotional:    dec("1"),
	TickSize:       dec("0.01"),
}

type managerFixture struct {
	manager  *OrderManager
	exchange *fakeExchange
	store    *storage.Storage
	metrics  *infra.Metrics
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	exchange := &fakeExchange{}
	store := newTestStorage(t)
	metrics := infra.NewMetrics()

	instruments := NewInstrumentCache(&fakeInstruments{list: []domain.InstrumentConstraint{btcConstraint}}, time.Hour)
	require.NoError(t, instruments.Refresh(context.Background()))

	m := NewOrderManager(OrderManagerConfig{ReconcileWorkers: 2}, exchange, testResolver(1, 2), instruments, store, nil, metrics)
	return &managerFixture{manager: m, exchange: exchange, store: store, metrics: metrics}
}

func TestPlaceOrder_BelowMinimumNeverReachesExchange(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.PlaceOrder(context.Background(), 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("0.00001"),
	})

	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "quantity", vErr.Field)
	assert.Zero(t, f.exchange.placedCount())
	assert.Equal(t, uint64(1), f.metrics.Snapshot().OrdersRejected)
}

func TestPlaceOrder_LimitNormalizedAndPersisted(t *testing.T) {
	f := newManagerFixture(t)

	order, err := f.manager.PlaceOrder(context.Background(), 1, domain.OrderRequest{
		Symbol:   "btcusdt",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Quantity: dec("0.12345678"),
		Price:    dec("50000.126"),
	})
	require.NoError(t, err)

	assert.NotZero(t, order.ID)
	assert.Equal(t, "BTCUSDT", order.Symbol)
	assert.True(t, order.Quantity.Equal(dec("0.123456")), "qty truncated to base precision, got %s", order.Quantity)
	assert.True(t, order.Price.Equal(dec("50000.13")), "price snapped to tick, got %s", order.Price)
	assert.True(t, order.Price.Mod(btcConstraint.TickSize).IsZero())
	assert.Equal(t, domain.TimeInForceGTC, order.TimeInForce)
	assert.NotEmpty(t, order.ClientOrderID)

	stored, err := f.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", stored.ExchangeOrderID)
	assert.Equal(t, domain.OrderStatusNew, stored.Status)
}

func TestPlaceOrder_ExchangeFailureNotPersisted(t *testing.T) {
	f := newManagerFixture(t)
	f.exchange.placeErr = &domain.ExchangeError{Code: 170131, Message: "Insufficient balance."}

	_, err := f.manager.PlaceOrder(context.Background(), 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("0.001"),
	})

	var exErr *domain.ExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, 170131, exErr.Code)

	orders, err := f.manager.ListOrders(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder_CredentialsAndOwner(t *testing.T) {
	f := newManagerFixture(t)
	req := domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("0.001")}

	_, err := f.manager.PlaceOrder(context.Background(), 9, req)
	assert.ErrorIs(t, err, domain.ErrNoActiveCredentials)

	_, err = f.manager.PlaceOrder(context.Background(), 0, req)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	assert.Zero(t, f.exchange.placedCount())
}

func TestCancelOrder(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	order, err := f.manager.PlaceOrder(ctx, 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: dec("0.001"), Price: dec("40000"),
	})
	require.NoError(t, err)

	t.Run("other owner", func(t *testing.T) {
		_, err := f.manager.CancelOrder(ctx, 2, order.ID)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	})

	t.Run("owner cancels", func(t *testing.T) {
		cancelled, err := f.manager.CancelOrder(ctx, 1, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)

		stored, err := f.store.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, stored.Status)
	})

	t.Run("already terminal", func(t *testing.T) {
		_, err := f.manager.CancelOrder(ctx, 1, order.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		assert.Len(t, f.exchange.cancelled, 1)
	})

	t.Run("unknown order", func(t *testing.T) {
		_, err := f.manager.CancelOrder(ctx, 1, 404)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReconcileOnce(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	place := func(user uint64) *domain.Order {
		o, err := f.manager.PlaceOrder(ctx, user, domain.OrderRequest{
			Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: dec("0.01"), Price: dec("50000"),
		})
		require.NoError(t, err)
		return o
	}
	filled := place(1)
	failing := place(2)
	untouched := place(1)

	updated := time.Now().UTC().Truncate(time.Millisecond)
	f.exchange.snapshots = map[string]domain.OrderSnapshot{
		filled.ExchangeOrderID: {
			ExchangeOrderID: filled.ExchangeOrderID,
			Status:          domain.OrderStatusFilled,
			FilledQuantity:  dec("0.01"),
			AvgFillPrice:    dec("49999.5"),
			UpdatedAt:       &updated,
		},
		untouched.ExchangeOrderID: {
			ExchangeOrderID: untouched.ExchangeOrderID,
			Status:          domain.OrderStatusNew,
			FilledQuantity:  dec("0"),
		},
	}
	f.exchange.snapErrs = map[string]error{
		failing.ExchangeOrderID: &domain.NetworkError{Op: "GET /v5/order/realtime", Err: errors.New("connection reset")},
	}

	changed, err := f.manager.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	stored, err := f.store.GetOrder(ctx, filled.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FilledQuantity.Equal(stored.Quantity))
	assert.True(t, stored.AvgFillPrice.Equal(dec("49999.5")))

	stored, err = f.store.GetOrder(ctx, failing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, stored.Status, "a failed reconcile never marks the order terminal")

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(1), snap.OrdersReconciled)
	assert.Equal(t, uint64(1), snap.ReconcileFailures)

	// the filled order is terminal now and drops out of the next pass
	changed, err = f.manager.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, changed)
}

func TestReconcileOnce_ClosesPaperOrdersFromEarlierRun(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	stale := &domain.Order{
		ClientOrderID:   "c-old",
		ExchangeOrderID: "paper-old",
		Exchange:        execution.ExchangeName,
		UserID:          1,
		Symbol:          "BTCUSDT",
		Side:            domain.SideBuy,
		Type:            domain.OrderTypeLimit,
		Quantity:        dec("0.01"),
		Price:           dec("40000"),
		FilledQuantity:  dec("0.004"),
		Status:          domain.OrderStatusPartiallyFilled,
	}
	require.NoError(t, store.CreateOrder(ctx, stale))

	paper := execution.NewPaperExchange(nil, dec("0"))
	m := NewOrderManager(OrderManagerConfig{}, paper, execution.Credentials{}, nil, store, nil, nil)

	changed, err := m.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	stored, err := store.GetOrder(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusExpired, stored.Status)
	assert.True(t, stored.FilledQuantity.Equal(dec("0.004")), "earlier fills are kept")

	open, err := store.ListOpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestGetOrder_OwnerChecks(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	order, err := f.manager.PlaceOrder(ctx, 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideSell, Type: domain.OrderTypeMarket, Quantity: dec("0.001"),
	})
	require.NoError(t, err)

	_, err = f.manager.GetOrder(ctx, 0, order.ID)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	got, err := f.manager.GetOrder(ctx, 1, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ClientOrderID, got.ClientOrderID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []event.OrderEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev event.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) kinds() []event.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Kind, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Kind)
	}
	return out
}

// fillFirstStore stores a fill right before the first conditional update,
// as a reconciler running between the exchange cancel ack and the write would.
type fillFirstStore struct {
	*storage.Storage
	filled bool
}

func (s *fillFirstStore) UpdateOrderState(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	if !s.filled {
		s.filled = true
		stored, err := s.Storage.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		fill := *stored
		fill.Status = domain.OrderStatusFilled
		fill.FilledQuantity = stored.Quantity
		if err := s.Storage.UpdateOrderState(ctx, &fill, stored.Status); err != nil {
			return err
		}
	}
	return s.Storage.UpdateOrderState(ctx, order, expected)
}

func TestCancelOrder_FillLandsFirst(t *testing.T) {
	store := &fillFirstStore{Storage: newTestStorage(t)}
	events := &recordingPublisher{}
	m := NewOrderManager(OrderManagerConfig{}, &fakeExchange{}, testResolver(1), nil, store, events, nil)
	ctx := context.Background()

	order, err := m.PlaceOrder(ctx, 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: dec("0.01"), Price: dec("50000"),
	})
	require.NoError(t, err)

	cancelled, err := m.CancelOrder(ctx, 1, order.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	assert.ErrorContains(t, err, string(domain.OrderStatusFilled))
	assert.Nil(t, cancelled)

	stored, err := store.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FilledQuantity.Equal(stored.Quantity))
	assert.Equal(t, []event.Kind{event.OrderPlaced}, events.kinds(), "a filled order is never announced as cancelled")
}

func TestPlaceOrder_TriggersMirror(t *testing.T) {
	f := newManagerFixture(t)
	mirror := NewTradeMirror(f.store, f.manager, 1, f.metrics)
	f.manager.SetMirror(mirror)
	ctx := context.Background()

	_, err := mirror.LinkFollower(ctx, 1, 2, dec("0.5"))
	require.NoError(t, err)
	// user 3 has no credentials, so its replica fails
	_, err = mirror.LinkFollower(ctx, 1, 3, dec("2"))
	require.NoError(t, err)

	lead, err := f.manager.PlaceOrder(ctx, 1, domain.OrderRequest{
		Symbol: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: dec("0.001"),
	})
	require.NoError(t, err)
	mirror.Wait()

	assert.Equal(t, 2, f.exchange.placedCount(), "lead plus the follower with credentials")

	replicas, err := f.manager.ListOrders(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, lead.ID, replicas[0].ParentOrderID)
	assert.Equal(t, 1, replicas[0].MirrorDepth)
	assert.True(t, replicas[0].Quantity.Equal(dec("0.0005")), "got %s", replicas[0].Quantity)

	stored, err := f.store.GetOrder(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, stored.Status, "lead order stands when a replica fails")

	snap := f.metrics.Snapshot()
	assert.Equal(t, uint64(2), snap.MirrorOrders)
	assert.Equal(t, uint64(1), snap.MirrorFailures)
}
