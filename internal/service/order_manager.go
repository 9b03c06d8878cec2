package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/event"
	"cryptobot/internal/infra"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// OrderStore is the order persistence the manager needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id uint64) (*domain.Order, error)
	ListOrdersByOwner(ctx context.Context, userID uint64, limit int) ([]domain.Order, error)
	ListOpenOrders(ctx context.Context) ([]domain.Order, error)
	UpdateOrderState(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error
}

// ConstraintLookup answers instrument constraint queries without blocking.
type ConstraintLookup interface {
	Lookup(symbol string) (domain.InstrumentConstraint, bool)
}

// Mirror is notified after a lead order has been placed and persisted.
type Mirror interface {
	OnLeadPlaced(ctx context.Context, lead domain.Order)
}

// OrderManagerConfig tunes the reconciliation loop.
type OrderManagerConfig struct {
	ReconcileInterval time.Duration
	ReconcileWorkers  int
}

// OrderManager places, cancels and reconciles orders.
type OrderManager struct {
	cfg         OrderManagerConfig
	exchange    domain.Exchange
	credentials domain.CredentialResolver
	instruments ConstraintLookup
	store       OrderStore
	publisher   event.Publisher
	mirror      Mirror
	metrics     *infra.Metrics
	logger      *slog.Logger
}

// NewOrderManager wires the manager. publisher and metrics may be nil.
func NewOrderManager(
	cfg OrderManagerConfig,
	exchange domain.Exchange,
	credentials domain.CredentialResolver,
	instruments ConstraintLookup,
	store OrderStore,
	publisher event.Publisher,
	metrics *infra.Metrics,
) *OrderManager {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 60 * time.Second
	}
	if cfg.ReconcileWorkers <= 0 {
		cfg.ReconcileWorkers = 4
	}
	if publisher == nil {
		publisher = event.NewLogPublisher()
	}
	return &OrderManager{
		cfg:         cfg,
		exchange:    exchange,
		credentials: credentials,
		instruments: instruments,
		store:       store,
		publisher:   publisher,
		metrics:     metrics,
		logger:      slog.Default().With("module", "order_manager"),
	}
}

// SetMirror installs the fan-out hook run after each successful placement.
func (m *OrderManager) SetMirror(mirror Mirror) {
	m.mirror = mirror
}

// PlaceOrder validates, normalizes, submits and persists an order for userID.
// Nothing is persisted when the exchange rejects the order.
func (m *OrderManager) PlaceOrder(ctx context.Context, userID uint64, req domain.OrderRequest) (*domain.Order, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	creds, err := m.credentials.Resolve(ctx, userID, m.exchange.Name())
	if err != nil {
		return nil, err
	}

	order := domain.Order{
		ClientOrderID: uuid.NewString(),
		Exchange:      m.exchange.Name(),
		UserID:        userID,
		CredentialID:  creds.ID,
		Symbol:        domain.NormalizeSymbol(req.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        domain.OrderStatusNew,
		ParentOrderID: req.ParentOrderID,
		MirrorDepth:   req.MirrorDepth,
	}
	if order.Type == domain.OrderTypeLimit && order.TimeInForce == "" {
		order.TimeInForce = domain.TimeInForceGTC
	}

	if err := m.applyConstraints(&order); err != nil {
		m.metrics.RecordOrderRejected()
		return nil, err
	}

	start := time.Now()
	placed, err := m.exchange.PlaceOrder(ctx, creds, order)
	if err != nil {
		m.metrics.RecordOrderRejected()
		m.publish(ctx, event.OrderRejected, &order, err)
		return nil, err
	}
	m.metrics.RecordOrderPlaced(time.Since(start))

	// the order exists on the exchange now; persist it even if the caller gave up
	persistCtx := context.WithoutCancel(ctx)
	if err := m.store.CreateOrder(persistCtx, &placed); err != nil {
		m.logger.Error("Placed order could not be persisted",
			slog.String("client_order_id", placed.ClientOrderID),
			slog.String("exchange_order_id", placed.ExchangeOrderID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("persist order %s: %w", placed.ExchangeOrderID, err)
	}

	m.logger.Info("Order placed",
		slog.Uint64("order_id", placed.ID),
		slog.Uint64("user_id", userID),
		slog.String("symbol", placed.Symbol),
		slog.String("side", string(placed.Side)),
		slog.String("type", string(placed.Type)),
		slog.String("qty", placed.Quantity.String()),
	)
	m.publish(persistCtx, event.OrderPlaced, &placed, nil)

	if m.mirror != nil {
		m.mirror.OnLeadPlaced(persistCtx, placed)
	}
	return &placed, nil
}

// applyConstraints enforces instrument rules when they are known. Unknown
// symbols pass through unchanged.
func (m *OrderManager) applyConstraints(order *domain.Order) error {
	if m.instruments == nil {
		return nil
	}
	ic, ok := m.instruments.Lookup(order.Symbol)
	if !ok {
		m.logger.Debug("No instrument constraints, skipping validation", slog.String("symbol", order.Symbol))
		return nil
	}

	qty, err := ic.NormalizeQuantity(order.Quantity)
	if err != nil {
		return err
	}
	order.Quantity = qty

	if order.Type == domain.OrderTypeLimit {
		order.Price = ic.NormalizePrice(order.Price)
		if !order.Price.IsPositive() {
			return &domain.ValidationError{Field: "price", Reason: "rounds to zero at tick size " + ic.TickSize.String()}
		}
		if err := ic.CheckNotional(order.Quantity, order.Price); err != nil {
			return err
		}
	}
	return nil
}

// CancelOrder cancels an open order owned by userID.
func (m *OrderManager) CancelOrder(ctx context.Context, userID, orderID uint64) (*domain.Order, error) {
	order, err := m.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: order %d is already %s", domain.ErrInvalidState, order.ID, order.Status)
	}

	creds, err := m.credentials.Resolve(ctx, order.UserID, order.Exchange)
	if err != nil {
		return nil, err
	}

	cancelled, err := m.exchange.CancelOrder(ctx, creds, *order)
	if err != nil {
		return nil, err
	}
	cancelled.Status = domain.OrderStatusCancelled

	persistCtx := context.WithoutCancel(ctx)
	if err := m.persistCancel(persistCtx, order, &cancelled); err != nil {
		return nil, err
	}

	m.logger.Info("Order cancelled", slog.Uint64("order_id", order.ID), slog.Uint64("user_id", userID))
	m.publish(persistCtx, event.OrderCancelled, &cancelled, nil)
	return &cancelled, nil
}

// persistCancel writes the CANCELLED state. If reconciliation moved the
// order concurrently it re-reads the row and retries from the new state. An
// order that reached another terminal state first fails with ErrInvalidState.
func (m *OrderManager) persistCancel(ctx context.Context, current, cancelled *domain.Order) error {
	expected := current.Status
	for attempt := 0; attempt < 3; attempt++ {
		err := m.store.UpdateOrderState(ctx, cancelled, expected)
		if !errors.Is(err, domain.ErrStaleUpdate) {
			return err
		}

		fresh, err := m.store.GetOrder(ctx, current.ID)
		if err != nil {
			return err
		}
		if fresh.Status.IsTerminal() {
			return fmt.Errorf("%w: order %d became %s before the cancel was stored", domain.ErrInvalidState, current.ID, fresh.Status)
		}
		expected = fresh.Status
		cancelled.FilledQuantity = fresh.FilledQuantity
		cancelled.AvgFillPrice = fresh.AvgFillPrice
	}
	return fmt.Errorf("%w: order %d kept changing during cancel", domain.ErrStaleUpdate, current.ID)
}

// GetOrder returns an order owned by userID.
func (m *OrderManager) GetOrder(ctx context.Context, userID, orderID uint64) (*domain.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID == 0 || order.UserID == 0 || order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", domain.ErrUnauthorized, orderID)
	}
	return order, nil
}

// ListOrders returns the owner's orders, newest first.
func (m *OrderManager) ListOrders(ctx context.Context, userID uint64, limit int) ([]domain.Order, error) {
	if userID == 0 {
		return nil, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}
	return m.store.ListOrdersByOwner(ctx, userID, limit)
}

// RunReconciler reconciles open orders on a fixed interval until ctx is done.
func (m *OrderManager) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ReconcileOnce(ctx); err != nil {
				m.logger.Warn("Reconciliation pass failed", slog.Any("error", err))
			}
		}
	}
}

// ReconcileOnce refreshes every non-terminal order from the exchange. A
// failing order is logged and skipped. It returns how many orders changed.
func (m *OrderManager) ReconcileOnce(ctx context.Context) (int, error) {
	open, err := m.store.ListOpenOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	if len(open) == 0 {
		return 0, nil
	}

	changed := make([]bool, len(open))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ReconcileWorkers)

	for i := range open {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Reconcile panic recovered", slog.Uint64("order_id", open[i].ID), slog.Any("panic", r))
				}
			}()
			ok, err := m.reconcileOne(gctx, &open[i])
			if err != nil {
				m.metrics.RecordReconcileFailure()
				m.logger.Warn("Order reconciliation failed",
					slog.Uint64("order_id", open[i].ID),
					slog.String("exchange_order_id", open[i].ExchangeOrderID),
					slog.Any("error", err),
				)
				return nil
			}
			changed[i] = ok
			return nil
		})
	}
	g.Wait()

	n := 0
	for _, c := range changed {
		if c {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("Reconciliation pass complete", slog.Int("open", len(open)), slog.Int("changed", n))
	}
	return n, nil
}

func (m *OrderManager) reconcileOne(ctx context.Context, order *domain.Order) (bool, error) {
	if order.ExchangeOrderID == "" {
		return false, fmt.Errorf("order %d has no exchange id", order.ID)
	}
	creds, err := m.credentials.Resolve(ctx, order.UserID, order.Exchange)
	if err != nil {
		return false, err
	}
	snap, err := m.exchange.GetOrder(ctx, creds, order.ExchangeOrderID, order.Symbol)
	if err != nil {
		return false, err
	}

	before := *order
	if err := order.Apply(snap); err != nil {
		return false, err
	}
	if !stateChanged(before, *order) {
		return false, nil
	}

	if err := m.store.UpdateOrderState(ctx, order, before.Status); err != nil {
		if errors.Is(err, domain.ErrStaleUpdate) {
			// a concurrent cancel or reconcile already moved it
			return false, nil
		}
		return false, err
	}

	m.metrics.RecordReconciled()
	m.publish(ctx, event.OrderReconciled, order, nil)
	return true, nil
}

func stateChanged(a, b domain.Order) bool {
	return a.Status != b.Status ||
		!a.FilledQuantity.Equal(b.FilledQuantity) ||
		!a.AvgFillPrice.Equal(b.AvgFillPrice) ||
		!timeEqual(a.ExchangeUpdatedAt, b.ExchangeUpdatedAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (m *OrderManager) publish(ctx context.Context, kind event.Kind, order *domain.Order, cause error) {
	ev := event.NewOrderEvent(kind, order)
	if cause != nil {
		ev.Reason = cause.Error()
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.metrics.RecordPublishError()
		m.logger.Warn("Order event publish failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}
