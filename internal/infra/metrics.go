package infra

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety. All methods are safe on a nil receiver.
type Metrics struct {
	// Market data
	ticksReceived    atomic.Uint64
	ticksStale       atomic.Uint64
	ticksDropped     atomic.Uint64
	streamReconnects atomic.Uint64

	// Orders
	ordersPlaced       atomic.Uint64
	ordersRejected     atomic.Uint64
	ordersReconciled   atomic.Uint64
	reconcileFailures  atomic.Uint64
	mirrorOrders       atomic.Uint64
	mirrorFailures     atomic.Uint64
	strategyErrors     atomic.Uint64
	eventPublishErrors atomic.Uint64

	// Request latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
}

// NewMetrics returns an empty metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordTick counts an accepted ticker update.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.ticksReceived.Add(1)
}

// RecordStaleTick counts an update dropped by the staleness guard.
func (m *Metrics) RecordStaleTick() {
	if m == nil {
		return
	}
	m.ticksStale.Add(1)
}

// RecordDroppedTick counts an update a slow subscriber did not receive.
func (m *Metrics) RecordDroppedTick() {
	if m == nil {
		return
	}
	m.ticksDropped.Add(1)
}

// RecordReconnect counts a stream reconnection attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.streamReconnects.Add(1)
}

// RecordOrderPlaced records a placed order with its round-trip latency.
func (m *Metrics) RecordOrderPlaced(latency time.Duration) {
	if m == nil {
		return
	}
	m.ordersPlaced.Add(1)
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
}

// RecordOrderRejected records an order that failed validation or submission.
func (m *Metrics) RecordOrderRejected() {
	if m == nil {
		return
	}
	m.ordersRejected.Add(1)
}

// RecordReconciled records an order whose state changed during reconciliation.
func (m *Metrics) RecordReconciled() {
	if m == nil {
		return
	}
	m.ordersReconciled.Add(1)
}

// RecordReconcileFailure records a failed reconciliation of one order.
func (m *Metrics) RecordReconcileFailure() {
	if m == nil {
		return
	}
	m.reconcileFailures.Add(1)
}

// RecordMirror records one follower submission and whether it failed.
func (m *Metrics) RecordMirror(failed bool) {
	if m == nil {
		return
	}
	m.mirrorOrders.Add(1)
	if failed {
		m.mirrorFailures.Add(1)
	}
}

// RecordStrategyError records a failed strategy evaluation or trigger.
func (m *Metrics) RecordStrategyError() {
	if m == nil {
		return
	}
	m.strategyErrors.Add(1)
}

// RecordPublishError records a failed order event publish.
func (m *Metrics) RecordPublishError() {
	if m == nil {
		return
	}
	m.eventPublishErrors.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	if m == nil {
		return
	}
	m.activeConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TicksReceived      uint64
	TicksStale         uint64
	TicksDropped       uint64
	StreamReconnects   uint64
	OrdersPlaced       uint64
	OrdersRejected     uint64
	OrdersReconciled   uint64
	ReconcileFailures  uint64
	MirrorOrders       uint64
	MirrorFailures     uint64
	StrategyErrors     uint64
	EventPublishErrors uint64
	AvgOrderLatency    time.Duration
	ActiveConnections  int32
	Timestamp          time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{Timestamp: time.Now()}
	}

	var avgLatency time.Duration
	if count := m.latencyCount.Load(); count > 0 {
		avgLatency = time.Duration(m.latencySumNs.Load() / int64(count))
	}

	return MetricsSnapshot{
		TicksReceived:      m.ticksReceived.Load(),
		TicksStale:         m.ticksStale.Load(),
		TicksDropped:       m.ticksDropped.Load(),
		StreamReconnects:   m.streamReconnects.Load(),
		OrdersPlaced:       m.ordersPlaced.Load(),
		OrdersRejected:     m.ordersRejected.Load(),
		OrdersReconciled:   m.ordersReconciled.Load(),
		ReconcileFailures:  m.reconcileFailures.Load(),
		MirrorOrders:       m.mirrorOrders.Load(),
		MirrorFailures:     m.mirrorFailures.Load(),
		StrategyErrors:     m.strategyErrors.Load(),
		EventPublishErrors: m.eventPublishErrors.Load(),
		AvgOrderLatency:    avgLatency,
		ActiveConnections:  m.activeConnections.Load(),
		Timestamp:          time.Now(),
	}
}

// LogValue implements slog.LogValuer so a snapshot can be logged as one group.
func (s MetricsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("ticks", s.TicksReceived),
		slog.Uint64("ticks_stale", s.TicksStale),
		slog.Uint64("ticks_dropped", s.TicksDropped),
		slog.Uint64("reconnects", s.StreamReconnects),
		slog.Uint64("orders_placed", s.OrdersPlaced),
		slog.Uint64("orders_rejected", s.OrdersRejected),
		slog.Uint64("orders_reconciled", s.OrdersReconciled),
		slog.Uint64("reconcile_failures", s.ReconcileFailures),
		slog.Uint64("mirror_orders", s.MirrorOrders),
		slog.Uint64("mirror_failures", s.MirrorFailures),
		slog.Uint64("strategy_errors", s.StrategyErrors),
		slog.Uint64("publish_errors", s.EventPublishErrors),
		slog.Duration("avg_order_latency", s.AvgOrderLatency),
		slog.Int("connections", int(s.ActiveConnections)),
	)
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.ticksReceived.Store(0)
	m.ticksStale.Store(0)
	m.ticksDropped.Store(0)
	m.streamReconnects.Store(0)
	m.ordersPlaced.Store(0)
	m.ordersRejected.Store(0)
	m.ordersReconciled.Store(0)
	m.reconcileFailures.Store(0)
	m.mirrorOrders.Store(0)
	m.mirrorFailures.Store(0)
	m.strategyErrors.Store(0)
	m.eventPublishErrors.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
}
