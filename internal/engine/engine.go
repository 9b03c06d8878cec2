package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"
	"cryptobot/internal/strategy"
)

// TickFeed is the broadcast side of the market data feed.
type TickFeed interface {
	Subscribe(ctx context.Context) <-chan domain.TickerUpdate
}

// OrderPlacer submits a produced order for the strategy owner.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, userID uint64, req domain.OrderRequest) (*domain.Order, error)
}

// Store loads active strategies and records successful triggers.
type Store interface {
	ListStrategiesByStatus(ctx context.Context, status domain.StrategyStatus) ([]domain.Strategy, error)
	UpdateStrategyLastRun(ctx context.Context, id uint64, at time.Time) error
}

// Engine dispatches every tick to the ACTIVE strategies trading its symbol.
type Engine struct {
	registry *strategy.Registry
	placer   OrderPlacer
	store    Store
	history  domain.CandleSource
	metrics  *infra.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	active   map[uint64]*domain.Strategy
	inflight map[uint64]bool

	wg sync.WaitGroup
}

// New creates an engine with no active strategies.
func New(registry *strategy.Registry, placer OrderPlacer, store Store, metrics *infra.Metrics) *Engine {
	return &Engine{
		registry: registry,
		placer:   placer,
		store:    store,
		metrics:  metrics,
		logger:   slog.Default().With("module", "engine"),
		now:      time.Now,
		active:   make(map[uint64]*domain.Strategy),
		inflight: make(map[uint64]bool),
	}
}

// SetHistory enables seeding strategies from historical candles on activation.
func (e *Engine) SetHistory(source domain.CandleSource) {
	e.history = source
}

// Load activates every persisted ACTIVE strategy.
func (e *Engine) Load(ctx context.Context) error {
	list, err := e.store.ListStrategiesByStatus(ctx, domain.StrategyActive)
	if err != nil {
		return fmt.Errorf("load active strategies: %w", err)
	}
	for _, st := range list {
		e.Activate(ctx, st)
	}
	e.logger.Info("Active strategies loaded", slog.Int("count", len(list)))
	return nil
}

// Activate starts dispatching ticks to st. Activating an already active
// strategy replaces its definition. Strategies that keep a price window are
// seeded from candle history first; if that fails they start cold.
func (e *Engine) Activate(ctx context.Context, st domain.Strategy) {
	st.Symbol = domain.NormalizeSymbol(st.Symbol)
	st.Status = domain.StrategyActive

	if err := e.registry.Seed(ctx, st, e.history); err != nil {
		e.logger.Warn("Strategy history unavailable, starting cold",
			slog.Uint64("strategy_id", st.ID),
			slog.Any("error", err),
		)
	}

	e.mu.Lock()
	e.active[st.ID] = &st
	e.mu.Unlock()

	e.logger.Info("Strategy activated", slog.Uint64("strategy_id", st.ID), slog.String("symbol", st.Symbol))
}

// Deactivate stops dispatching to the strategy and drops its history.
func (e *Engine) Deactivate(id uint64) {
	e.mu.Lock()
	_, ok := e.active[id]
	delete(e.active, id)
	e.mu.Unlock()

	e.registry.Forget(id)
	if ok {
		e.logger.Info("Strategy deactivated", slog.Uint64("strategy_id", id))
	}
}

// Active returns a copy of the active strategies ordered by id.
func (e *Engine) Active() []domain.Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Strategy, 0, len(e.active))
	for _, st := range e.active {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run subscribes to feed and dispatches ticks until ctx is done or the feed
// stops. It waits for in-flight placements before returning.
func (e *Engine) Run(ctx context.Context, feed TickFeed) {
	e.logger.Info("Strategy engine started")
	defer e.wg.Wait()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			e.DumpState("engine_panic_dump.json")
		}
	}()

	ticks := feed.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Strategy engine stopping...")
			return
		case tick, ok := <-ticks:
			if !ok {
				e.logger.Info("Tick feed closed, strategy engine stopping")
				return
			}
			e.Dispatch(ctx, tick)
		}
	}
}

// Dispatch evaluates tick against every matching active strategy. Produced
// orders are placed in the background.
func (e *Engine) Dispatch(ctx context.Context, tick domain.TickerUpdate) {
	symbol := domain.NormalizeSymbol(tick.Symbol)
	now := e.now()

	for _, st := range e.matching(symbol) {
		req, err := e.evaluate(st, tick, now)
		if err != nil {
			e.metrics.RecordStrategyError()
			e.logger.Warn("Strategy evaluation failed",
				slog.Uint64("strategy_id", st.ID),
				slog.String("type", string(st.Type)),
				slog.Any("error", err),
			)
			continue
		}
		if req == nil {
			continue
		}
		if !e.claim(st.ID) {
			e.logger.Debug("Strategy order still in flight, skipping", slog.Uint64("strategy_id", st.ID))
			continue
		}

		e.wg.Add(1)
		go e.place(context.WithoutCancel(ctx), st, *req, now)
	}
}

func (e *Engine) matching(symbol string) []domain.Strategy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []domain.Strategy
	for _, st := range e.active {
		if strings.EqualFold(st.Symbol, symbol) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// evaluate isolates one strategy: a panic becomes an error for that strategy only.
func (e *Engine) evaluate(st domain.Strategy, tick domain.TickerUpdate, now time.Time) (req *domain.OrderRequest, err error) {
	defer func() {
		if r := recover(); r != nil {
			req, err = nil, fmt.Errorf("strategy %d panicked: %v", st.ID, r)
		}
	}()

	ev, err := e.registry.Get(st.Type)
	if err != nil {
		return nil, err
	}
	return ev.Evaluate(st, tick, now)
}

func (e *Engine) claim(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight[id] {
		return false
	}
	e.inflight[id] = true
	return true
}

func (e *Engine) release(id uint64) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) place(ctx context.Context, st domain.Strategy, req domain.OrderRequest, at time.Time) {
	defer e.wg.Done()
	defer e.release(st.ID)

	order, err := e.placer.PlaceOrder(ctx, st.UserID, req)
	if err != nil {
		e.metrics.RecordStrategyError()
		e.logger.Warn("Strategy order rejected",
			slog.Uint64("strategy_id", st.ID),
			slog.String("side", string(req.Side)),
			slog.String("qty", req.Quantity.String()),
			slog.Any("error", err),
		)
		return
	}

	e.mu.Lock()
	if cur, ok := e.active[st.ID]; ok {
		cur.LastRunAt = &at
	}
	e.mu.Unlock()

	if err := e.store.UpdateStrategyLastRun(ctx, st.ID, at); err != nil {
		e.logger.Error("Failed to persist strategy last run", slog.Uint64("strategy_id", st.ID), slog.Any("error", err))
	}

	e.logger.Info("Strategy triggered",
		slog.Uint64("strategy_id", st.ID),
		slog.Uint64("order_id", order.ID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("qty", order.Quantity.String()),
	)
}

// Wait blocks until every in-flight placement has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// DumpState writes the active strategy table to a file for post-mortem.
func (e *Engine) DumpState(filename string) {
	e.logger.Info("Dumping engine state...", slog.String("file", filename))

	data := struct {
		DumpedAt time.Time         `json:"dumped_at"`
		Active   []domain.Strategy `json:"active"`
	}{
		DumpedAt: time.Now(),
		Active:   e.Active(),
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		e.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}
	if err := os.WriteFile(filename, b, 0644); err != nil {
		e.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
