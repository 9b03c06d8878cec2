package strategy

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cryptobot/internal/domain"
)

// Evaluator is the decision logic of one strategy type. It is called
// synchronously by the engine for every matching tick and returns at most
// one order.
type Evaluator interface {
	Type() domain.StrategyType
	// Validate checks the parameter bag before a strategy is stored.
	Validate(params domain.Params) error
	// Evaluate returns nil when the tick does not trigger an order.
	Evaluate(st domain.Strategy, tick domain.TickerUpdate, now time.Time) (*domain.OrderRequest, error)
}

// Resetter is implemented by evaluators keeping per-strategy history.
// Forget drops that history when a strategy is deactivated.
type Resetter interface {
	Forget(strategyID uint64)
}

// Seeder is implemented by evaluators that can start from historical candles
// instead of waiting for live ticks to fill their window.
type Seeder interface {
	// History reports the candle interval and count the params need. ok is
	// false when the params have no exchange candle equivalent.
	History(params domain.Params) (interval string, n int, ok bool)
	// Seed replaces the strategy's history with candles, oldest first.
	Seed(st domain.Strategy, candles []domain.Candle) error
}

// Registry maps a strategy type to its evaluator.
type Registry struct {
	evaluators map[domain.StrategyType]Evaluator
}

// NewRegistry builds a registry from evaluators. Later entries replace
// earlier ones of the same type.
func NewRegistry(evaluators ...Evaluator) *Registry {
	r := &Registry{evaluators: make(map[domain.StrategyType]Evaluator, len(evaluators))}
	for _, e := range evaluators {
		r.evaluators[e.Type()] = e
	}
	return r
}

// DefaultRegistry holds every built-in strategy type.
func DefaultRegistry() *Registry {
	return NewRegistry(NewDCA(), NewGrid(), NewSMACross())
}

// Get returns the evaluator of t.
func (r *Registry) Get(t domain.StrategyType) (Evaluator, error) {
	e, ok := r.evaluators[t]
	if !ok {
		return nil, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown strategy type %q", t)}
	}
	return e, nil
}

// Validate checks type, symbol and params of st.
func (r *Registry) Validate(st domain.Strategy) error {
	e, err := r.Get(st.Type)
	if err != nil {
		return err
	}
	if domain.NormalizeSymbol(st.Symbol) == "" {
		return &domain.ValidationError{Field: "symbol", Reason: "required"}
	}
	return e.Validate(st.Params)
}

// Forget clears per-strategy history in every evaluator that keeps some.
func (r *Registry) Forget(strategyID uint64) {
	for _, e := range r.evaluators {
		if rs, ok := e.(Resetter); ok {
			rs.Forget(strategyID)
		}
	}
}

// Seed preloads the history of st from source when its evaluator is a
// Seeder. Other evaluators and a nil source are a no-op.
func (r *Registry) Seed(ctx context.Context, st domain.Strategy, source domain.CandleSource) error {
	e, err := r.Get(st.Type)
	if err != nil {
		return err
	}
	seeder, ok := e.(Seeder)
	if !ok || source == nil {
		return nil
	}
	interval, n, ok := seeder.History(st.Params)
	if !ok {
		return nil
	}
	candles, err := source.GetCandles(ctx, domain.NormalizeSymbol(st.Symbol), interval, n)
	if err != nil {
		return fmt.Errorf("seed strategy %d: %w", st.ID, err)
	}
	return seeder.Seed(st, candles)
}

// Types lists the registered strategy types.
func (r *Registry) Types() []domain.StrategyType {
	out := make([]domain.StrategyType, 0, len(r.evaluators))
	for t := range r.evaluators {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
