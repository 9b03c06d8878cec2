package strategy

import (
	"sync"
	"time"

	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
)

// Grid trades a fixed quantity each time the price crosses into another
// level of an evenly spaced grid: BUY on the way down, SELL on the way up.
//
// Params: lowerPrice, upperPrice, gridCount, quantity.
type Grid struct {
	mu    sync.Mutex
	level map[uint64]int // last observed level per strategy
}

func NewGrid() *Grid {
	return &Grid{level: make(map[uint64]int)}
}

func (g *Grid) Type() domain.StrategyType { return domain.StrategyGrid }

type gridParams struct {
	lower decimal.Decimal
	upper decimal.Decimal
	qty   decimal.Decimal
	count int
}

func parseGrid(p domain.Params) (gridParams, error) {
	var gp gridParams
	var err error
	if gp.lower, err = p.Decimal("lowerPrice", decimal.Zero); err != nil {
		return gp, err
	}
	if gp.upper, err = p.Decimal("upperPrice", decimal.Zero); err != nil {
		return gp, err
	}
	if gp.qty, err = p.Decimal("quantity", decimal.Zero); err != nil {
		return gp, err
	}
	if gp.count, err = p.Int("gridCount", 0); err != nil {
		return gp, err
	}

	switch {
	case !gp.lower.IsPositive():
		return gp, &domain.ValidationError{Field: "lowerPrice", Reason: "must be positive"}
	case !gp.upper.GreaterThan(gp.lower):
		return gp, &domain.ValidationError{Field: "upperPrice", Reason: "must be above lowerPrice"}
	case gp.count < 2:
		return gp, &domain.ValidationError{Field: "gridCount", Reason: "must be at least 2"}
	case !gp.qty.IsPositive():
		return gp, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return gp, nil
}

func (g *Grid) Validate(p domain.Params) error {
	_, err := parseGrid(p)
	return err
}

// levelOf returns the grid cell index of price, or false outside the range.
func (gp gridParams) levelOf(price decimal.Decimal) (int, bool) {
	if price.LessThan(gp.lower) || price.GreaterThan(gp.upper) {
		return 0, false
	}
	step := gp.upper.Sub(gp.lower).Div(decimal.NewFromInt(int64(gp.count)))
	idx := int(price.Sub(gp.lower).Div(step).Floor().IntPart())
	if idx >= gp.count {
		idx = gp.count - 1
	}
	return idx, true
}

func (g *Grid) Evaluate(st domain.Strategy, tick domain.TickerUpdate, _ time.Time) (*domain.OrderRequest, error) {
	gp, err := parseGrid(st.Params)
	if err != nil {
		return nil, err
	}
	level, inside := gp.levelOf(tick.LastPrice)
	if !inside {
		return nil, nil
	}

	g.mu.Lock()
	prev, seen := g.level[st.ID]
	g.level[st.ID] = level
	g.mu.Unlock()

	if !seen || level == prev {
		return nil, nil
	}

	side := domain.SideBuy
	if level > prev {
		side = domain.SideSell
	}
	return &domain.OrderRequest{
		Symbol:   st.Symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: gp.qty,
	}, nil
}

// Forget implements Resetter.
func (g *Grid) Forget(strategyID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.level, strategyID)
}
