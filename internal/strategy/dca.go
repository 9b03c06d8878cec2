package strategy

import (
	"time"

	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
)

// DCA defaults
var (
	defaultDCAAmount       = decimal.NewFromInt(10)
	defaultDCAIntervalMins = 1440
)

// dcaQuantityPrecision is the number of decimals kept when converting the
// quote amount into a base quantity.
const dcaQuantityPrecision = 8

// DCA buys a fixed quote amount at market every interval.
//
// Params: amountUsdt (default 10), intervalMinutes (default 1440).
type DCA struct{}

func NewDCA() *DCA { return &DCA{} }

func (d *DCA) Type() domain.StrategyType { return domain.StrategyDCA }

func (d *DCA) Validate(p domain.Params) error {
	amount, err := p.Decimal("amountUsdt", defaultDCAAmount)
	if err != nil {
		return err
	}
	if !amount.IsPositive() {
		return &domain.ValidationError{Field: "amountUsdt", Reason: "must be positive"}
	}
	mins, err := p.Int("intervalMinutes", defaultDCAIntervalMins)
	if err != nil {
		return err
	}
	if mins <= 0 {
		return &domain.ValidationError{Field: "intervalMinutes", Reason: "must be positive"}
	}
	return nil
}

func (d *DCA) Evaluate(st domain.Strategy, tick domain.TickerUpdate, now time.Time) (*domain.OrderRequest, error) {
	if err := d.Validate(st.Params); err != nil {
		return nil, err
	}
	amount, _ := st.Params.Decimal("amountUsdt", defaultDCAAmount)
	mins, _ := st.Params.Int("intervalMinutes", defaultDCAIntervalMins)

	if st.LastRunAt != nil && now.Sub(*st.LastRunAt) < time.Duration(mins)*time.Minute {
		return nil, nil
	}
	if !tick.LastPrice.IsPositive() {
		return nil, &domain.ValidationError{Field: "lastPrice", Reason: "must be positive"}
	}

	qty := amount.Div(tick.LastPrice).Truncate(dcaQuantityPrecision)
	if !qty.IsPositive() {
		return nil, nil
	}

	return &domain.OrderRequest{
		Symbol:   st.Symbol,
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
	}, nil
}
