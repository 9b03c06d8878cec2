package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InstrumentConstraint holds the exchange-declared trading rules for a symbol.
type InstrumentConstraint struct {
	Symbol         string
	BaseAsset      string
	QuoteAsset     string
	BasePrecision  int32
	QuotePrecision int32
	MinQuantity    decimal.Decimal
	MaxQuantity    decimal.Decimal
	MinNotional    decimal.Decimal
	TickSize       decimal.Decimal
}

// NormalizeQuantity checks the min/max bounds and truncates to base precision.
func (c InstrumentConstraint) NormalizeQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	if qty.LessThan(c.MinQuantity) {
		return decimal.Zero, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s below minimum %s for %s", qty, c.MinQuantity, c.Symbol),
		}
	}
	if c.MaxQuantity.IsPositive() && qty.GreaterThan(c.MaxQuantity) {
		return decimal.Zero, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s above maximum %s for %s", qty, c.MaxQuantity, c.Symbol),
		}
	}

	out := qty.Truncate(c.BasePrecision)
	if !out.IsPositive() {
		return decimal.Zero, &ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("%s truncates to zero at precision %d", qty, c.BasePrecision),
		}
	}
	return out, nil
}

// NormalizePrice rounds half-up to quote precision, then snaps half-up to the tick.
func (c InstrumentConstraint) NormalizePrice(price decimal.Decimal) decimal.Decimal {
	out := price.Round(c.QuotePrecision)
	if c.TickSize.IsPositive() {
		out = out.Div(c.TickSize).Round(0).Mul(c.TickSize)
	}
	return out
}

// CheckNotional rejects orders whose value is below the minimum notional.
func (c InstrumentConstraint) CheckNotional(qty, price decimal.Decimal) error {
	if !c.MinNotional.IsPositive() || !price.IsPositive() {
		return nil
	}
	if notional := qty.Mul(price); notional.LessThan(c.MinNotional) {
		return &ValidationError{
			Field:  "notional",
			Reason: fmt.Sprintf("%s below minimum %s for %s", notional, c.MinNotional, c.Symbol),
		}
	}
	return nil
}
