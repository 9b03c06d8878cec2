package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UpdateSource identifies which feed path produced an update.
type UpdateSource string

const (
	SourceStream   UpdateSource = "stream"
	SourcePoll     UpdateSource = "poll"
	SourceSnapshot UpdateSource = "snapshot"
)

// TickerUpdate is one observation of a symbol's latest price and 24h stats.
// Values are passed by copy so a reader always holds a complete observation.
type TickerUpdate struct {
	Symbol     string          `json:"symbol"`
	LastPrice  decimal.Decimal `json:"last_price"`
	HighPrice  decimal.Decimal `json:"high_price_24h"`
	LowPrice   decimal.Decimal `json:"low_price_24h"`
	Volume     decimal.Decimal `json:"volume_24h"`
	ObservedAt time.Time       `json:"observed_at"` // exchange timestamp
	Source     UpdateSource    `json:"source"`
}

// NormalizeSymbol is the cache key form of a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// IsNewerThan reports whether t should replace prev in a last-value cache.
// Equal timestamps count as newer so a re-delivery does not wedge the cache.
func (t TickerUpdate) IsNewerThan(prev TickerUpdate) bool {
	return !t.ObservedAt.Before(prev.ObservedAt)
}

// Matches reports whether the update belongs to symbol, ignoring case.
func (t TickerUpdate) Matches(symbol string) bool {
	return strings.EqualFold(t.Symbol, symbol)
}
