package domain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar.
type Candle struct {
	Symbol   string          `json:"symbol"`
	Interval string          `json:"interval"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// CandleSource returns up to limit candles of a symbol, oldest first.
type CandleSource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Candle intervals accepted by the exchange. Numeric ones are minutes.
var candleIntervals = map[string]time.Duration{
	"1":   time.Minute,
	"3":   3 * time.Minute,
	"5":   5 * time.Minute,
	"15":  15 * time.Minute,
	"30":  30 * time.Minute,
	"60":  time.Hour,
	"120": 2 * time.Hour,
	"240": 4 * time.Hour,
	"360": 6 * time.Hour,
	"720": 12 * time.Hour,
	"D":   24 * time.Hour,
	"W":   7 * 24 * time.Hour,
	"M":   0, // calendar month, no fixed width
}

// ParseCandleInterval validates an interval code such as "5", "60" or "d".
func ParseCandleInterval(s string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if _, ok := candleIntervals[code]; !ok {
		return "", &ValidationError{Field: "interval", Reason: fmt.Sprintf("unsupported candle interval %q", s)}
	}
	return code, nil
}

// CandleIntervalFor returns the interval code whose width is exactly d.
func CandleIntervalFor(d time.Duration) (string, bool) {
	if d <= 0 {
		return "", false
	}
	for code, width := range candleIntervals {
		if width == d {
			return code, true
		}
	}
	return "", false
}
