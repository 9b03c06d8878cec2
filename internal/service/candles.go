package service

import (
	"context"

	"cryptobot/internal/domain"
)

const (
	DefaultCandleInterval = "5"
	DefaultCandleLimit    = 200
	MaxCandleLimit        = 1000
)

// CandleHistory serves historical OHLCV bars from the exchange.
type CandleHistory struct {
	source domain.CandleSource
}

func NewCandleHistory(source domain.CandleSource) *CandleHistory {
	return &CandleHistory{source: source}
}

// GetCandles returns up to limit candles of symbol, oldest first. An empty
// interval means 5 minutes; limit defaults to 200 and is capped at 1000.
func (h *CandleHistory) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	symbol = domain.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, &domain.ValidationError{Field: "symbol", Reason: "required"}
	}
	if interval == "" {
		interval = DefaultCandleInterval
	}
	interval, err := domain.ParseCandleInterval(interval)
	if err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultCandleLimit
	case limit > MaxCandleLimit:
		limit = MaxCandleLimit
	}
	return h.source.GetCandles(ctx, symbol, interval, limit)
}
