package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cryptobot/internal/domain"
)

// instrumentTable is an immutable symbol -> constraint map.
type instrumentTable struct {
	bySymbol map[string]domain.InstrumentConstraint
	loadedAt time.Time
}

// InstrumentCache holds the exchange constraint table. A refresh builds a
// new table and swaps it in whole, so a reader sees either the old or the
// new table.
type InstrumentCache struct {
	source   domain.InstrumentSource
	interval time.Duration
	table    atomic.Pointer[instrumentTable]
	logger   *slog.Logger
}

// NewInstrumentCache creates an empty cache refreshed every interval (default 24h).
func NewInstrumentCache(source domain.InstrumentSource, interval time.Duration) *InstrumentCache {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	c := &InstrumentCache{
		source:   source,
		interval: interval,
		logger:   slog.Default().With("module", "instruments"),
	}
	c.table.Store(&instrumentTable{bySymbol: map[string]domain.InstrumentConstraint{}})
	return c
}

// Refresh fetches the full table. On failure the current table is kept.
func (c *InstrumentCache) Refresh(ctx context.Context) error {
	list, err := c.source.GetInstruments(ctx)
	if err != nil {
		return fmt.Errorf("refresh instruments: %w", err)
	}

	next := &instrumentTable{
		bySymbol: make(map[string]domain.InstrumentConstraint, len(list)),
		loadedAt: time.Now(),
	}
	for _, ic := range list {
		next.bySymbol[domain.NormalizeSymbol(ic.Symbol)] = ic
	}
	c.table.Store(next)

	c.logger.Info("Instrument table refreshed", slog.Int("symbols", len(list)))
	return nil
}

// Run refreshes on the configured schedule until ctx is done.
func (c *InstrumentCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("Instrument refresh failed, keeping previous table", slog.Any("error", err))
			}
		}
	}
}

// Lookup returns the constraint of symbol. ok is false for unknown symbols.
func (c *InstrumentCache) Lookup(symbol string) (domain.InstrumentConstraint, bool) {
	ic, ok := c.table.Load().bySymbol[domain.NormalizeSymbol(symbol)]
	return ic, ok
}

// Size returns the number of known symbols.
func (c *InstrumentCache) Size() int {
	return len(c.table.Load().bySymbol)
}

// LoadedAt returns when the current table was fetched (zero if never).
func (c *InstrumentCache) LoadedAt() time.Time {
	return c.table.Load().loadedAt
}
