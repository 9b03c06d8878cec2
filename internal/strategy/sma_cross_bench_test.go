package strategy_test

import (
	"testing"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/strategy"

	"github.com/shopspring/decimal"
)

// BenchmarkSMACross_Evaluate measures one evaluation against a full window.
func BenchmarkSMACross_Evaluate(b *testing.B) {
	strat := strategy.NewSMACross()
	st := domain.Strategy{
		ID:     1,
		Type:   domain.StrategySMACross,
		Symbol: "BTCUSDT",
		Params: domain.Params{"shortPeriod": "20", "longPeriod": "50", "quantity": "0.001"},
	}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Pre-fill the long window to reach steady state
	for i := 0; i < 50; i++ {
		tick := domain.TickerUpdate{
			Symbol:     "BTCUSDT",
			LastPrice:  decimal.NewFromInt(int64(50000 + i)),
			ObservedAt: base.Add(time.Duration(i) * time.Second),
		}
		strat.Evaluate(st, tick, tick.ObservedAt)
	}

	tick := domain.TickerUpdate{Symbol: "BTCUSDT"}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		tick.LastPrice = decimal.NewFromInt(int64(50000 + i%10000))
		tick.ObservedAt = base.Add(time.Duration(50+i) * time.Second)
		if _, err := strat.Evaluate(st, tick, tick.ObservedAt); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkSMACross_ColdStart measures the first evaluation of a new strategy.
func BenchmarkSMACross_ColdStart(b *testing.B) {
	strat := strategy.NewSMACross()
	st := domain.Strategy{
		Type:   domain.StrategySMACross,
		Symbol: "BTCUSDT",
		Params: domain.Params{"shortPeriod": "20", "longPeriod": "50", "quantity": "0.001"},
	}
	tick := domain.TickerUpdate{
		Symbol:     "BTCUSDT",
		LastPrice:  decimal.NewFromInt(50000),
		ObservedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		st.ID = uint64(i + 1)
		strat.Evaluate(st, tick, tick.ObservedAt)
		strat.Forget(st.ID)
	}
}
