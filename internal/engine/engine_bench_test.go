package engine

import (
	"context"
	"fmt"
	"testing"

	"cryptobot/internal/strategy"
)

// BenchmarkEngine_Dispatch measures routing one tick through the active
// table when no strategy fires.
func BenchmarkEngine_Dispatch(b *testing.B) {
	e, _ := newTestEngine(&fakePlacer{}, &fakeStore{}, strategy.DefaultRegistry())
	ctx := context.Background()

	// 10 strategies on each of 10 symbols
	for i := 0; i < 100; i++ {
		e.Activate(ctx, dcaStrategy(uint64(i+1), 1, fmt.Sprintf("SYM%dUSDT", i%10)))
	}
	// the first dispatch records a run for each DCA strategy; later ticks
	// are inside the interval and only exercise routing and evaluation
	for i := 0; i < 10; i++ {
		e.Dispatch(ctx, tick(fmt.Sprintf("SYM%dUSDT", i), "50000"))
	}
	e.Wait()

	ev := tick("SYM3USDT", "50000")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		e.Dispatch(ctx, ev)
	}
	e.Wait()
}

// BenchmarkEngine_DispatchUnmatched measures a tick no strategy trades.
func BenchmarkEngine_DispatchUnmatched(b *testing.B) {
	e, _ := newTestEngine(&fakePlacer{}, &fakeStore{}, strategy.DefaultRegistry())
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		e.Activate(ctx, dcaStrategy(uint64(i+1), 1, "BTCUSDT"))
	}
	ev := tick("ETHUSDT", "3000")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		e.Dispatch(ctx, ev)
	}
}
