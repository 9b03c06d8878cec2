package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBalance_ReserveRelease(t *testing.T) {
	b := NewBalance("USDT", decimal.NewFromInt(100), decimal.Zero)

	if err := b.Reserve(decimal.NewFromInt(40)); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !b.Free.Equal(decimal.NewFromInt(60)) || !b.Locked.Equal(decimal.NewFromInt(40)) {
		t.Errorf("after reserve free=%s locked=%s", b.Free, b.Locked)
	}
	if err := b.Verify(); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	if err := b.Reserve(decimal.NewFromInt(61)); err == nil {
		t.Error("reserving more than free should fail")
	}

	if err := b.Release(decimal.NewFromInt(40)); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if !b.Free.Equal(decimal.NewFromInt(100)) || !b.Locked.IsZero() {
		t.Errorf("after release free=%s locked=%s", b.Free, b.Locked)
	}
}

func TestBalance_Debit(t *testing.T) {
	b := NewBalance("BTC", decimal.RequireFromString("0.5"), decimal.Zero)

	if err := b.Debit(decimal.RequireFromString("0.6")); err == nil {
		t.Error("overdraft should fail")
	}
	if err := b.Debit(decimal.RequireFromString("0.2")); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !b.Total.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("Total = %s, want 0.3", b.Total)
	}
}

func TestBalanceBook_Snapshot(t *testing.T) {
	bb := NewBalanceBook()
	bb.Get("USDT").Credit(decimal.NewFromInt(10))
	bb.Get("BTC").Credit(decimal.RequireFromString("0.1"))
	bb.Get("ETH") // empty, omitted

	snap := bb.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 balances, got %d", len(snap))
	}
	if snap[0].Asset != "BTC" || snap[1].Asset != "USDT" {
		t.Errorf("unexpected order: %s, %s", snap[0].Asset, snap[1].Asset)
	}
}
