package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func btcConstraint() InstrumentConstraint {
	return InstrumentConstraint{
		Symbol:         "BTCUSDT",
		BasePrecision:  6,
		QuotePrecision: 2,
		MinQuantity:    decimal.RequireFromString("0.000048"),
		MaxQuantity:    decimal.RequireFromString("71.73956243"),
		MinNotional:    decimal.RequireFromString("1"),
		TickSize:       decimal.RequireFromString("0.01"),
	}
}

func TestNormalizeQuantity(t *testing.T) {
	c := btcConstraint()

	tests := []struct {
		name    string
		qty     string
		want    string
		wantErr bool
	}{
		{"truncates toward zero", "0.12345699", "0.123456", false},
		{"exact precision unchanged", "0.5", "0.5", false},
		{"below minimum", "0.00001", "", true},
		{"above maximum", "100", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.NormalizeQuantity(decimal.RequireFromString(tt.qty))
			if tt.wantErr {
				var vErr *ValidationError
				if !errors.As(err, &vErr) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("NormalizeQuantity(%s) = %s, want %s", tt.qty, got, tt.want)
			}
		})
	}
}

func TestNormalizeQuantity_NoMaximum(t *testing.T) {
	c := btcConstraint()
	c.MaxQuantity = decimal.Zero

	got, err := c.NormalizeQuantity(decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("got %s", got)
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		name  string
		tick  string
		quote int32
		price string
		want  string
	}{
		{"half-up to quote precision", "0.01", 2, "50000.125", "50000.13"},
		{"below half rounds down", "0.01", 2, "50000.124", "50000.12"},
		{"snaps to coarse tick", "0.5", 2, "100.26", "100.5"},
		{"snaps down to coarse tick", "0.5", 2, "100.24", "100"},
		{"tick of ten", "10", 0, "50004.6", "50010"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := InstrumentConstraint{
				QuotePrecision: tt.quote,
				TickSize:       decimal.RequireFromString(tt.tick),
			}
			got := c.NormalizePrice(decimal.RequireFromString(tt.price))
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("NormalizePrice(%s) = %s, want %s", tt.price, got, tt.want)
			}
			if !got.Mod(c.TickSize).IsZero() {
				t.Errorf("price %s is not a multiple of tick %s", got, c.TickSize)
			}
		})
	}
}

func TestCheckNotional(t *testing.T) {
	c := btcConstraint()

	if err := c.CheckNotional(decimal.RequireFromString("0.0001"), decimal.NewFromInt(50000)); err != nil {
		t.Errorf("5 USDT order should pass, got %v", err)
	}
	if err := c.CheckNotional(decimal.RequireFromString("0.00001"), decimal.NewFromInt(50000)); err == nil {
		t.Error("0.5 USDT order should fail the notional check")
	}
	if err := c.CheckNotional(decimal.RequireFromString("0.00001"), decimal.Zero); err != nil {
		t.Error("unknown price must skip the notional check")
	}
}
