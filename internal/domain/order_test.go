package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderRequest_Validate(t *testing.T) {
	qty := decimal.RequireFromString("0.01")
	price := decimal.NewFromInt(50000)

	tests := []struct {
		name    string
		req     OrderRequest
		wantErr bool
	}{
		{"market ok", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: qty}, false},
		{"limit ok", OrderRequest{Symbol: "BTCUSDT", Side: SideSell, Type: OrderTypeLimit, Quantity: qty, Price: price, TimeInForce: TimeInForceIOC}, false},
		{"limit without price", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeLimit, Quantity: qty}, true},
		{"market with price", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket, Quantity: qty, Price: price}, true},
		{"zero quantity", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeMarket}, true},
		{"missing symbol", OrderRequest{Side: SideBuy, Type: OrderTypeMarket, Quantity: qty}, true},
		{"bad side", OrderRequest{Symbol: "BTCUSDT", Side: "HOLD", Type: OrderTypeMarket, Quantity: qty}, true},
		{"bad tif", OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: OrderTypeLimit, Quantity: qty, Price: price, TimeInForce: "DAY"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var vErr *ValidationError
				if !errors.As(err, &vErr) {
					t.Errorf("expected ValidationError, got %T", err)
				}
			}
		})
	}
}

func TestOrder_Apply(t *testing.T) {
	t.Run("fill clamps to quantity", func(t *testing.T) {
		o := Order{ID: 1, Quantity: decimal.NewFromInt(1), Status: OrderStatusNew}
		err := o.Apply(OrderSnapshot{Status: OrderStatusFilled, FilledQuantity: decimal.RequireFromString("1.0000001"), AvgFillPrice: decimal.NewFromInt(100)})
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if o.Status != OrderStatusFilled {
			t.Errorf("Status = %s, want FILLED", o.Status)
		}
		if !o.FilledQuantity.Equal(o.Quantity) {
			t.Errorf("FilledQuantity = %s, want %s", o.FilledQuantity, o.Quantity)
		}
		if !o.Remaining().IsZero() {
			t.Errorf("Remaining = %s, want 0", o.Remaining())
		}
	})

	t.Run("fill never decreases", func(t *testing.T) {
		o := Order{ID: 3, Quantity: decimal.NewFromInt(1), FilledQuantity: decimal.RequireFromString("0.4"), Status: OrderStatusPartiallyFilled}
		if err := o.Apply(OrderSnapshot{Status: OrderStatusExpired}); err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if o.Status != OrderStatusExpired {
			t.Errorf("Status = %s, want EXPIRED", o.Status)
		}
		if !o.FilledQuantity.Equal(decimal.RequireFromString("0.4")) {
			t.Errorf("FilledQuantity = %s, want 0.4", o.FilledQuantity)
		}
	})

	t.Run("terminal order is immutable", func(t *testing.T) {
		o := Order{ID: 2, Quantity: decimal.NewFromInt(1), Status: OrderStatusCancelled}
		err := o.Apply(OrderSnapshot{Status: OrderStatusFilled})
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("expected ErrInvalidState, got %v", err)
		}
		if o.Status != OrderStatusCancelled {
			t.Error("terminal status must not change")
		}
	})
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusNew, OrderStatusPartiallyFilled} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
