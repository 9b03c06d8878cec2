package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

// OrderType distinguishes market and limit orders.
type OrderType string

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

// TimeInForce controls how long a limit order rests on the book.
type TimeInForce string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"

	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// ParseSide accepts BUY/SELL in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", s)}
}

// ParseOrderType accepts MARKET/LIMIT in any case.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToUpper(s)) {
	case OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", s)}
}

// IsTerminal reports whether no further transitions are accepted.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// Order is a spot order as persisted locally.
type Order struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientOrderID   string          `gorm:"size:64;uniqueIndex" json:"client_order_id"`
	ExchangeOrderID string          `gorm:"size:64;index" json:"exchange_order_id"`
	Exchange        string          `gorm:"size:32;index" json:"exchange"`
	UserID          uint64          `gorm:"index" json:"user_id"`
	CredentialID    uint64          `json:"credential_id"`
	Symbol          string          `gorm:"size:32;index" json:"symbol"`
	Side            Side            `gorm:"size:8" json:"side"`
	Type            OrderType       `gorm:"size:8" json:"type"`
	TimeInForce     TimeInForce     `gorm:"size:8" json:"time_in_force"`
	Quantity        decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	Price           decimal.Decimal `gorm:"type:varchar(64)" json:"price"` // zero for MARKET
	Status          OrderStatus     `gorm:"size:20;index" json:"status"`
	FilledQuantity  decimal.Decimal `gorm:"type:varchar(64)" json:"filled_quantity"`
	AvgFillPrice    decimal.Decimal `gorm:"type:varchar(64)" json:"avg_fill_price"`

	// Mirrored orders point at the order they copy.
	ParentOrderID uint64 `gorm:"index" json:"parent_order_id,omitempty"`
	MirrorDepth   int    `json:"mirror_depth"`

	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	ExchangeCreatedAt *time.Time `json:"exchange_created_at,omitempty"`
	ExchangeUpdatedAt *time.Time `json:"exchange_updated_at,omitempty"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// IsCancellable reports whether a cancel request makes sense.
func (o *Order) IsCancellable() bool {
	return o.Status == OrderStatusNew || o.Status == OrderStatusPartiallyFilled
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Quantity.Sub(o.FilledQuantity)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// OrderSnapshot is the order state as the exchange reports it.
type OrderSnapshot struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  decimal.Decimal
	AvgFillPrice    decimal.Decimal
	CreatedAt       *time.Time
	UpdatedAt       *time.Time
}

// Apply copies exchange-reported state onto the order. Terminal orders are
// never mutated. The filled quantity is clamped to the order quantity and
// never decreases.
func (o *Order) Apply(s OrderSnapshot) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d is %s", ErrInvalidState, o.ID, o.Status)
	}
	if s.ExchangeOrderID != "" {
		o.ExchangeOrderID = s.ExchangeOrderID
	}
	if s.Status != "" {
		o.Status = s.Status
	}
	filled := s.FilledQuantity
	if filled.GreaterThan(o.Quantity) {
		filled = o.Quantity
	}
	if filled.GreaterThan(o.FilledQuantity) {
		o.FilledQuantity = filled
	}
	if !s.AvgFillPrice.IsZero() {
		o.AvgFillPrice = s.AvgFillPrice
	}
	if s.CreatedAt != nil {
		o.ExchangeCreatedAt = s.CreatedAt
	}
	if s.UpdatedAt != nil {
		o.ExchangeUpdatedAt = s.UpdatedAt
	}
	return nil
}

// OrderRequest is what callers hand to the order manager.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	TimeInForce TimeInForce

	ParentOrderID uint64
	MirrorDepth   int
}

// Validate checks the request shape. Instrument constraints are applied later.
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Symbol) == "" {
		return &ValidationError{Field: "symbol", Reason: "required"}
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", r.Side)}
	}
	if !r.Quantity.IsPositive() {
		return &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	switch r.Type {
	case OrderTypeMarket:
		if !r.Price.IsZero() {
			return &ValidationError{Field: "price", Reason: "must be empty for MARKET orders"}
		}
	case OrderTypeLimit:
		if !r.Price.IsPositive() {
			return &ValidationError{Field: "price", Reason: "required for LIMIT orders"}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown order type %q", r.Type)}
	}
	switch r.TimeInForce {
	case "", TimeInForceGTC, TimeInForceIOC, TimeInForceFOK:
	default:
		return &ValidationError{Field: "time_in_force", Reason: fmt.Sprintf("unknown value %q", r.TimeInForce)}
	}
	return nil
}
