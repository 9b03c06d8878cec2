package event

import (
	"time"

	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
)

// Kind names an order lifecycle transition.
type Kind string

const (
	OrderPlaced     Kind = "order.placed"
	OrderCancelled  Kind = "order.cancelled"
	OrderReconciled Kind = "order.reconciled"
	OrderRejected   Kind = "order.rejected"
)

// OrderEvent is published after an order change has been persisted.
type OrderEvent struct {
	Kind            Kind               `json:"kind"`
	OrderID         uint64             `json:"order_id"`
	ClientOrderID   string             `json:"client_order_id"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	Exchange        string             `json:"exchange"`
	UserID          uint64             `json:"user_id"`
	Symbol          string             `json:"symbol"`
	Side            domain.Side        `json:"side"`
	Type            domain.OrderType   `json:"type"`
	Quantity        decimal.Decimal    `json:"quantity"`
	Price           decimal.Decimal    `json:"price"`
	Status          domain.OrderStatus `json:"status"`
	FilledQuantity  decimal.Decimal    `json:"filled_quantity"`
	ParentOrderID   uint64             `json:"parent_order_id,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// NewOrderEvent captures the current state of order.
func NewOrderEvent(kind Kind, order *domain.Order) OrderEvent {
	return OrderEvent{
		Kind:            kind,
		OrderID:         order.ID,
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		Exchange:        order.Exchange,
		UserID:          order.UserID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Type:            order.Type,
		Quantity:        order.Quantity,
		Price:           order.Price,
		Status:          order.Status,
		FilledQuantity:  order.FilledQuantity,
		ParentOrderID:   order.ParentOrderID,
		Timestamp:       time.Now(),
	}
}

// Key is the partitioning key; events of one order share a partition.
func (e OrderEvent) Key() []byte {
	return []byte(e.Symbol + ":" + e.ClientOrderID)
}
