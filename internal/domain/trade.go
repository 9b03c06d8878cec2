package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one execution reported by the exchange. It is immutable once
// stored and keyed by (Exchange, ExchangeTradeID).
type Trade struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Exchange        string          `gorm:"size:32;uniqueIndex:idx_trade_exchange_id" json:"exchange"`
	ExchangeTradeID string          `gorm:"size:64;uniqueIndex:idx_trade_exchange_id" json:"exchange_trade_id"`
	ExchangeOrderID string          `gorm:"size:64;index" json:"exchange_order_id"`
	OrderID         uint64          `gorm:"index" json:"order_id,omitempty"`
	UserID          uint64          `gorm:"index" json:"user_id"`
	Symbol          string          `gorm:"size:32" json:"symbol"`
	Side            Side            `gorm:"size:8" json:"side"`
	Price           decimal.Decimal `gorm:"type:varchar(64)" json:"price"`
	Quantity        decimal.Decimal `gorm:"type:varchar(64)" json:"quantity"`
	Commission      decimal.Decimal `gorm:"type:varchar(64)" json:"commission"`
	CommissionAsset string          `gorm:"size:16" json:"commission_asset"`
	ExecutedAt      time.Time       `json:"executed_at"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Value is price times quantity.
func (t Trade) Value() decimal.Decimal {
	return t.Price.Mul(t.Quantity)
}

// NetValue is the trade value after commission, assuming a quote-asset fee.
func (t Trade) NetValue() decimal.Decimal {
	return t.Value().Sub(t.Commission)
}
