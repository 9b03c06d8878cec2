package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CopyStatus is the state of a lead/follower link.
type CopyStatus string

const (
	CopyActive CopyStatus = "ACTIVE"
	CopyPaused CopyStatus = "PAUSED"
	CopyError  CopyStatus = "ERROR"
)

// CopyRelation links a follower to a lead trader. The pair is unique.
type CopyRelation struct {
	ID          uint64          `gorm:"primaryKey;autoIncrement" json:"id"`
	LeadID      uint64          `gorm:"uniqueIndex:idx_copy_pair;index" json:"lead_id"`
	FollowerID  uint64          `gorm:"uniqueIndex:idx_copy_pair" json:"follower_id"`
	ScaleFactor decimal.Decimal `gorm:"type:varchar(64)" json:"scale_factor"`
	Status      CopyStatus      `gorm:"size:16;index" json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Scale returns the follower quantity for a lead quantity.
func (r CopyRelation) Scale(leadQty decimal.Decimal) decimal.Decimal {
	return leadQty.Mul(r.ScaleFactor)
}
