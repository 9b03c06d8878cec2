package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyType names the decision logic a strategy runs.
type StrategyType string

// StrategyStatus is the lifecycle state of a strategy.
type StrategyStatus string

const (
	StrategyDCA      StrategyType = "DCA"
	StrategyGrid     StrategyType = "GRID"
	StrategySMACross StrategyType = "SMA_CROSS"

	StrategyActive    StrategyStatus = "ACTIVE"
	StrategyPaused    StrategyStatus = "PAUSED"
	StrategyCompleted StrategyStatus = "COMPLETED"
	StrategyFailed    StrategyStatus = "FAILED"
)

// ParseStrategyStatus accepts a status name in any case.
func ParseStrategyStatus(s string) (StrategyStatus, error) {
	switch st := StrategyStatus(strings.ToUpper(s)); st {
	case StrategyActive, StrategyPaused, StrategyCompleted, StrategyFailed:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown strategy status %q", s)}
}

// Params is the typed parameter bag of a strategy, stored as JSON.
type Params map[string]string

// Decimal returns the named parameter or def when missing.
func (p Params) Decimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := p[key]
	if !ok || raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ValidationError{Field: key, Reason: fmt.Sprintf("not a decimal: %q", raw)}
	}
	return d, nil
}

// Int returns the named parameter or def when missing.
func (p Params) Int(key string, def int) (int, error) {
	raw, ok := p[key]
	if !ok || raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: key, Reason: fmt.Sprintf("not an integer: %q", raw)}
	}
	return n, nil
}

// Strategy is a persisted, owner-scoped automated trading rule.
type Strategy struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64         `gorm:"index" json:"user_id"`
	CredentialID uint64         `json:"credential_id"`
	Name         string         `gorm:"size:128" json:"name"`
	Type         StrategyType   `gorm:"size:16" json:"type"`
	Status       StrategyStatus `gorm:"size:16;index" json:"status"`
	Symbol       string         `gorm:"size:32" json:"symbol"`
	Params       Params         `gorm:"serializer:json" json:"params"`
	LastRunAt    *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// IsActive reports whether the strategy should receive ticks.
func (s *Strategy) IsActive() bool {
	return s.Status == StrategyActive
}
