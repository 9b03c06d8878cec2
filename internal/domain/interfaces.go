package domain

import (
	"context"
	"iter"
)

// ExchangeWorker defines the interface for exchange WebSocket connectors
type ExchangeWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
}

// Exchange is the signed trading surface of an exchange. Every call takes
// the credentials it needs; implementations must not keep them.
type Exchange interface {
	Name() string
	GetBalances(ctx context.Context, creds Credentials) ([]Balance, error)
	// PlaceOrder returns the accepted order with its exchange id and initial status.
	PlaceOrder(ctx context.Context, creds Credentials, order Order) (Order, error)
	// CancelOrder returns the order in CANCELLED state.
	CancelOrder(ctx context.Context, creds Credentials, order Order) (Order, error)
	// GetOrder fails with ErrNotFound when the exchange has no record.
	GetOrder(ctx context.Context, creds Credentials, exchangeOrderID, symbol string) (OrderSnapshot, error)
	// ExecutionHistory yields at most limit trades, most recent first. The
	// request is issued when iteration starts.
	ExecutionHistory(ctx context.Context, creds Credentials, symbol string, limit int) iter.Seq2[Trade, error]
}

// InstrumentSource returns the exchange-wide constraint table.
type InstrumentSource interface {
	GetInstruments(ctx context.Context) ([]InstrumentConstraint, error)
}

// TickerSource answers request/response ticker queries.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (TickerUpdate, error)
}

// CredentialResolver returns decrypted credentials for (owner, exchange) or
// ErrNoActiveCredentials.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID uint64, exchange string) (Credentials, error)
}
