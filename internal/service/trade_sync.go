package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cryptobot/internal/domain"
)

// TradeStore is the trade persistence used by TradeSync.
type TradeStore interface {
	InsertTrade(ctx context.Context, trade *domain.Trade) (bool, error)
	ListTrades(ctx context.Context, userID uint64, symbol string, limit int) ([]domain.Trade, error)
	ListTradesByOrder(ctx context.Context, orderID uint64) ([]domain.Trade, error)
	GetOrder(ctx context.Context, id uint64) (*domain.Order, error)
	FindOrderByExchangeID(ctx context.Context, exchange, exchangeOrderID string) (*domain.Order, error)
}

// SyncResult summarizes one ingestion run.
type SyncResult struct {
	Fetched    int
	Inserted   int
	Duplicates int
}

// TradeSync ingests execution history. Re-running it is safe: a trade is
// stored once per (exchange, trade id).
type TradeSync struct {
	exchange    domain.Exchange
	credentials domain.CredentialResolver
	store       TradeStore
	logger      *slog.Logger
}

func NewTradeSync(exchange domain.Exchange, credentials domain.CredentialResolver, store TradeStore) *TradeSync {
	return &TradeSync{
		exchange:    exchange,
		credentials: credentials,
		store:       store,
		logger:      slog.Default().With("module", "trade_sync"),
	}
}

// SyncTrades pulls up to limit recent executions of symbol for userID.
func (s *TradeSync) SyncTrades(ctx context.Context, userID uint64, symbol string, limit int) (SyncResult, error) {
	var res SyncResult
	if userID == 0 {
		return res, fmt.Errorf("%w: missing owner", domain.ErrUnauthorized)
	}

	creds, err := s.credentials.Resolve(ctx, userID, s.exchange.Name())
	if err != nil {
		return res, err
	}

	for trade, err := range s.exchange.ExecutionHistory(ctx, creds, domain.NormalizeSymbol(symbol), limit) {
		if err != nil {
			return res, err
		}
		res.Fetched++

		trade.UserID = userID
		if trade.ExchangeOrderID != "" {
			order, err := s.store.FindOrderByExchangeID(ctx, trade.Exchange, trade.ExchangeOrderID)
			switch {
			case err == nil:
				trade.OrderID = order.ID
			case !errors.Is(err, domain.ErrNotFound):
				return res, err
			}
		}

		inserted, err := s.store.InsertTrade(ctx, &trade)
		if err != nil {
			return res, fmt.Errorf("store trade %s: %w", trade.ExchangeTradeID, err)
		}
		if inserted {
			res.Inserted++
		} else {
			res.Duplicates++
		}
	}

	s.logger.Info("Trades synchronized",
		slog.Uint64("user_id", userID),
		slog.String("symbol", symbol),
		slog.Int("fetched", res.Fetched),
		slog.Int("inserted", res.Inserted),
	)
	return res, nil
}

// ListTrades returns stored trades of userID.
func (s *TradeSync) ListTrades(ctx context.Context, userID uint64, symbol string, limit int) ([]domain.Trade, error) {
	return s.store.ListTrades(ctx, userID, domain.NormalizeSymbol(symbol), limit)
}

// TradesByOrder returns the fills of one of userID's orders, newest first.
func (s *TradeSync) TradesByOrder(ctx context.Context, userID, orderID uint64) ([]domain.Trade, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID == 0 || order.UserID != userID {
		return nil, fmt.Errorf("%w: order %d", domain.ErrUnauthorized, orderID)
	}
	return s.store.ListTradesByOrder(ctx, orderID)
}
