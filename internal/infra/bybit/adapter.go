package bybit

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"

	"cryptobot/internal/domain"
)

// Adapter implements domain.Exchange, domain.InstrumentSource,
// domain.TickerSource and domain.CandleSource on top of the V5 REST API
// (spot category).
type Adapter struct {
	client      *Client
	accountType string
	logger      *slog.Logger
}

// NewAdapter wraps a client. accountType is the wallet-balance account (SPOT, UNIFIED).
func NewAdapter(client *Client, accountType string) *Adapter {
	if accountType == "" {
		accountType = "SPOT"
	}
	return &Adapter{
		client:      client,
		accountType: accountType,
		logger:      slog.Default().With("module", "bybit_adapter"),
	}
}

// Name returns the exchange identifier used in persisted records.
func (a *Adapter) Name() string {
	return ExchangeName
}

// GetBalances returns free/locked/total per coin.
func (a *Adapter) GetBalances(ctx context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	q := url.Values{}
	q.Set("accountType", a.accountType)

	var res walletBalanceResult
	if _, err := a.client.get(ctx, pathWalletBalance, q, &creds, &res); err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	var balances []domain.Balance
	for _, acct := range res.List {
		for _, c := range acct.Coin {
			total := parseDecimal(c.WalletBalance)
			locked := parseDecimal(c.Locked)
			free := parseDecimal(c.Free)
			if c.Free == "" {
				free = total.Sub(locked)
			}
			balances = append(balances, domain.Balance{
				Asset:  c.Coin,
				Free:   free,
				Locked: locked,
				Total:  total,
			})
		}
	}
	return balances, nil
}

// PlaceOrder sends an order to the exchange.
func (a *Adapter) PlaceOrder(ctx context.Context, creds domain.Credentials, order domain.Order) (domain.Order, error) {
	req := createOrderRequest{
		Category:    categorySpot,
		Symbol:      order.Symbol,
		Side:        sideParam(order.Side),
		OrderType:   orderTypeParam(order.Type),
		Qty:         order.Quantity.String(),
		OrderLinkID: order.ClientOrderID,
	}
	if order.Type == domain.OrderTypeLimit {
		req.Price = order.Price.String()
		req.TimeInForce = string(order.TimeInForce)
		if req.TimeInForce == "" {
			req.TimeInForce = string(domain.TimeInForceGTC)
		}
	} else {
		req.MarketUnit = "baseCoin"
	}

	var ack orderAck
	serverTime, err := a.client.post(ctx, pathOrderCreate, req, &creds, &ack)
	if err != nil {
		return domain.Order{}, fmt.Errorf("place order %s: %w", order.Symbol, err)
	}
	if ack.OrderID == "" {
		return domain.Order{}, fmt.Errorf("place order %s: empty order id in ack", order.Symbol)
	}

	placed := order
	placed.ExchangeOrderID = ack.OrderID
	placed.Status = domain.OrderStatusNew
	placed.ExchangeCreatedAt = &serverTime
	placed.ExchangeUpdatedAt = &serverTime

	a.logger.Info("Order placed",
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("qty", req.Qty),
		slog.String("exchange_order_id", ack.OrderID),
	)
	return placed, nil
}

// CancelOrder sends a cancel request.
func (a *Adapter) CancelOrder(ctx context.Context, creds domain.Credentials, order domain.Order) (domain.Order, error) {
	req := cancelOrderRequest{
		Category: categorySpot,
		Symbol:   order.Symbol,
		OrderID:  order.ExchangeOrderID,
	}
	if req.OrderID == "" {
		req.OrderLinkID = order.ClientOrderID
	}

	serverTime, err := a.client.post(ctx, pathOrderCancel, req, &creds, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("cancel order %s: %w", order.ExchangeOrderID, err)
	}

	cancelled := order
	cancelled.Status = domain.OrderStatusCancelled
	cancelled.ExchangeUpdatedAt = &serverTime
	return cancelled, nil
}

// GetOrder looks the order up among open orders first, then in history.
func (a *Adapter) GetOrder(ctx context.Context, creds domain.Credentials, exchangeOrderID, symbol string) (domain.OrderSnapshot, error) {
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("orderId", exchangeOrderID)
	if symbol != "" {
		q.Set("symbol", symbol)
	}

	for _, path := range []string{pathOrderRealtime, pathOrderHistory} {
		var res orderListResult
		if _, err := a.client.get(ctx, path, q, &creds, &res); err != nil {
			return domain.OrderSnapshot{}, fmt.Errorf("get order %s: %w", exchangeOrderID, err)
		}
		for _, o := range res.List {
			if o.OrderID == exchangeOrderID {
				return o.snapshot(), nil
			}
		}
	}
	return domain.OrderSnapshot{}, fmt.Errorf("%w: exchange order %s", domain.ErrNotFound, exchangeOrderID)
}

// ExecutionHistory yields up to limit executions, most recent first.
func (a *Adapter) ExecutionHistory(ctx context.Context, creds domain.Credentials, symbol string, limit int) iter.Seq2[domain.Trade, error] {
	if limit <= 0 || limit > maxExecutionLimit {
		limit = maxExecutionLimit
	}
	return func(yield func(domain.Trade, error) bool) {
		q := url.Values{}
		q.Set("category", categorySpot)
		q.Set("limit", strconv.Itoa(limit))
		if symbol != "" {
			q.Set("symbol", symbol)
		}

		var res executionListResult
		if _, err := a.client.get(ctx, pathExecutionList, q, &creds, &res); err != nil {
			yield(domain.Trade{}, fmt.Errorf("execution history %s: %w", symbol, err))
			return
		}
		for i, e := range res.List {
			if i >= limit {
				return
			}
			if !yield(e.trade(ExchangeName, creds.UserID), nil) {
				return
			}
		}
	}
}

// GetInstruments returns the constraint table for every spot symbol. Public endpoint.
func (a *Adapter) GetInstruments(ctx context.Context) ([]domain.InstrumentConstraint, error) {
	q := url.Values{}
	q.Set("category", categorySpot)

	var res instrumentsResult
	if _, err := a.client.get(ctx, pathInstruments, q, nil, &res); err != nil {
		return nil, fmt.Errorf("get instruments: %w", err)
	}

	out := make([]domain.InstrumentConstraint, 0, len(res.List))
	for _, i := range res.List {
		out = append(out, i.constraint())
	}
	return out, nil
}

// GetTicker fetches the 24h ticker of one symbol. Public endpoint.
func (a *Adapter) GetTicker(ctx context.Context, symbol string) (domain.TickerUpdate, error) {
	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbol)

	var res tickersResult
	serverTime, err := a.client.get(ctx, pathTickers, q, nil, &res)
	if err != nil {
		return domain.TickerUpdate{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}
	if len(res.List) == 0 {
		return domain.TickerUpdate{}, fmt.Errorf("%w: ticker %s", domain.ErrNotFound, symbol)
	}
	return res.List[0].update(serverTime, domain.SourcePoll), nil
}

// GetCandles returns up to limit klines of symbol, oldest first. Public endpoint.
func (a *Adapter) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}
	symbol = domain.NormalizeSymbol(symbol)

	q := url.Values{}
	q.Set("category", categorySpot)
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	var res klineResult
	if _, err := a.client.get(ctx, pathKline, q, nil, &res); err != nil {
		return nil, fmt.Errorf("get candles %s/%s: %w", symbol, interval, err)
	}

	out := make([]domain.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		c, ok := klineCandle(symbol, interval, res.List[i])
		if !ok {
			a.logger.Debug("Skipping malformed kline row", slog.String("symbol", symbol), slog.Any("row", res.List[i]))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
