package execution

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cryptobot/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExchangeName is the name paper orders are recorded under.
const ExchangeName = "paper"

// quoteAssets are matched as symbol suffixes, longest first.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BTC", "ETH", "EUR"}

// DefaultFeeRate is the taker fee charged on every paper fill, in quote asset.
var DefaultFeeRate = decimal.RequireFromString("0.001")

// PriceSource returns the latest cached ticker for a symbol.
type PriceSource interface {
	GetLatest(symbol string) (domain.TickerUpdate, bool)
}

type paperOrder struct {
	order    domain.Order
	reserved decimal.Decimal // locked funds of a resting LIMIT order
}

// PaperExchange simulates spot execution against live cached prices.
// MARKET orders fill immediately at the last price; LIMIT orders rest until
// the last price crosses the limit and fill at the limit price.
type PaperExchange struct {
	prices  PriceSource
	feeRate decimal.Decimal
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	accounts map[uint64]*domain.BalanceBook
	orders   map[string]*paperOrder
	trades   []domain.Trade
}

// NewPaperExchange creates a paper exchange. A negative feeRate selects DefaultFeeRate.
func NewPaperExchange(prices PriceSource, feeRate decimal.Decimal) *PaperExchange {
	if feeRate.IsNegative() {
		feeRate = DefaultFeeRate
	}
	return &PaperExchange{
		prices:   prices,
		feeRate:  feeRate,
		now:      time.Now,
		logger:   slog.Default().With("module", "paper_exchange"),
		accounts: make(map[uint64]*domain.BalanceBook),
		orders:   make(map[string]*paperOrder),
	}
}

func (p *PaperExchange) Name() string { return ExchangeName }

// Deposit credits free funds to a user's paper account.
func (p *PaperExchange) Deposit(userID uint64, asset string, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.book(userID).Get(strings.ToUpper(asset)).Credit(amount)
}

func (p *PaperExchange) book(userID uint64) *domain.BalanceBook {
	b, ok := p.accounts[userID]
	if !ok {
		b = domain.NewBalanceBook()
		p.accounts[userID] = b
	}
	return b
}

func (p *PaperExchange) GetBalances(_ context.Context, creds domain.Credentials) ([]domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.book(creds.UserID).Snapshot(), nil
}

func (p *PaperExchange) PlaceOrder(_ context.Context, creds domain.Credentials, order domain.Order) (domain.Order, error) {
	base, quote, err := SplitSymbol(order.Symbol)
	if err != nil {
		return domain.Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	order.ExchangeOrderID = uuid.NewString()
	order.Exchange = ExchangeName
	order.Status = domain.OrderStatusNew
	order.FilledQuantity = decimal.Zero
	order.AvgFillPrice = decimal.Zero
	order.ExchangeCreatedAt = &now
	order.ExchangeUpdatedAt = &now

	book := p.book(creds.UserID)
	po := &paperOrder{order: order}

	switch order.Type {
	case domain.OrderTypeMarket:
		last, ok := p.prices.GetLatest(order.Symbol)
		if !ok || !last.LastPrice.IsPositive() {
			return domain.Order{}, &domain.ExchangeError{Code: 30001, Message: "no market price for " + order.Symbol}
		}
		if err := p.fill(book, po, base, quote, last.LastPrice, now); err != nil {
			return domain.Order{}, &domain.ExchangeError{Code: 30002, Message: err.Error()}
		}
	case domain.OrderTypeLimit:
		asset, amount := reservation(order, base, quote, p.feeRate)
		if err := book.Get(asset).Reserve(amount); err != nil {
			return domain.Order{}, &domain.ExchangeError{Code: 30002, Message: err.Error()}
		}
		po.reserved = amount
		p.tryMatch(book, po, base, quote, now)
	default:
		return domain.Order{}, &domain.ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported order type %q", order.Type)}
	}

	p.orders[order.ExchangeOrderID] = po
	p.logger.Info("Paper order accepted",
		slog.String("exchange_order_id", order.ExchangeOrderID),
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.String("status", string(po.order.Status)),
	)
	return po.order, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, creds domain.Credentials, order domain.Order) (domain.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[order.ExchangeOrderID]
	if !ok || po.order.UserID != creds.UserID {
		return domain.Order{}, fmt.Errorf("%w: paper order %s", domain.ErrNotFound, order.ExchangeOrderID)
	}
	if !po.order.IsCancellable() {
		return domain.Order{}, &domain.ExchangeError{Code: 30003, Message: "order is " + string(po.order.Status)}
	}

	base, quote, err := SplitSymbol(po.order.Symbol)
	if err != nil {
		return domain.Order{}, err
	}
	asset, _ := reservation(po.order, base, quote, p.feeRate)
	if err := p.book(creds.UserID).Get(asset).Release(po.reserved); err != nil {
		return domain.Order{}, err
	}
	po.reserved = decimal.Zero

	now := p.now()
	po.order.Status = domain.OrderStatusCancelled
	po.order.ExchangeUpdatedAt = &now

	out := order
	out.Status = po.order.Status
	out.FilledQuantity = po.order.FilledQuantity
	out.AvgFillPrice = po.order.AvgFillPrice
	out.ExchangeUpdatedAt = &now
	return out, nil
}

// GetOrder matches a resting order against the current price before
// reporting its state.
func (p *PaperExchange) GetOrder(_ context.Context, creds domain.Credentials, exchangeOrderID, _ string) (domain.OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	po, ok := p.orders[exchangeOrderID]
	if !ok {
		// Paper books live in memory. An id this process never issued was
		// placed by an earlier run and can no longer fill.
		now := p.now()
		return domain.OrderSnapshot{
			ExchangeOrderID: exchangeOrderID,
			Status:          domain.OrderStatusExpired,
			UpdatedAt:       &now,
		}, nil
	}
	if po.order.UserID != creds.UserID {
		return domain.OrderSnapshot{}, fmt.Errorf("%w: paper order %s", domain.ErrNotFound, exchangeOrderID)
	}
	if po.order.IsCancellable() {
		if base, quote, err := SplitSymbol(po.order.Symbol); err == nil {
			p.tryMatch(p.book(creds.UserID), po, base, quote, p.now())
		}
	}

	o := po.order
	return domain.OrderSnapshot{
		ExchangeOrderID: o.ExchangeOrderID,
		Status:          o.Status,
		FilledQuantity:  o.FilledQuantity,
		AvgFillPrice:    o.AvgFillPrice,
		CreatedAt:       o.ExchangeCreatedAt,
		UpdatedAt:       o.ExchangeUpdatedAt,
	}, nil
}

// ExecutionHistory yields the user's paper fills, most recent first.
func (p *PaperExchange) ExecutionHistory(_ context.Context, creds domain.Credentials, symbol string, limit int) iter.Seq2[domain.Trade, error] {
	return func(yield func(domain.Trade, error) bool) {
		p.mu.Lock()
		var out []domain.Trade
		for i := len(p.trades) - 1; i >= 0; i-- {
			t := p.trades[i]
			if t.UserID != creds.UserID {
				continue
			}
			if symbol != "" && !strings.EqualFold(t.Symbol, symbol) {
				continue
			}
			out = append(out, t)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		p.mu.Unlock()

		for _, t := range out {
			if !yield(t, nil) {
				return
			}
		}
	}
}

// tryMatch fills a resting LIMIT order when the last price crosses its limit.
func (p *PaperExchange) tryMatch(book *domain.BalanceBook, po *paperOrder, base, quote string, now time.Time) {
	last, ok := p.prices.GetLatest(po.order.Symbol)
	if !ok || !last.LastPrice.IsPositive() {
		return
	}
	limit := po.order.Price
	crossed := (po.order.Side == domain.SideBuy && last.LastPrice.LessThanOrEqual(limit)) ||
		(po.order.Side == domain.SideSell && last.LastPrice.GreaterThanOrEqual(limit))
	if !crossed {
		return
	}

	asset, _ := reservation(po.order, base, quote, p.feeRate)
	if err := book.Get(asset).Release(po.reserved); err != nil {
		p.logger.Error("Paper reservation release failed", slog.String("exchange_order_id", po.order.ExchangeOrderID), slog.Any("error", err))
		return
	}
	po.reserved = decimal.Zero

	if err := p.fill(book, po, base, quote, limit, now); err != nil {
		// funds were reserved up front, so this only happens on a broken book
		p.logger.Error("Paper fill failed", slog.String("exchange_order_id", po.order.ExchangeOrderID), slog.Any("error", err))
		po.order.Status = domain.OrderStatusRejected
		po.order.ExchangeUpdatedAt = &now
	}
}

// fill settles the full remaining quantity at price. Fees are charged in
// the quote asset.
func (p *PaperExchange) fill(book *domain.BalanceBook, po *paperOrder, base, quote string, price decimal.Decimal, now time.Time) error {
	qty := po.order.Remaining()
	value := qty.Mul(price)
	fee := value.Mul(p.feeRate)

	switch po.order.Side {
	case domain.SideBuy:
		if err := book.Get(quote).Debit(value.Add(fee)); err != nil {
			return err
		}
		book.Get(base).Credit(qty)
	case domain.SideSell:
		if err := book.Get(base).Debit(qty); err != nil {
			return err
		}
		book.Get(quote).Credit(value.Sub(fee))
	default:
		return &domain.ValidationError{Field: "side", Reason: fmt.Sprintf("unknown side %q", po.order.Side)}
	}

	po.order.Status = domain.OrderStatusFilled
	po.order.FilledQuantity = po.order.Quantity
	po.order.AvgFillPrice = price
	po.order.ExchangeUpdatedAt = &now

	p.trades = append(p.trades, domain.Trade{
		Exchange:        ExchangeName,
		ExchangeTradeID: uuid.NewString(),
		ExchangeOrderID: po.order.ExchangeOrderID,
		UserID:          po.order.UserID,
		Symbol:          po.order.Symbol,
		Side:            po.order.Side,
		Price:           price,
		Quantity:        qty,
		Commission:      fee,
		CommissionAsset: quote,
		ExecutedAt:      now,
	})
	return nil
}

// reservation is the asset and amount a resting LIMIT order locks.
func reservation(o domain.Order, base, quote string, feeRate decimal.Decimal) (string, decimal.Decimal) {
	if o.Side == domain.SideSell {
		return base, o.Remaining()
	}
	value := o.Remaining().Mul(o.Price)
	return quote, value.Add(value.Mul(feeRate))
}

// SplitSymbol splits a spot symbol such as BTCUSDT into base and quote.
func SplitSymbol(symbol string) (base, quote string, err error) {
	s := domain.NormalizeSymbol(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)], q, nil
		}
	}
	return "", "", &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("unknown quote asset in %q", symbol)}
}

// Credentials resolves a paper account for any non-zero user.
type Credentials struct{}

func (Credentials) Resolve(_ context.Context, userID uint64, _ string) (domain.Credentials, error) {
	if userID == 0 {
		return domain.Credentials{}, domain.ErrNoActiveCredentials
	}
	return domain.Credentials{
		ID:        userID,
		UserID:    userID,
		Exchange:  ExchangeName,
		APIKey:    "paper",
		APISecret: "paper",
	}, nil
}
