package bybit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"cryptobot/internal/domain"

	"github.com/shopspring/decimal"
)

// V5 API constants
const (
	BaseURLMainnet = "https://api.bybit.com"
	BaseURLTestnet = "https://api-testnet.bybit.com"
	WSURLMainnet   = "wss://stream.bybit.com/v5/public/spot"
	WSURLTestnet   = "wss://stream-testnet.bybit.com/v5/public/spot"

	ExchangeName = "bybit"
	categorySpot = "spot"

	pathWalletBalance = "/v5/account/wallet-balance"
	pathOrderCreate   = "/v5/order/create"
	pathOrderCancel   = "/v5/order/cancel"
	pathOrderRealtime = "/v5/order/realtime"
	pathOrderHistory  = "/v5/order/history"
	pathExecutionList = "/v5/execution/list"
	pathInstruments   = "/v5/market/instruments-info"
	pathTickers       = "/v5/market/tickers"
	pathKline         = "/v5/market/kline"

	maxExecutionLimit = 100
	maxKlineLimit     = 1000
	wsMaxArgsPerFrame = 10
)

// Fallbacks when an instrument omits a filter.
var (
	defaultPrecision   int32 = 8
	defaultMaxQuantity       = decimal.NewFromInt(9999999999)
	defaultTickSize          = decimal.New(1, -8)
)

// envelope is the common V5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

type walletBalanceResult struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Free          string `json:"free"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

// createOrderRequest - numbers travel as decimal strings
type createOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`      // Buy, Sell
	OrderType   string `json:"orderType"` // Market, Limit
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	MarketUnit  string `json:"marketUnit,omitempty"` // baseCoin: qty is in base asset
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

type cancelOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type orderListResult struct {
	List []orderData `json:"list"`
}

type orderData struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	OrderType   string `json:"orderType"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (o orderData) snapshot() domain.OrderSnapshot {
	return domain.OrderSnapshot{
		ExchangeOrderID: o.OrderID,
		Status:          mapOrderStatus(o.OrderStatus),
		FilledQuantity:  parseDecimal(o.CumExecQty),
		AvgFillPrice:    parseDecimal(o.AvgPrice),
		CreatedAt:       parseMillis(o.CreatedTime),
		UpdatedAt:       parseMillis(o.UpdatedTime),
	}
}

type executionListResult struct {
	List []executionData `json:"list"`
}

type executionData struct {
	ExecID      string `json:"execId"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	ExecTime    string `json:"execTime"`
}

func (e executionData) trade(exchange string, userID uint64) domain.Trade {
	t := domain.Trade{
		Exchange:        exchange,
		ExchangeTradeID: e.ExecID,
		ExchangeOrderID: e.OrderID,
		UserID:          userID,
		Symbol:          e.Symbol,
		Side:            mapSide(e.Side),
		Price:           parseDecimal(e.ExecPrice),
		Quantity:        parseDecimal(e.ExecQty),
		Commission:      parseDecimal(e.ExecFee),
		CommissionAsset: e.FeeCurrency,
	}
	if ts := parseMillis(e.ExecTime); ts != nil {
		t.ExecutedAt = *ts
	}
	return t
}

type instrumentsResult struct {
	Category string           `json:"category"`
	List     []instrumentData `json:"list"`
}

type instrumentData struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter *struct {
		BasePrecision  string `json:"basePrecision"`
		QuotePrecision string `json:"quotePrecision"`
		MinOrderQty    string `json:"minOrderQty"`
		MaxOrderQty    string `json:"maxOrderQty"`
		MinOrderAmt    string `json:"minOrderAmt"`
	} `json:"lotSizeFilter"`
	PriceFilter *struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

func (i instrumentData) constraint() domain.InstrumentConstraint {
	c := domain.InstrumentConstraint{
		Symbol:         i.Symbol,
		BaseAsset:      i.BaseCoin,
		QuoteAsset:     i.QuoteCoin,
		BasePrecision:  defaultPrecision,
		QuotePrecision: defaultPrecision,
		MaxQuantity:    defaultMaxQuantity,
		TickSize:       defaultTickSize,
	}
	if f := i.LotSizeFilter; f != nil {
		if f.BasePrecision != "" {
			c.BasePrecision = precisionOf(f.BasePrecision)
		}
		if f.QuotePrecision != "" {
			c.QuotePrecision = precisionOf(f.QuotePrecision)
		}
		c.MinQuantity = parseDecimal(f.MinOrderQty)
		if maxQty := parseDecimal(f.MaxOrderQty); maxQty.IsPositive() {
			c.MaxQuantity = maxQty
		}
		c.MinNotional = parseDecimal(f.MinOrderAmt)
	}
	if f := i.PriceFilter; f != nil {
		if tick := parseDecimal(f.TickSize); tick.IsPositive() {
			c.TickSize = tick
		}
	}
	return c
}

type tickersResult struct {
	Category string       `json:"category"`
	List     []tickerData `json:"list"`
}

type tickerData struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
	Volume24h    string `json:"volume24h"`
}

func (d tickerData) update(observedAt time.Time, source domain.UpdateSource) domain.TickerUpdate {
	return domain.TickerUpdate{
		Symbol:     domain.NormalizeSymbol(d.Symbol),
		LastPrice:  parseDecimal(d.LastPrice),
		HighPrice:  parseDecimal(d.HighPrice24h),
		LowPrice:   parseDecimal(d.LowPrice24h),
		Volume:     parseDecimal(d.Volume24h),
		ObservedAt: observedAt,
		Source:     source,
	}
}

// klineResult rows are [startTime, open, high, low, close, volume, turnover],
// newest first.
type klineResult struct {
	Symbol   string     `json:"symbol"`
	Category string     `json:"category"`
	List     [][]string `json:"list"`
}

func klineCandle(symbol, interval string, row []string) (domain.Candle, bool) {
	if len(row) < 6 {
		return domain.Candle{}, false
	}
	start := parseMillis(row[0])
	if start == nil {
		return domain.Candle{}, false
	}
	return domain.Candle{
		Symbol:   symbol,
		Interval: interval,
		OpenTime: start.UTC(),
		Open:     parseDecimal(row[1]),
		High:     parseDecimal(row[2]),
		Low:      parseDecimal(row[3]),
		Close:    parseDecimal(row[4]),
		Volume:   parseDecimal(row[5]),
	}, true
}

// wsRequest is a websocket control frame.
type wsRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

// wsMessage covers both control replies and topic pushes.
type wsMessage struct {
	Topic   string          `json:"topic"`
	Type    string          `json:"type"` // snapshot, delta
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
}

// =====================================================
// Helper functions
// =====================================================

func mapOrderStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Created", "Untriggered", "Triggered":
		return domain.OrderStatusNew
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "Deactivated", "PartiallyFilledCanceled":
		return domain.OrderStatusCancelled
	case "Rejected":
		return domain.OrderStatusRejected
	case "Expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusNew
	}
}

func mapSide(s string) domain.Side {
	if strings.EqualFold(s, "Sell") {
		return domain.SideSell
	}
	return domain.SideBuy
}

func sideParam(s domain.Side) string {
	if s == domain.SideSell {
		return "Sell"
	}
	return "Buy"
}

func orderTypeParam(t domain.OrderType) string {
	if t == domain.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) *time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

// precisionOf returns the number of decimal places of a step like "0.000001".
func precisionOf(step string) int32 {
	d, err := decimal.NewFromString(step)
	if err != nil {
		return defaultPrecision
	}
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
