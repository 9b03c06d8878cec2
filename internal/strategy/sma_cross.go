package strategy

import (
	"sync"
	"time"

	"cryptobot/internal/domain"

	"github.com/sdcoffey/big"
	"github.com/sdcoffey/techan"
	"github.com/shopspring/decimal"
)

// SMACross trades simple moving average crossovers: BUY on a golden cross
// (short SMA rises above long SMA), SELL on a dead cross.
//
// Params: shortPeriod, longPeriod, quantity, candleSeconds (0 means every
// tick is its own candle).
type SMACross struct {
	mu     sync.Mutex
	series map[uint64]*smaState
}

// smaState is the per-strategy price history.
type smaState struct {
	series    *techan.TimeSeries
	prevShort big.Decimal
	prevLong  big.Decimal
	hasPrev   bool
}

func NewSMACross() *SMACross {
	return &SMACross{series: make(map[uint64]*smaState)}
}

func (s *SMACross) Type() domain.StrategyType { return domain.StrategySMACross }

type smaParams struct {
	short, long int
	candle      time.Duration
	qty         decimal.Decimal
}

func parseSMA(p domain.Params) (smaParams, error) {
	var sp smaParams
	var err error
	if sp.short, err = p.Int("shortPeriod", 0); err != nil {
		return sp, err
	}
	if sp.long, err = p.Int("longPeriod", 0); err != nil {
		return sp, err
	}
	secs, err := p.Int("candleSeconds", 0)
	if err != nil {
		return sp, err
	}
	sp.candle = time.Duration(secs) * time.Second
	if sp.qty, err = p.Decimal("quantity", decimal.Zero); err != nil {
		return sp, err
	}

	switch {
	case sp.short < 1:
		return sp, &domain.ValidationError{Field: "shortPeriod", Reason: "must be positive"}
	case sp.long <= sp.short:
		return sp, &domain.ValidationError{Field: "longPeriod", Reason: "must be greater than shortPeriod"}
	case secs < 0:
		return sp, &domain.ValidationError{Field: "candleSeconds", Reason: "must not be negative"}
	case !sp.qty.IsPositive():
		return sp, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return sp, nil
}

func (s *SMACross) Validate(p domain.Params) error {
	_, err := parseSMA(p)
	return err
}

func (s *SMACross) Evaluate(st domain.Strategy, tick domain.TickerUpdate, _ time.Time) (*domain.OrderRequest, error) {
	sp, err := parseSMA(st.Params)
	if err != nil {
		return nil, err
	}
	if !tick.LastPrice.IsPositive() {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.series[st.ID]
	if !ok {
		state = &smaState{series: techan.NewTimeSeries()}
		s.series[st.ID] = state
	}
	if !state.push(tick, sp.candle) {
		return nil, nil
	}

	currShort, currLong, ok := state.averages(sp)
	if !ok {
		return nil, nil
	}

	var side domain.Side
	if state.hasPrev {
		switch {
		case state.prevShort.LTE(state.prevLong) && currShort.GT(currLong):
			side = domain.SideBuy
		case state.prevShort.GTE(state.prevLong) && currShort.LT(currLong):
			side = domain.SideSell
		}
	}

	state.prevShort, state.prevLong, state.hasPrev = currShort, currLong, true

	if side == "" {
		return nil, nil
	}
	return &domain.OrderRequest{
		Symbol:   st.Symbol,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: sp.qty,
	}, nil
}

// averages trims the series to the long window and returns both SMAs of the
// last candle. ok is false until the window is full.
func (st *smaState) averages(sp smaParams) (short, long big.Decimal, ok bool) {
	candles := len(st.series.Candles)
	if candles < sp.long {
		return big.ZERO, big.ZERO, false
	}
	if candles > sp.long {
		st.series.Candles = st.series.Candles[candles-sp.long:]
	}

	closes := techan.NewClosePriceIndicator(st.series)
	last := len(st.series.Candles) - 1
	short = techan.NewSimpleMovingAverage(closes, sp.short).Calculate(last)
	long = techan.NewSimpleMovingAverage(closes, sp.long).Calculate(last)
	return short, long, true
}

// History implements Seeder. Only candle widths the exchange serves can be
// seeded.
func (s *SMACross) History(p domain.Params) (string, int, bool) {
	sp, err := parseSMA(p)
	if err != nil {
		return "", 0, false
	}
	interval, ok := domain.CandleIntervalFor(sp.candle)
	if !ok {
		return "", 0, false
	}
	return interval, sp.long, true
}

// Seed implements Seeder. The last candle becomes the previous SMA pair, so
// the first live tick can already report a cross.
func (s *SMACross) Seed(st domain.Strategy, candles []domain.Candle) error {
	sp, err := parseSMA(st.Params)
	if err != nil {
		return err
	}

	state := &smaState{series: techan.NewTimeSeries()}
	for _, c := range candles {
		if !c.Close.IsPositive() {
			continue
		}
		candle := techan.NewCandle(techan.NewTimePeriod(c.OpenTime, sp.candle))
		candle.OpenPrice = big.NewFromString(c.Open.String())
		candle.ClosePrice = big.NewFromString(c.Close.String())
		candle.MaxPrice = big.NewFromString(c.High.String())
		candle.MinPrice = big.NewFromString(c.Low.String())
		candle.Volume = big.NewFromString(c.Volume.String())
		state.series.AddCandle(candle)
	}
	if short, long, ok := state.averages(sp); ok {
		state.prevShort, state.prevLong, state.hasPrev = short, long, true
	}

	s.mu.Lock()
	s.series[st.ID] = state
	s.mu.Unlock()
	return nil
}

// push adds the tick to the series. With a candle width the tick updates
// the open candle of its bucket. Out-of-order ticks are ignored.
func (st *smaState) push(tick domain.TickerUpdate, width time.Duration) bool {
	ts := tick.ObservedAt
	if width > 0 {
		ts = ts.Truncate(width)
	}
	price := big.NewFromString(tick.LastPrice.String())

	if last := st.series.LastCandle(); last != nil {
		if width > 0 && last.Period.Start.Equal(ts) {
			last.ClosePrice = price
			if price.GT(last.MaxPrice) {
				last.MaxPrice = price
			}
			if price.LT(last.MinPrice) {
				last.MinPrice = price
			}
			return true
		}
		if ts.Before(last.Period.Start) {
			return false
		}
	}

	candle := techan.NewCandle(techan.NewTimePeriod(ts, width))
	candle.OpenPrice = price
	candle.ClosePrice = price
	candle.MaxPrice = price
	candle.MinPrice = price
	candle.Volume = big.NewFromString(tick.Volume.String())
	return st.series.AddCandle(candle)
}

// Forget implements Resetter.
func (s *SMACross) Forget(strategyID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, strategyID)
}
