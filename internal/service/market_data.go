package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"
)

// FeedConfig configures the market data feed.
type FeedConfig struct {
	Symbols          []string
	PollInterval     time.Duration
	RequestTimeout   time.Duration
	SubscriberBuffer int
	InboxSize        int
}

// MarketDataFeed merges the ticker stream and the polling fallback into one
// last-value cache and broadcasts every accepted update to subscribers.
type MarketDataFeed struct {
	cfg     FeedConfig
	source  domain.TickerSource
	stream  domain.ExchangeWorker
	metrics *infra.Metrics
	logger  *slog.Logger

	inbox chan domain.TickerUpdate
	cache sync.Map // symbol -> *domain.TickerUpdate, never mutated after store
	hub   *hub

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMarketDataFeed creates a feed polling source for the configured symbols.
func NewMarketDataFeed(cfg FeedConfig, source domain.TickerSource, metrics *infra.Metrics) *MarketDataFeed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1000 // burst headroom
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = domain.NormalizeSymbol(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols

	return &MarketDataFeed{
		cfg:     cfg,
		source:  source,
		metrics: metrics,
		logger:  slog.Default().With("module", "market_data"),
		inbox:   make(chan domain.TickerUpdate, cfg.InboxSize),
		hub:     newHub(cfg.SubscriberBuffer, metrics),
	}
}

// Inbox is where a stream worker pushes its updates.
func (f *MarketDataFeed) Inbox() chan<- domain.TickerUpdate {
	return f.inbox
}

// AttachStream sets the streaming source started and stopped with the feed.
func (f *MarketDataFeed) AttachStream(w domain.ExchangeWorker) {
	f.stream = w
}

// Start fills the cache with a synchronous snapshot, then starts the stream,
// the inbox consumer and the polling loop.
func (f *MarketDataFeed) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)

	f.pollAll(ctx, domain.SourceSnapshot)
	f.logger.Info("Initial ticker snapshot loaded",
		slog.Int("symbols", len(f.cfg.Symbols)),
		slog.Int("cached", f.Size()),
	)

	f.wg.Add(2)
	go f.consumeLoop(ctx)
	go f.pollLoop(ctx)

	if f.stream != nil {
		if err := f.stream.Connect(ctx); err != nil {
			f.logger.Warn("Stream unavailable, relying on polling", slog.Any("error", err))
		}
	}
	return nil
}

// Stop cancels every loop, closes the stream and ends all subscriptions.
func (f *MarketDataFeed) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.stream != nil {
		f.stream.Disconnect()
	}
	f.wg.Wait()
	f.hub.closeAll()
	f.logger.Info("Market data feed stopped")
}

func (f *MarketDataFeed) consumeLoop(ctx context.Context) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-f.inbox:
			f.Accept(u)
		}
	}
}

func (f *MarketDataFeed) pollLoop(ctx context.Context) {
	defer f.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Poll loop panic recovered", slog.Any("panic", r))
		}
	}()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollAll(ctx, domain.SourcePoll)
		}
	}
}

// pollAll fetches every symbol once. A failing symbol is logged and skipped.
func (f *MarketDataFeed) pollAll(ctx context.Context, kind domain.UpdateSource) {
	if f.source == nil {
		return
	}
	for _, symbol := range f.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		u, err := f.source.GetTicker(reqCtx, symbol)
		cancel()
		if err != nil {
			f.logger.Warn("Ticker poll failed", slog.String("symbol", symbol), slog.Any("error", err))
			continue
		}
		u.Source = kind
		f.Accept(u)
	}
}

// Accept stores u if it is not older than the cached value and broadcasts
// it. It reports whether the update was accepted.
func (f *MarketDataFeed) Accept(u domain.TickerUpdate) bool {
	u.Symbol = domain.NormalizeSymbol(u.Symbol)
	if u.Symbol == "" {
		return false
	}
	next := &u

	for {
		prev, loaded := f.cache.LoadOrStore(u.Symbol, next)
		if !loaded {
			break
		}
		if !u.IsNewerThan(*prev.(*domain.TickerUpdate)) {
			f.metrics.RecordStaleTick()
			return false
		}
		if f.cache.CompareAndSwap(u.Symbol, prev, next) {
			break
		}
	}

	f.metrics.RecordTick()
	f.hub.broadcast(u)
	return true
}

// GetLatest returns the cached update for symbol, if any.
func (f *MarketDataFeed) GetLatest(symbol string) (domain.TickerUpdate, bool) {
	v, ok := f.cache.Load(domain.NormalizeSymbol(symbol))
	if !ok {
		return domain.TickerUpdate{}, false
	}
	return *v.(*domain.TickerUpdate), true
}

// Snapshot returns all cached updates sorted by symbol.
func (f *MarketDataFeed) Snapshot() []domain.TickerUpdate {
	var out []domain.TickerUpdate
	f.cache.Range(func(_, v any) bool {
		out = append(out, *v.(*domain.TickerUpdate))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Size returns the number of cached symbols.
func (f *MarketDataFeed) Size() int {
	n := 0
	f.cache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Subscribe returns a channel receiving every accepted update from now on.
// The channel is closed when ctx is done or the feed stops. A reader that
// falls behind misses updates; it never slows the feed down.
func (f *MarketDataFeed) Subscribe(ctx context.Context) <-chan domain.TickerUpdate {
	id, ch := f.hub.add()
	go func() {
		select {
		case <-ctx.Done():
			f.hub.remove(id)
		case <-f.hub.done:
		}
	}()
	return ch
}

// =====================================================
// hub - broadcast to independent subscribers
// =====================================================

type hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan domain.TickerUpdate
	nextID  uint64
	buffer  int
	closed  bool
	done    chan struct{}
	metrics *infra.Metrics
}

func newHub(buffer int, metrics *infra.Metrics) *hub {
	return &hub{
		subs:    make(map[uint64]chan domain.TickerUpdate),
		buffer:  buffer,
		done:    make(chan struct{}),
		metrics: metrics,
	}
}

func (h *hub) add() (uint64, <-chan domain.TickerUpdate) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan domain.TickerUpdate, h.buffer)
	if h.closed {
		close(ch)
		return 0, ch
	}
	h.nextID++
	h.subs[h.nextID] = ch
	return h.nextID, ch
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// broadcast never blocks: a full subscriber buffer drops the update for
// that subscriber only.
func (h *hub) broadcast(u domain.TickerUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- u:
		default:
			h.metrics.RecordDroppedTick()
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	close(h.done)
}
