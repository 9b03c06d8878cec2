package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof on the default mux
	"strings"
	"sync"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/engine"
	"cryptobot/internal/event"
	"cryptobot/internal/execution"
	"cryptobot/internal/infra"
	"cryptobot/internal/infra/bybit"
	"cryptobot/internal/infra/publish"
	"cryptobot/internal/infra/storage"
	"cryptobot/internal/service"
	"cryptobot/internal/strategy"

	"github.com/grafana/pyroscope-go"
	"github.com/shopspring/decimal"
)

const metricsLogInterval = time.Minute

// Bootstrap builds every component from the configuration and owns their
// background loops.
type Bootstrap struct {
	Config  *infra.Config
	Metrics *infra.Metrics
	Storage *storage.Storage

	Exchange    domain.Exchange
	Credentials domain.CredentialResolver
	Publisher   event.Publisher
	Paper       *execution.PaperExchange // nil in live mode

	Feed        *service.MarketDataFeed
	Instruments *service.InstrumentCache
	Orders      *service.OrderManager
	Mirror      *service.TradeMirror
	Strategies  *service.StrategyService
	Trades      *service.TradeSync
	Accounts    *service.AccountService
	Candles     *service.CandleHistory
	Engine      *engine.Engine

	profiler *pyroscope.Profiler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads the configuration and wires all components. Nothing
// touches the network until Start.
func (b *Bootstrap) Initialize(configPath string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err
	}
	b.Config = cfg

	slog.SetDefault(infra.NewLogger(cfg))
	slog.Info("Bootstrapping cryptobot...",
		slog.String("mode", cfg.Exchange.Mode),
		slog.String("exchange", cfg.Exchange.Name),
		slog.Int("symbols", len(cfg.Market.Symbols)),
	)

	b.Metrics = infra.NewMetrics()

	store, err := storage.Open(storage.Options{
		Driver: cfg.Storage.Driver,
		DSN:    cfg.Storage.DSN,
		Path:   cfg.Storage.Path,
	})
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("Database initialized", slog.String("driver", cfg.Storage.Driver))

	client := bybit.NewClient(cfg.Exchange.RestURL,
		bybit.WithRecvWindow(cfg.Exchange.RecvWindow),
		bybit.WithTimeout(cfg.Exchange.RequestTimeout.Std()),
		bybit.WithRetry(cfg.Exchange.MaxRetries, cfg.Exchange.RetryBase.Std()),
	)
	adapter := bybit.NewAdapter(client, cfg.Exchange.AccountType)

	b.Feed = service.NewMarketDataFeed(service.FeedConfig{
		Symbols:          cfg.Market.Symbols,
		PollInterval:     cfg.Market.PollInterval.Std(),
		RequestTimeout:   cfg.Exchange.RequestTimeout.Std(),
		SubscriberBuffer: cfg.Market.SubscriberBuffer,
	}, adapter, b.Metrics)
	b.Feed.AttachStream(bybit.NewStream(bybit.StreamConfig{
		URL:         cfg.Exchange.WSURL,
		Symbols:     cfg.Market.Symbols,
		Heartbeat:   cfg.Market.HeartbeatInterval.Std(),
		ReadTimeout: cfg.Market.ReadTimeout.Std(),
		Reconnect: infra.Backoff{
			Base: cfg.Market.ReconnectBase.Std(),
			Max:  cfg.Market.ReconnectMax.Std(),
		},
	}, b.Feed.Inbox(), b.Metrics))

	b.Instruments = service.NewInstrumentCache(adapter, cfg.Instruments.RefreshInterval.Std())
	b.Candles = service.NewCandleHistory(adapter)

	if cfg.Exchange.Mode == infra.ModePaper {
		if err := b.setupPaper(); err != nil {
			return err
		}
	} else {
		b.Exchange = adapter
		b.Credentials = credentialsFromConfig(cfg)
	}

	if err := b.setupPublisher(); err != nil {
		return err
	}

	b.Orders = service.NewOrderManager(service.OrderManagerConfig{
		ReconcileInterval: cfg.Orders.ReconcileInterval.Std(),
		ReconcileWorkers:  cfg.Orders.ReconcileWorkers,
	}, b.Exchange, b.Credentials, b.Instruments, store, b.Publisher, b.Metrics)

	b.Mirror = service.NewTradeMirror(store, b.Orders, cfg.Orders.MaxMirrorDepth, b.Metrics)
	b.Orders.SetMirror(b.Mirror)

	registry := strategy.DefaultRegistry()
	b.Engine = engine.New(registry, b.Orders, store, b.Metrics)
	b.Engine.SetHistory(b.Candles)
	b.Strategies = service.NewStrategyService(store, registry, b.Engine)
	b.Trades = service.NewTradeSync(b.Exchange, b.Credentials, store)
	b.Accounts = service.NewAccountService(b.Exchange, b.Credentials, store)

	slog.Info("Components wired", slog.String("exchange", b.Exchange.Name()))
	return nil
}

func credentialsFromConfig(cfg *infra.Config) *service.StaticCredentialResolver {
	resolver := service.NewStaticCredentialResolver()
	for _, acc := range cfg.Accounts {
		id := acc.CredentialID
		if id == 0 {
			id = acc.UserID
		}
		exchange := acc.Exchange
		if exchange == "" {
			exchange = cfg.Exchange.Name
		}
		resolver.Add(domain.Credentials{
			ID:        id,
			UserID:    acc.UserID,
			Exchange:  exchange,
			APIKey:    acc.APIKey,
			APISecret: acc.APISecret,
		})
	}
	return resolver
}

// setupPaper routes orders to the in-memory paper exchange, funded with the
// configured balances for every configured user.
func (b *Bootstrap) setupPaper() error {
	paper := execution.NewPaperExchange(b.Feed, execution.DefaultFeeRate)

	users := map[uint64]bool{}
	for _, acc := range b.Config.Accounts {
		users[acc.UserID] = true
	}
	if len(users) == 0 {
		users[1] = true
	}

	for asset, raw := range b.Config.Paper.Balances {
		amount, err := decimal.NewFromString(raw)
		if err != nil || amount.IsNegative() {
			return &domain.ConfigError{Field: "paper.balances." + asset, Err: fmt.Errorf("invalid amount %q", raw)}
		}
		for uid := range users {
			paper.Deposit(uid, strings.ToUpper(asset), amount)
		}
	}

	b.Paper = paper
	b.Exchange = paper
	b.Credentials = execution.Credentials{}
	slog.Info("Paper trading enabled", slog.Int("accounts", len(users)))
	return nil
}

func (b *Bootstrap) setupPublisher() error {
	logPub := event.NewLogPublisher()
	if !b.Config.Kafka.Enabled {
		b.Publisher = logPub
		return nil
	}

	kafkaPub, err := publish.NewKafkaPublisher(b.Config.Kafka.Brokers, b.Config.Kafka.Topic)
	if err != nil {
		return &domain.ConfigError{Field: "kafka", Err: err}
	}
	b.Publisher = event.Fanout{logPub, kafkaPub}
	return nil
}

// Start launches the feed, the instrument refresher, the reconciler and the
// strategy engine. It returns once the initial snapshots are loaded.
func (b *Bootstrap) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	cfg := b.Config

	b.startProfiling()
	event.Warmup()

	if cfg.Kafka.Enabled {
		publish.EnsureTopic(ctx, cfg.Kafka.Brokers[0], cfg.Kafka.Topic)
	}

	if err := b.Instruments.Refresh(ctx); err != nil {
		// orders for unknown symbols pass unvalidated until the next refresh
		slog.Warn("Initial instrument refresh failed", slog.Any("error", err))
	}
	b.goLoop(func() { b.Instruments.Run(ctx) })

	if err := b.Feed.Start(ctx); err != nil {
		return fmt.Errorf("start market data feed: %w", err)
	}

	if err := b.Engine.Load(ctx); err != nil {
		return err
	}
	b.goLoop(func() { b.Engine.Run(ctx, b.Feed) })
	b.goLoop(func() { b.Orders.RunReconciler(ctx) })
	b.goLoop(func() { b.logMetrics(ctx) })

	slog.Info("cryptobot fully operational",
		slog.Int("cached_tickers", b.Feed.Size()),
		slog.Int("instruments", b.Instruments.Size()),
		slog.Int("active_strategies", len(b.Engine.Active())),
	)
	return nil
}

// StartOneShot prepares what a single CLI command needs: the instrument
// table and, in paper mode, a price snapshot to fill against.
func (b *Bootstrap) StartOneShot(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)
	if err := b.Instruments.Refresh(ctx); err != nil {
		slog.Warn("Instrument refresh failed", slog.Any("error", err))
	}
	if b.Paper != nil {
		return b.Feed.Start(ctx)
	}
	return nil
}

func (b *Bootstrap) goLoop(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bootstrap) startProfiling() {
	p := b.Config.Profiling
	if p.PprofAddr != "" {
		go func() {
			slog.Info("Pprof server started", slog.String("addr", p.PprofAddr))
			if err := http.ListenAndServe(p.PprofAddr, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	if p.PyroscopeURL != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: b.Config.App.Name,
			ServerAddress:   p.PyroscopeURL,
			Tags: map[string]string{
				"mode":    b.Config.Exchange.Mode,
				"version": b.Config.App.Version,
			},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			slog.Warn("Pyroscope start failed", slog.Any("error", err))
			return
		}
		b.profiler = profiler
	}
}

func (b *Bootstrap) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("Metrics", slog.Any("metrics", b.Metrics.Snapshot()))
		}
	}
}

// Shutdown stops every loop, waits for in-flight work and releases resources.
func (b *Bootstrap) Shutdown() {
	slog.Info("Shutting down gracefully...")
	if b.cancel != nil {
		b.cancel()
		b.Feed.Stop()
	}
	b.wg.Wait()

	if b.Engine != nil {
		b.Engine.Wait()
	}
	if b.Mirror != nil {
		b.Mirror.Wait()
	}
	if b.Publisher != nil {
		if err := b.Publisher.Close(); err != nil {
			slog.Warn("Publisher close failed", slog.Any("error", err))
		}
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Warn("Storage close failed", slog.Any("error", err))
		}
	}
	if b.profiler != nil {
		_ = b.profiler.Stop()
	}
	if b.Metrics != nil {
		slog.Info("Final metrics", slog.Any("metrics", b.Metrics.Snapshot()))
	}
}
