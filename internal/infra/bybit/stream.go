package bybit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// =====================================================
// Stream - public spot ticker WebSocket
// =====================================================

// StreamState is the connection lifecycle of a Stream.
type StreamState int32

const (
	StateDisconnected StreamState = iota
	StateConnecting
	StateSubscribed
)

func (s StreamState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	default:
		return "DISCONNECTED"
	}
}

// StreamConfig holds connection settings.
type StreamConfig struct {
	URL         string
	Symbols     []string
	Heartbeat   time.Duration
	ReadTimeout time.Duration
	Reconnect   infra.Backoff
}

func (c *StreamConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = WSURLTestnet
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 20 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 45 * time.Second
	}
	if c.Reconnect.Base <= 0 {
		c.Reconnect = infra.Backoff{Base: 5 * time.Second, Max: 2 * time.Minute}
	}
}

// Stream keeps a ticker subscription alive and pushes updates to out.
// It reconnects forever until Disconnect is called.
type Stream struct {
	cfg     StreamConfig
	out     chan<- domain.TickerUpdate
	metrics *infra.Metrics
	logger  *slog.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	state   atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStream creates a ticker stream. metrics may be nil.
func NewStream(cfg StreamConfig, out chan<- domain.TickerUpdate, metrics *infra.Metrics) *Stream {
	cfg.applyDefaults()
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if s = domain.NormalizeSymbol(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	cfg.Symbols = symbols

	return &Stream{
		cfg:     cfg,
		out:     out,
		metrics: metrics,
		logger:  slog.Default().With("module", "bybit_stream"),
	}
}

// Connect starts the connection loop in the background.
func (s *Stream) Connect(ctx context.Context) error {
	if len(s.cfg.Symbols) == 0 {
		return errors.New("bybit stream: no symbols to subscribe")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.connectionLoop(ctx)

	return nil
}

func (s *Stream) connectionLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Stream panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stream connection loop stopped")
			return
		default:
		}

		if retryCount > 0 {
			s.metrics.RecordReconnect()
		}

		err := s.connect(ctx)
		if err != nil {
			s.logger.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)
			if s.cfg.Reconnect.Sleep(ctx, retryCount) != nil {
				return
			}
			retryCount++
			continue
		}

		retryCount = 0
		s.session(ctx)

		// session ended with a dropped connection, wait before redialing
		if s.cfg.Reconnect.Sleep(ctx, 0) != nil {
			return
		}
		retryCount = 1
	}
}

func (s *Stream) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		s.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	s.logger.Info("Stream connected", slog.Int("symbols", len(s.cfg.Symbols)))
	return nil
}

// subscribe sends tickers.<SYMBOL> topics, at most wsMaxArgsPerFrame per frame.
func (s *Stream) subscribe() error {
	for start := 0; start < len(s.cfg.Symbols); start += wsMaxArgsPerFrame {
		end := min(start+wsMaxArgsPerFrame, len(s.cfg.Symbols))

		args := make([]string, 0, end-start)
		for _, sym := range s.cfg.Symbols[start:end] {
			args = append(args, "tickers."+sym)
		}

		msg, err := sonic.Marshal(wsRequest{Op: "subscribe", Args: args})
		if err != nil {
			return err
		}
		if err := s.threadSafeWrite(websocket.TextMessage, msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) threadSafeWrite(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	return conn.WriteMessage(messageType, data)
}

// session runs the heartbeat and the read loop until the connection drops.
func (s *Stream) session(ctx context.Context) {
	s.metrics.IncrementConnections()
	defer s.metrics.DecrementConnections()

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()

	s.wg.Add(1)
	go s.pingLoop(sessionCtx)

	s.readLoop(sessionCtx)
}

func (s *Stream) pingLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Stream pingLoop panic recovered", slog.Any("panic", r))
		}
	}()

	ping, _ := sonic.Marshal(wsRequest{Op: "ping"})

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.threadSafeWrite(websocket.TextMessage, ping); err != nil {
				s.logger.Warn("Stream ping failed", slog.Any("error", err))
			}
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.closeConnection()
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Stream read error", slog.Any("error", err))
			}
			s.closeConnection()
			return
		}

		update, ok := s.handleMessage(message)
		if !ok {
			continue
		}

		select {
		case s.out <- update:
		default:
			s.logger.Warn("Stream output channel full, dropping update", slog.String("symbol", update.Symbol))
		}
	}
}

// handleMessage decodes one frame. It returns a ticker update when the
// frame carries one; control replies only affect the stream state.
func (s *Stream) handleMessage(message []byte) (domain.TickerUpdate, bool) {
	var msg wsMessage
	if err := sonic.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("Stream undecodable frame", slog.Any("error", err))
		return domain.TickerUpdate{}, false
	}

	if msg.Op != "" {
		switch {
		case msg.Op == "subscribe" && msg.Success != nil && *msg.Success:
			s.setState(StateSubscribed)
		case msg.Op == "subscribe":
			s.logger.Warn("Stream subscription rejected", slog.String("reason", msg.RetMsg))
		}
		return domain.TickerUpdate{}, false
	}

	if !strings.HasPrefix(msg.Topic, "tickers.") || len(msg.Data) == 0 {
		return domain.TickerUpdate{}, false
	}
	s.setState(StateSubscribed)

	var data tickerData
	if err := sonic.Unmarshal(msg.Data, &data); err != nil {
		s.logger.Warn("Stream bad ticker payload", slog.String("topic", msg.Topic), slog.Any("error", err))
		return domain.TickerUpdate{}, false
	}
	if data.Symbol == "" {
		data.Symbol = strings.TrimPrefix(msg.Topic, "tickers.")
	}

	observedAt := time.Now()
	if msg.Ts > 0 {
		observedAt = time.UnixMilli(msg.Ts)
	}
	return data.update(observedAt, domain.SourceStream), true
}

func (s *Stream) setState(state StreamState) {
	s.state.Store(int32(state))
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

func (s *Stream) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.setState(StateDisconnected)
}

// Disconnect stops the connection loop and waits for it to exit.
func (s *Stream) Disconnect() {
	if s.cancel != nil {
		s.cancel()
	}
	s.closeConnection()
	s.wg.Wait()
	s.logger.Info("Stream disconnected")
}

// IsConnected reports whether the subscription is live.
func (s *Stream) IsConnected() bool {
	return s.State() == StateSubscribed
}
