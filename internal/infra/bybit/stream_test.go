package bybit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"cryptobot/internal/domain"
	"cryptobot/internal/infra"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

var upgrader = websocket.Upgrader{}

// newTickerServer accepts websocket connections, acks subscriptions and then
// pushes one ticker frame per session. When dropFirst is set the first
// session is closed right after the push.
func newTickerServer(t *testing.T, dropFirst bool, frames chan<- wsRequest) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessions atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		json.Unmarshal(raw, &req)
		if frames != nil {
			frames <- req
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"","op":"subscribe","conn_id":"1"}`))

		push := `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"symbol":"BTCUSDT","lastPrice":"50000.5","highPrice24h":"51000","lowPrice24h":"49000","volume24h":"10"}}`
		if n > 1 {
			push = strings.Replace(push, "50000.5", "50100", 1)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(push))

		if dropFirst && n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, &sessions
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func receive(t *testing.T, ch <-chan domain.TickerUpdate) domain.TickerUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ticker update")
		return domain.TickerUpdate{}
	}
}

func TestStream_SubscribeAndDeliver(t *testing.T) {
	frames := make(chan wsRequest, 1)
	server, _ := newTickerServer(t, false, frames)

	out := make(chan domain.TickerUpdate, 4)
	stream := NewStream(StreamConfig{
		URL:     wsURL(server),
		Symbols: []string{"btcusdt"},
	}, out, infra.NewMetrics())

	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer stream.Disconnect()

	select {
	case req := <-frames:
		if req.Op != "subscribe" || len(req.Args) != 1 || req.Args[0] != "tickers.BTCUSDT" {
			t.Errorf("unexpected subscribe frame %+v", req)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	update := receive(t, out)
	if update.Symbol != "BTCUSDT" || !update.LastPrice.Equal(decimal.RequireFromString("50000.5")) {
		t.Errorf("unexpected update %+v", update)
	}
	if update.Source != domain.SourceStream || update.ObservedAt.UnixMilli() != 1700000000000 {
		t.Errorf("update metadata wrong: %+v", update)
	}
	if !stream.IsConnected() {
		t.Error("stream should report SUBSCRIBED after ack")
	}
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	server, sessions := newTickerServer(t, true, nil)

	out := make(chan domain.TickerUpdate, 4)
	metrics := infra.NewMetrics()
	stream := NewStream(StreamConfig{
		URL:       wsURL(server),
		Symbols:   []string{"BTCUSDT"},
		Reconnect: infra.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
	}, out, metrics)

	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer stream.Disconnect()

	first := receive(t, out)
	second := receive(t, out)
	if first.LastPrice.Equal(second.LastPrice) {
		t.Errorf("expected a fresh update after reconnect, got %s twice", first.LastPrice)
	}
	if sessions.Load() < 2 {
		t.Errorf("expected a second session, got %d", sessions.Load())
	}
	if metrics.Snapshot().StreamReconnects == 0 {
		t.Error("reconnect not recorded")
	}
}

func TestStream_DisconnectStops(t *testing.T) {
	server, _ := newTickerServer(t, false, nil)

	out := make(chan domain.TickerUpdate, 4)
	stream := NewStream(StreamConfig{URL: wsURL(server), Symbols: []string{"BTCUSDT"}}, out, nil)
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	receive(t, out)

	done := make(chan struct{})
	go func() {
		stream.Disconnect()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Disconnect did not return")
	}
	if stream.State() != StateDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", stream.State())
	}
}

func TestStream_SendsHeartbeat(t *testing.T) {
	var pings atomic.Int32
	enough := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req wsRequest
			json.Unmarshal(raw, &req)
			if req.Op != "ping" {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, []byte(`{"success":true,"ret_msg":"pong","op":"ping"}`))
			if pings.Add(1) == 2 {
				close(enough)
			}
		}
	}))
	defer server.Close()

	stream := NewStream(StreamConfig{
		URL:       wsURL(server),
		Symbols:   []string{"BTCUSDT"},
		Heartbeat: 20 * time.Millisecond,
	}, make(chan domain.TickerUpdate, 1), nil)
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer stream.Disconnect()

	select {
	case <-enough:
	case <-time.After(3 * time.Second):
		t.Fatalf("expected at least 2 ping frames, got %d", pings.Load())
	}
}

func TestStream_ConnectWithoutSymbols(t *testing.T) {
	stream := NewStream(StreamConfig{Symbols: []string{" "}}, make(chan domain.TickerUpdate), nil)
	if err := stream.Connect(context.Background()); err == nil {
		t.Error("expected error without symbols")
	}
}

func TestStream_SubscribeChunks(t *testing.T) {
	symbols := make([]string, 23)
	for i := range symbols {
		symbols[i] = "SYM" + string(rune('A'+i)) + "USDT"
	}

	frames := make(chan []byte, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frames <- raw
		}
	}))
	defer server.Close()

	stream := NewStream(StreamConfig{URL: wsURL(server), Symbols: symbols}, make(chan domain.TickerUpdate, 1), nil)
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer stream.Disconnect()

	var sizes []int
	for len(sizes) < 3 {
		select {
		case raw := <-frames:
			var req wsRequest
			json.Unmarshal(raw, &req)
			if req.Op == "subscribe" {
				sizes = append(sizes, len(req.Args))
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("expected 3 subscribe frames, got %v", sizes)
		}
	}
	if sizes[0] != 10 || sizes[1] != 10 || sizes[2] != 3 {
		t.Errorf("frame sizes = %v, want [10 10 3]", sizes)
	}
}

func TestStream_HandleMessage(t *testing.T) {
	stream := NewStream(StreamConfig{Symbols: []string{"BTCUSDT"}}, nil, nil)

	tests := []struct {
		name   string
		frame  string
		wantOK bool
		symbol string
	}{
		{"ticker push", `{"topic":"tickers.ETHUSDT","ts":1,"data":{"symbol":"ETHUSDT","lastPrice":"3000"}}`, true, "ETHUSDT"},
		{"symbol from topic", `{"topic":"tickers.SOLUSDT","ts":1,"data":{"lastPrice":"150"}}`, true, "SOLUSDT"},
		{"pong", `{"success":true,"ret_msg":"pong","op":"ping"}`, false, ""},
		{"subscribe ack", `{"success":true,"op":"subscribe"}`, false, ""},
		{"other topic", `{"topic":"orderbook.1.BTCUSDT","data":{"s":"BTCUSDT"}}`, false, ""},
		{"garbage", `not json`, false, ""},
		{"empty data", `{"topic":"tickers.BTCUSDT"}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			update, ok := stream.handleMessage([]byte(tt.frame))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && update.Symbol != tt.symbol {
				t.Errorf("symbol = %s, want %s", update.Symbol, tt.symbol)
			}
		})
	}
}
