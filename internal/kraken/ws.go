package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
)

// DefaultWSURL is the Kraken public WebSocket endpoint.
const DefaultWSURL = "wss://ws.kraken.com/"

// ConnStatus is the tick source's connection state.
type ConnStatus int32

const (
	StatusDisconnected ConnStatus = iota
	StatusConnected
	StatusReconnecting
)

func (s ConnStatus) String() string {
	switch s {
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

const (
	pongWait     = 30 * time.Second
	pingInterval = 15 * time.Second
)

// TickSourceConfig configures the WebSocket tick source.
type TickSourceConfig struct {
	URL               string
	Pair              string // REST-style pair, e.g. "XRPUSD"
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// TickSource maintains one streaming connection to the Kraken public feed,
// subscribed to the trade and ticker channels for a single pair. It keeps
// only the most recent tick, readable without blocking, and reconnects
// with bounded exponential backoff forever until the context is cancelled.
type TickSource struct {
	url    string
	wsPair string
	delay  time.Duration
	maxDly time.Duration

	latest atomic.Pointer[model.LiveTick]
	status atomic.Int32

	// Metrics hooks (optional, set externally before Run).
	OnReconnect func()
	OnTick      func()
}

// NewTickSource creates a tick source for the given pair.
func NewTickSource(cfg TickSourceConfig) *TickSource {
	if cfg.URL == "" {
		cfg.URL = DefaultWSURL
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = time.Minute
	}
	return &TickSource{
		url:    cfg.URL,
		wsPair: wsPairName(cfg.Pair),
		delay:  cfg.ReconnectDelay,
		maxDly: cfg.MaxReconnectDelay,
	}
}

// wsPairName normalizes a REST pair like "XRPUSD" to WS style "XRP/USD".
func wsPairName(pair string) string {
	if strings.Contains(pair, "/") {
		return pair
	}
	if len(pair) > 3 {
		return pair[:len(pair)-3] + "/" + pair[len(pair)-3:]
	}
	return pair
}

// Latest returns the most recently received tick. ok is false until the
// first tick arrives. The slot is single-writer, so readers always see a
// complete tick, never a torn one. A disconnect does not clear the slot;
// consumers must check freshness themselves.
func (s *TickSource) Latest() (model.LiveTick, bool) {
	p := s.latest.Load()
	if p == nil {
		return model.LiveTick{}, false
	}
	return *p, true
}

// Status returns the current connection status.
func (s *TickSource) Status() ConnStatus {
	return ConnStatus(s.status.Load())
}

// Run connects and streams ticks into tickCh until ctx is cancelled.
// tickCh sends are non-blocking: the channel is a wake-up for the
// strategy, which reads the latest slot anyway.
func (s *TickSource) Run(ctx context.Context, tickCh chan<- model.LiveTick) {
	delay := s.delay
	for {
		if ctx.Err() != nil {
			s.status.Store(int32(StatusDisconnected))
			return
		}

		err := s.runConn(ctx, tickCh)
		if ctx.Err() != nil {
			s.status.Store(int32(StatusDisconnected))
			return
		}

		// Connection lost: back off and try again, forever.
		s.status.Store(int32(StatusReconnecting))
		if s.OnReconnect != nil {
			s.OnReconnect()
		}
		log.Printf("[ws] connection lost (%v), reconnecting in %v", err, delay)

		select {
		case <-ctx.Done():
			s.status.Store(int32(StatusDisconnected))
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.maxDly {
			delay = s.maxDly
		}
	}
}

// runConn handles a single connection lifetime: dial, subscribe, read
// until error or cancellation.
func (s *TickSource) runConn(ctx context.Context, tickCh chan<- model.LiveTick) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for _, channel := range []string{"trade", "ticker"} {
		sub := map[string]interface{}{
			"event":        "subscribe",
			"pair":         []string{s.wsPair},
			"subscription": map[string]string{"name": channel},
		}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
	}

	s.status.Store(int32(StatusConnected))
	log.Printf("[ws] connected, subscribed to trade+ticker for %s", s.wsPair)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Close the connection when the context ends so the blocked read
	// returns immediately instead of waiting out a backoff.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		ticks, err := parseWSMessage(data, time.Now().UTC())
		if err != nil {
			log.Printf("[ws] parse error: %v", err)
			continue
		}
		for i := range ticks {
			tick := ticks[i]
			s.latest.Store(&tick)
			if s.OnTick != nil {
				s.OnTick()
			}
			select {
			case tickCh <- tick:
			default:
				// consumer will catch up from the latest slot
			}
		}
	}
}

// parseWSMessage decodes one Kraken WS frame into zero or more ticks.
// Object frames are events (heartbeat, subscriptionStatus) and yield none.
func parseWSMessage(data []byte, now time.Time) ([]model.LiveTick, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		handleEvent(data)
		return nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	// Channel frames: [channelID, payload, channelName, pair]
	if len(frame) < 4 {
		return nil, fmt.Errorf("frame has %d elements, want 4", len(frame))
	}

	var channel string
	if err := json.Unmarshal(frame[2], &channel); err != nil {
		return nil, fmt.Errorf("channel name: %w", err)
	}

	switch channel {
	case "trade":
		return parseTrades(frame[1], now)
	case "ticker":
		tick, err := parseTicker(frame[1], now)
		if err != nil {
			return nil, err
		}
		return []model.LiveTick{tick}, nil
	default:
		return nil, nil
	}
}

// handleEvent logs connection-level events, skipping noisy heartbeats.
func handleEvent(data []byte) {
	var ev struct {
		Event  string `json:"event"`
		Status string `json:"status"`
		Pair   string `json:"pair"`
		Sub    struct {
			Name string `json:"name"`
		} `json:"subscription"`
	}
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
		return
	}
	switch ev.Event {
	case "heartbeat":
	case "subscriptionStatus":
		log.Printf("[ws] %s %s %s", ev.Sub.Name, ev.Status, ev.Pair)
	default:
		log.Printf("[ws] event %s", ev.Event)
	}
}

// parseTrades maps the trade payload [["price","vol","time",...],...]
// into one tick per executed trade.
func parseTrades(payload json.RawMessage, now time.Time) ([]model.LiveTick, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("trade payload: %w", err)
	}

	out := make([]model.LiveTick, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("trade row has %d fields, want >= 3", len(row))
		}
		var priceStr, timeStr string
		if err := json.Unmarshal(row[0], &priceStr); err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		if err := json.Unmarshal(row[2], &timeStr); err != nil {
			return nil, fmt.Errorf("trade time: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("trade price %q: %w", priceStr, err)
		}
		out = append(out, model.LiveTick{
			Price:      price,
			SourceTS:   unixDecimal(timeStr, now),
			ReceivedAt: now,
		})
	}
	return out, nil
}

// parseTicker extracts the last-trade price from the ticker payload.
func parseTicker(payload json.RawMessage, now time.Time) (model.LiveTick, error) {
	var body struct {
		C []string `json:"c"` // [last trade price, lot volume]
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return model.LiveTick{}, fmt.Errorf("ticker payload: %w", err)
	}
	if len(body.C) == 0 {
		return model.LiveTick{}, fmt.Errorf("ticker payload missing last price")
	}
	price, err := decimal.NewFromString(body.C[0])
	if err != nil {
		return model.LiveTick{}, fmt.Errorf("ticker price %q: %w", body.C[0], err)
	}
	return model.LiveTick{Price: price, SourceTS: now, ReceivedAt: now}, nil
}

// unixDecimal parses Kraken's "seconds.micros" trade timestamp; falls back
// to the receive time when unparsable.
func unixDecimal(s string, fallback time.Time) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	sec := d.IntPart()
	frac := d.Sub(decimal.NewFromInt(sec))
	nanos := frac.Mul(decimal.NewFromInt(int64(time.Second))).IntPart()
	return time.Unix(sec, nanos).UTC()
}
