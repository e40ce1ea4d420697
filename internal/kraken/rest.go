// Package kraken provides the two market-data sources: a REST client for
// closed OHLC candles (authoritative, delayed) and a WebSocket tick source
// for the live price (low latency, unconfirmed).
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
)

// DefaultRESTURL is the Kraken public REST API base.
const DefaultRESTURL = "https://api.kraken.com"

// RESTConfig configures the REST candle source.
type RESTConfig struct {
	BaseURL     string
	Pair        string        // e.g. "XRPUSD"
	MinInterval time.Duration // minimum spacing between calls (public rate limit)
	Timeout     time.Duration
}

// RESTClient fetches closed 1-minute candles from the Kraken OHLC endpoint.
// Stateless beyond request pacing; the caller owns the since-cursor.
type RESTClient struct {
	baseURL string
	pair    string
	client  *http.Client

	mu          sync.Mutex
	lastCall    time.Time
	minInterval time.Duration

	now func() time.Time // injected for tests
}

// NewRESTClient creates a REST candle source.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultRESTURL
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:     cfg.BaseURL,
		pair:        cfg.Pair,
		client:      &http.Client{Timeout: cfg.Timeout},
		minInterval: cfg.MinInterval,
		now:         time.Now,
	}
}

// ohlcEnvelope is the generic Kraken response wrapper.
type ohlcEnvelope struct {
	Error  []string                   `json:"error"`
	Result map[string]json.RawMessage `json:"result"`
}

// FetchClosedCandles returns closed candles with open time strictly after
// since, in strictly increasing order. The still-forming bar for the
// current minute is always excluded.
func (c *RESTClient) FetchClosedCandles(ctx context.Context, since time.Time) ([]model.Candle, error) {
	c.pace(ctx)

	q := url.Values{}
	q.Set("pair", c.pair)
	q.Set("interval", "1")
	if !since.IsZero() {
		q.Set("since", fmt.Sprintf("%d", since.Unix()))
	}

	reqURL := c.baseURL + "/0/public/OHLC?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &TransientFetchError{Op: "ohlc", Err: err}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientFetchError{Op: "ohlc", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientFetchError{Op: "ohlc", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &MalformedResponseError{Op: "ohlc", Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, &TransientFetchError{Op: "ohlc", Err: err}
	}

	return c.parseOHLC(body, since)
}

// parseOHLC decodes the OHLC payload into closed candles. Any schema
// violation discards the entire batch.
func (c *RESTClient) parseOHLC(body []byte, since time.Time) ([]model.Candle, error) {
	var env ohlcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedResponseError{Op: "ohlc", Reason: "not JSON: " + err.Error()}
	}
	if len(env.Error) > 0 {
		msg := env.Error[0]
		if transientAPIError(msg) {
			return nil, &TransientFetchError{Op: "ohlc", Err: fmt.Errorf("api error: %s", msg)}
		}
		return nil, &MalformedResponseError{Op: "ohlc", Reason: "api error: " + msg}
	}

	rows, err := ohlcRows(env.Result)
	if err != nil {
		return nil, err
	}

	closedBefore := c.now().UTC().Truncate(time.Minute)

	out := make([]model.Candle, 0, len(rows))
	var prev time.Time
	for _, row := range rows {
		candle, err := parseOHLCRow(row)
		if err != nil {
			return nil, err
		}
		// The final row is the forming bar for the current minute; anything
		// at or past the boundary is not closed yet.
		if !candle.OpenTime.Before(closedBefore) {
			continue
		}
		if !since.IsZero() && !candle.OpenTime.After(since) {
			continue
		}
		if !prev.IsZero() && !candle.OpenTime.After(prev) {
			return nil, &MalformedResponseError{Op: "ohlc", Reason: "rows not strictly increasing"}
		}
		prev = candle.OpenTime
		out = append(out, candle)
	}
	return out, nil
}

// ohlcRows extracts the pair's row array from the result object; the only
// non-pair key Kraken returns is "last".
func ohlcRows(result map[string]json.RawMessage) ([][]json.RawMessage, error) {
	for key, raw := range result {
		if key == "last" {
			continue
		}
		var rows [][]json.RawMessage
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, &MalformedResponseError{Op: "ohlc", Reason: "pair rows: " + err.Error()}
		}
		return rows, nil
	}
	return nil, &MalformedResponseError{Op: "ohlc", Reason: "no pair key in result"}
}

// parseOHLCRow maps [time, open, high, low, close, vwap, volume, count]
// into a Candle. vwap and count are carried by the feed but not consumed.
func parseOHLCRow(row []json.RawMessage) (model.Candle, error) {
	var c model.Candle
	if len(row) < 8 {
		return c, &MalformedResponseError{Op: "ohlc", Reason: fmt.Sprintf("row has %d fields, want 8", len(row))}
	}

	var ts json.Number
	if err := json.Unmarshal(row[0], &ts); err != nil {
		return c, &MalformedResponseError{Op: "ohlc", Reason: "row time: " + err.Error()}
	}
	sec, err := ts.Int64()
	if err != nil {
		return c, &MalformedResponseError{Op: "ohlc", Reason: "row time: " + err.Error()}
	}
	c.OpenTime = time.Unix(sec, 0).UTC()

	fields := []struct {
		idx  int
		name string
		dst  *decimal.Decimal
	}{
		{1, "open", &c.Open},
		{2, "high", &c.High},
		{3, "low", &c.Low},
		{4, "close", &c.Close},
		{6, "volume", &c.Volume},
	}
	for _, f := range fields {
		var s string
		if err := json.Unmarshal(row[f.idx], &s); err != nil {
			return c, &MalformedResponseError{Op: "ohlc", Reason: "row " + f.name + ": " + err.Error()}
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return c, &MalformedResponseError{Op: "ohlc", Reason: "row " + f.name + ": " + err.Error()}
		}
		*f.dst = d
	}
	return c, nil
}

// pace enforces the minimum spacing between public API calls.
func (c *RESTClient) pace(ctx context.Context) {
	c.mu.Lock()
	wait := c.minInterval - c.now().Sub(c.lastCall)
	if wait < 0 {
		wait = 0
	}
	c.lastCall = c.now().Add(wait)
	c.mu.Unlock()

	if wait <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
