package kraken

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// fixedNow makes the forming-bar cutoff deterministic: bars opening at or
// after 13:37 are not closed yet.
var fixedNow = time.Date(2026, 2, 10, 13, 37, 30, 0, time.UTC)

const ohlcBody = `{
	"error": [],
	"result": {
		"XXRPZUSD": [
			[1770730500, "2.0010", "2.0050", "2.0000", "2.0040", "2.0025", "1500.5", 42],
			[1770730560, "2.0040", "2.0080", "2.0030", "2.0075", "2.0055", "900.25", 30],
			[1770730620, "2.0075", "2.0100", "2.0060", "2.0090", "2.0080", "1100.0", 35]
		],
		"last": 1770730560
	}
}`

func testClient(t *testing.T, handler http.HandlerFunc) (*RESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewRESTClient(RESTConfig{
		BaseURL:     srv.URL,
		Pair:        "XRPUSD",
		MinInterval: time.Millisecond,
	})
	c.now = func() time.Time { return fixedNow }
	return c, srv
}

func TestFetchClosedCandles_ParsesRows(t *testing.T) {
	// Row open times: 13:35, 13:36, 13:37. The last is the forming bar.
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("pair") != "XRPUSD" || q.Get("interval") != "1" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		w.Write([]byte(ohlcBody))
	})

	got, err := c.FetchClosedCandles(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candles, want 2 (forming bar excluded)", len(got))
	}

	want := time.Unix(1770730500, 0).UTC()
	if !got[0].OpenTime.Equal(want) {
		t.Errorf("open time %s, want %s", got[0].OpenTime, want)
	}
	if !got[0].Open.Equal(decimal.RequireFromString("2.0010")) {
		t.Errorf("open %s", got[0].Open)
	}
	if !got[0].Volume.Equal(decimal.RequireFromString("1500.5")) {
		t.Errorf("volume %s (must come from index 6, not vwap)", got[0].Volume)
	}
}

func TestFetchClosedCandles_SinceFilter(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(ohlcBody))
	})

	since := time.Unix(1770730500, 0).UTC()
	got, err := c.FetchClosedCandles(context.Background(), since)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d candles, want 1 (bars at or before since excluded)", len(got))
	}
	if !got[0].OpenTime.After(since) {
		t.Errorf("candle %s not after since %s", got[0].OpenTime, since)
	}
}

func TestFetchClosedCandles_ServerErrorIsTransient(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var transient *TransientFetchError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientFetchError, got %T: %v", err, err)
	}
}

func TestFetchClosedCandles_RateLimitIsTransient(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EAPI:Rate limit exceeded"],"result":{}}`))
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var transient *TransientFetchError
	if !errors.As(err, &transient) {
		t.Fatalf("expected TransientFetchError, got %T: %v", err, err)
	}
}

func TestFetchClosedCandles_APIErrorIsMalformed(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":["EQuery:Unknown asset pair"],"result":{}}`))
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}

func TestFetchClosedCandles_NotJSONIsMalformed(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>gateway error</html>"))
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}

func TestFetchClosedCandles_NonIncreasingRowsDiscardBatch(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"error": [],
			"result": {
				"XXRPZUSD": [
					[1770730560, "2.0", "2.1", "1.9", "2.0", "2.0", "10", 1],
					[1770730500, "2.0", "2.1", "1.9", "2.0", "2.0", "10", 1]
				],
				"last": 1770730560
			}
		}`))
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}

func TestFetchClosedCandles_ShortRowIsMalformed(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"error": [],
			"result": {
				"XXRPZUSD": [[1770730500, "2.0", "2.1"]],
				"last": 1770730500
			}
		}`))
	})

	_, err := c.FetchClosedCandles(context.Background(), time.Time{})
	var malformed *MalformedResponseError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponseError, got %T: %v", err, err)
	}
}
