package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/anchor"
	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
	"github.com/Tapyon/tradebot/internal/strategy"
)

func testRouter(t *testing.T) *http.ServeMux {
	t.Helper()
	st := store.New(nil)
	go func() {
		for range st.Events() {
		}
	}()

	t0 := time.Date(2026, 2, 10, 13, 30, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		st.Append(model.Candle{
			OpenTime: t0.Add(time.Duration(i) * time.Minute),
			Open:     decimal.RequireFromString("2.00"),
			High:     decimal.RequireFromString("2.01"),
			Low:      decimal.RequireFromString("1.99"),
			Close:    decimal.RequireFromString("2.00"),
			Volume:   decimal.RequireFromString("100"),
		})
	}

	eng := strategy.New(strategy.Config{
		Schedule: anchor.Schedule{Hour: 13, Minute: 35},
	}, st, nil)

	return NewRouter(st, eng, nil)
}

func TestHealthEndpoint(t *testing.T) {
	mux := testRouter(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestStateEndpoint(t *testing.T) {
	mux := testRouter(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body struct {
		Phase string `json:"phase"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Phase != "idle" {
		t.Errorf("phase %q", body.Phase)
	}
}

func TestCandlesEndpoint(t *testing.T) {
	mux := testRouter(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/candles?n=2", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var candles []model.Candle
	if err := json.Unmarshal(rec.Body.Bytes(), &candles); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(candles) != 2 {
		t.Errorf("got %d candles", len(candles))
	}
}

func TestPositionsEndpoint_JournalDisabled(t *testing.T) {
	mux := testRouter(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/positions", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", rec.Code)
	}
}
