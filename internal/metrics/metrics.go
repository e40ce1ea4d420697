// Package metrics exposes Prometheus metrics and a JSON health endpoint
// for the candle sync + strategy engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	TicksTotal        prometheus.Counter
	CandlesAppended   prometheus.Counter
	CandlesPatched    prometheus.Counter
	WSReconnects      prometheus.Counter
	FetchErrors       *prometheus.CounterVec // labels: kind=transient|malformed
	VerifyCycles      prometheus.Counter
	VerifyCorrections prometheus.Counter
	VerifyBackfills   prometheus.Counter
	NotifyDrops       prometheus.Counter
	StrategyPhase     prometheus.Gauge // 0=idle, 1=armed, 2=in_position
	TickAge           prometheus.Gauge // seconds since last live tick
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_ticks_total",
			Help: "Total live ticks received from the WebSocket feed",
		}),
		CandlesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_candles_appended_total",
			Help: "Closed candles appended to the store",
		}),
		CandlesPatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_candles_patched_total",
			Help: "Stored candles corrected from REST values",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_fetch_errors_total",
			Help: "REST fetch failures by kind",
		}, []string{"kind"}),
		VerifyCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_verify_cycles_total",
			Help: "Verification passes over the last closed bars",
		}),
		VerifyCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_verify_corrections_total",
			Help: "Bars patched by the verifier",
		}),
		VerifyBackfills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_verify_backfills_total",
			Help: "Missing bars backfilled by the verifier",
		}),
		NotifyDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_notify_drops_total",
			Help: "Notification events dropped due to a full queue",
		}),
		StrategyPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_strategy_phase",
			Help: "Strategy phase (0=idle, 1=armed, 2=in_position, 3=closed)",
		}),
		TickAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_tick_age_seconds",
			Help: "Age of the most recent live tick",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.CandlesAppended,
		m.CandlesPatched,
		m.WSReconnects,
		m.FetchErrors,
		m.VerifyCycles,
		m.VerifyCorrections,
		m.VerifyBackfills,
		m.NotifyDrops,
		m.StrategyPhase,
		m.TickAge,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	WSStatus       string    `json:"ws_status"`
	LastTickTime   time.Time `json:"last_tick_time"`
	LastCandleTime time.Time `json:"last_candle_time"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	StrategyPhase  string    `json:"strategy_phase"`

	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSStatus(s string) {
	h.mu.Lock()
	h.WSStatus = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastCandleTime(t time.Time) {
	h.mu.Lock()
	h.LastCandleTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStrategyPhase(p string) {
	h.mu.Lock()
	h.StrategyPhase = p
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(db *sql.DB) {
	start := time.Now()
	err := db.Ping()
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic SQLite (and optional Redis) probes.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if db != nil {
					h.CheckSQLite(db)
				}
				if rdb != nil {
					pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
					h.SetRedisConnected(rdb.Ping(pingCtx).Err() == nil)
					cancel()
				}
			}
		}
	}()
}

// ServeHTTP renders the health snapshot as JSON.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	snapshot := struct {
		WSStatus        string    `json:"ws_status"`
		LastTickTime    time.Time `json:"last_tick_time"`
		LastCandleTime  time.Time `json:"last_candle_time"`
		RedisConnected  bool      `json:"redis_connected"`
		SQLiteOK        bool      `json:"sqlite_ok"`
		StrategyPhase   string    `json:"strategy_phase"`
		SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
		LastCheckAt     time.Time `json:"last_check_at"`
		StartedAt       time.Time `json:"started_at"`
		UptimeSec       float64   `json:"uptime_sec"`
	}{
		WSStatus:        h.WSStatus,
		LastTickTime:    h.LastTickTime,
		LastCandleTime:  h.LastCandleTime,
		RedisConnected:  h.RedisConnected,
		SQLiteOK:        h.SQLiteOK,
		StrategyPhase:   h.StrategyPhase,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt,
		StartedAt:       h.StartedAt,
		UptimeSec:       time.Since(h.StartedAt).Seconds(),
	}
	h.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}

// Server exposes /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates the metrics HTTP server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
