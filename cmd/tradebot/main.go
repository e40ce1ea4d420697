package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Tapyon/tradebot/config"
	"github.com/Tapyon/tradebot/internal/anchor"
	"github.com/Tapyon/tradebot/internal/api"
	"github.com/Tapyon/tradebot/internal/bus"
	"github.com/Tapyon/tradebot/internal/feed"
	"github.com/Tapyon/tradebot/internal/journal"
	"github.com/Tapyon/tradebot/internal/kraken"
	"github.com/Tapyon/tradebot/internal/logger"
	"github.com/Tapyon/tradebot/internal/metrics"
	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/notification"
	"github.com/Tapyon/tradebot/internal/store"
	sqlitestore "github.com/Tapyon/tradebot/internal/store/sqlite"
	"github.com/Tapyon/tradebot/internal/strategy"
	"github.com/Tapyon/tradebot/internal/verify"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tradebot] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	logger.Init("tradebot", slog.LevelInfo)

	schedule := anchor.Schedule{
		Hour:      cfg.AnchorLocalHour,
		Minute:    cfg.AnchorLocalMinute,
		UTCOffset: cfg.LocalUTCOffset,
	}
	if err := schedule.Validate(); err != nil {
		log.Fatalf("[tradebot] invalid anchor schedule: %v", err)
	}
	log.Printf("[tradebot] pair=%s anchor=%s tie_break=%s", cfg.Pair, schedule, cfg.BreakoutTieBreak)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- SQLite recorder (write-ahead of every store mutation) ----
	rec, err := sqlitestore.New(sqlitestore.RecorderConfig{
		DBPath: cfg.SQLitePath,
		Reset:  cfg.ResetOnStart,
	})
	if err != nil {
		log.Fatalf("[tradebot] sqlite init failed: %v", err)
	}
	defer rec.Close()
	health.SetSQLiteOK(true)
	if cfg.ResetOnStart {
		log.Println("[tradebot] sqlite storage wiped on start")
	}
	log.Println("[tradebot] sqlite recorder ready")

	// ---- Position journal ----
	jrnl, err := journal.New(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[tradebot] journal init failed: %v", err)
	}
	defer jrnl.Close()

	// ---- Candle store ----
	st := store.New(rec)

	// ---- Fan out store events: strategy, verifier, notifier bridge ----
	// Subscriptions must happen before Run.
	fanout := bus.New(1024)
	strategyCh := fanout.Subscribe()
	notifyCh := fanout.Subscribe()
	var verifyCh <-chan store.Event
	if cfg.VerifyEnabled {
		verifyCh = fanout.Subscribe()
	}
	go fanout.Run(ctx, st.Events())

	// ---- Notification sinks ----
	sinks := []notification.Sink{notification.NewLogSink()}
	var redisSink *notification.RedisSink
	if cfg.RedisAddr != "" {
		redisSink, err = notification.NewRedisSink(notification.RedisSinkConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[tradebot] WARNING: redis init failed: %v (continuing without redis)", err)
			health.SetRedisConnected(false)
		} else {
			sinks = append(sinks, redisSink)
			health.SetRedisConnected(true)
			log.Println("[tradebot] redis sink ready")
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookSink(cfg.WebhookURL))
		log.Println("[tradebot] webhook sink ready")
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramSink(cfg.TelegramToken, cfg.TelegramChatID))
		log.Println("[tradebot] telegram sink ready")
	}

	dispatcher := notification.NewDispatcher(1024, sinks...)
	dispatcher.OnDrop = func() {
		prom.NotifyDrops.Inc()
	}
	go dispatcher.Run(ctx)

	// ---- Periodic liveness checks ----
	if redisSink != nil {
		health.StartLivenessChecker(ctx, redisSink.Client(), rec.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, rec.DB(), 10*time.Second)
	}

	// ---- Notifier bridge: store events → dispatcher ----
	go func() {
		for ev := range notifyCh {
			switch ev.Kind {
			case store.EventAppend:
				prom.CandlesAppended.Inc()
			case store.EventPatch:
				prom.CandlesPatched.Inc()
			}
			health.SetLastCandleTime(ev.Candle.OpenTime.Add(model.Interval))
			dispatcher.Emit(notification.FromStoreEvent(ev, time.Now()))
		}
	}()

	// ---- Live tick source (Kraken public WS) ----
	tickCh := make(chan model.LiveTick, 1024)
	ticks := kraken.NewTickSource(kraken.TickSourceConfig{
		URL:  cfg.KrakenWSURL,
		Pair: cfg.Pair,
	})
	ticks.OnReconnect = func() {
		prom.WSReconnects.Inc()
	}
	ticks.OnTick = func() {
		prom.TicksTotal.Inc()
	}
	go ticks.Run(ctx, tickCh)

	// ---- Tick health + notification sampling ----
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		var lastSeen time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				health.SetWSStatus(ticks.Status().String())
				t, ok := ticks.Latest()
				if !ok {
					continue
				}
				prom.TickAge.Set(time.Since(t.ReceivedAt).Seconds())
				if t.ReceivedAt.After(lastSeen) {
					lastSeen = t.ReceivedAt
					health.SetLastTickTime(t.ReceivedAt)
					dispatcher.Emit(notification.FromTick(t, time.Now()))
				}
			}
		}
	}()

	// ---- Strategy engine ----
	engine := strategy.New(strategy.Config{
		Schedule:       schedule,
		TickStaleAfter: cfg.TickStaleAfter,
		TieBreak:       strategy.TieBreak(cfg.BreakoutTieBreak),
		PriceStep:      cfg.PriceStepUnit,
	}, st, ticks)
	// posCtx carries the open position's ID so every transition logged
	// during its lifetime can be tied back to it. OnTransition fires from
	// the engine goroutine only, so plain assignment is safe.
	posCtx := context.Background()
	engine.OnTransition = func(old, next strategy.TradeState, reason string) {
		prom.StrategyPhase.Set(phaseValue(next.Phase))
		health.SetStrategyPhase(string(next.Phase))
		if next.Phase == strategy.PhaseInPosition && next.PositionID != "" {
			posCtx = logger.WithPositionID(context.Background(), next.PositionID)
		}
		args := []any{
			slog.String("from", string(old.Phase)),
			slog.String("to", string(next.Phase)),
			slog.String("reason", reason),
		}
		slog.Info("strategy transition", append(args, logger.WithPosition(posCtx)...)...)
		if next.Phase == strategy.PhaseIdle {
			posCtx = context.Background()
		}
		now := time.Now()
		switch {
		case next.Phase == strategy.PhaseInPosition && old.Phase != strategy.PhaseInPosition:
			if jerr := jrnl.RecordOpen(next, now); jerr != nil {
				log.Printf("[tradebot] journal open failed: %v", jerr)
			}
		case next.Phase == strategy.PhaseClosed:
			if jerr := jrnl.RecordClose(next, now); jerr != nil {
				log.Printf("[tradebot] journal close failed: %v", jerr)
			}
		}
		dispatcher.Emit(notification.Event{
			Type: notification.EventStrategyState,
			At:   time.Now(),
			Strategy: &notification.StateChange{
				OldPhase:   string(old.Phase),
				NewPhase:   string(next.Phase),
				Reason:     reason,
				Direction:  string(next.Direction),
				EntryPrice: next.EntryPrice,
				TakeProfit: next.TakeProfit,
				StopLoss:   next.StopLoss,
				ExitPrice:  next.ExitPrice,
			},
		})
	}
	go engine.Run(ctx, strategyCh, tickCh)

	// ---- Status API ----
	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewRouter(st, engine, jrnl),
	}
	go func() {
		log.Printf("[tradebot] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[tradebot] api server error: %v", err)
		}
	}()

	// ---- REST candle feed ----
	rest := kraken.NewRESTClient(kraken.RESTConfig{
		BaseURL: cfg.KrakenRESTURL,
		Pair:    cfg.Pair,
	})
	poller := feed.New(feed.Config{PollInterval: cfg.PollInterval}, rest, st)
	poller.OnFetchError = func(transient bool) {
		kind := "malformed"
		if transient {
			kind = "transient"
		}
		prom.FetchErrors.WithLabelValues(kind).Inc()
	}
	var writers sync.WaitGroup

	// Prime the store with enough history to cover the anchor window
	// before any live polling starts.
	primeSince := schedule.Effective(time.Now()).Add(-cfg.PrimeLookback)
	n, err := poller.Prime(ctx, primeSince)
	if err != nil {
		log.Fatalf("[tradebot] priming failed: %v", err)
	}
	log.Printf("[tradebot] primed %d candles since %s", n, primeSince.UTC().Format("2006-01-02 15:04"))

	writers.Add(1)
	go func() {
		defer writers.Done()
		poller.Run(ctx)
	}()

	// ---- Verification service ----
	if cfg.VerifyEnabled {
		verifier := verify.New(verify.Config{
			Interval:        cfg.VerifyInterval,
			DelayAfterClose: cfg.VerifyDelay,
		}, rest, st)
		verifier.OnCycle = func() {
			prom.VerifyCycles.Inc()
		}
		verifier.OnCorrection = func() {
			prom.VerifyCorrections.Inc()
		}
		verifier.OnBackfill = func() {
			prom.VerifyBackfills.Inc()
		}
		writers.Add(1)
		go func() {
			defer writers.Done()
			verifier.Run(ctx, verifyCh)
		}()
		log.Printf("[tradebot] verifier enabled (interval=%s delay=%s)", cfg.VerifyInterval, cfg.VerifyDelay)
	} else {
		log.Println("[tradebot] verifier disabled")
	}

	log.Println("[tradebot] ╔══════════════════════════════════════════════════════════╗")
	log.Println("[tradebot] ║  Breakout 2x1 Engine                                     ║")
	log.Println("[tradebot] ║                                                          ║")
	log.Println("[tradebot] ║  [Kraken REST] → [Store] → [Verify] → [Strategy]         ║")
	log.Println("[tradebot] ║  [Kraken WS]   → ticks   → [Strategy exits]              ║")
	log.Printf("[tradebot] ║  Pair: %-10s Anchor: %-18s            ║", cfg.Pair, schedule)
	log.Println("[tradebot] ╚══════════════════════════════════════════════════════════╝")

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[tradebot] shutdown signal received, cleaning up...")
	cancel()

	// Stop all store writers before closing the event channel.
	writers.Wait()
	st.CloseEvents()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)
	apiSrv.Shutdown(shutdownCtx)

	if redisSink != nil {
		redisSink.Close()
	}

	log.Println("[tradebot] shutdown complete.")
}

func phaseValue(p strategy.Phase) float64 {
	switch p {
	case strategy.PhaseIdle:
		return 0
	case strategy.PhaseArmed:
		return 1
	case strategy.PhaseInPosition:
		return 2
	case strategy.PhaseClosed:
		return 3
	}
	return 0
}
