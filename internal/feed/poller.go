// Package feed drives the REST candle source: a one-shot priming backfill
// at startup, then a periodic poll that appends every newly closed bar to
// the candle store.
package feed

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Tapyon/tradebot/internal/kraken"
	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
)

// Source fetches closed candles with open time strictly after since.
type Source interface {
	FetchClosedCandles(ctx context.Context, since time.Time) ([]model.Candle, error)
}

// Config configures the poller.
type Config struct {
	PollInterval time.Duration
}

// Poller owns the since-cursor and is the store's only appender besides
// the verifier's gap backfill.
type Poller struct {
	cfg   Config
	src   Source
	store *store.Store

	// Metrics hooks (optional, set externally before Run).
	OnFetchError func(transient bool)
	OnAppend     func()
}

// New creates a poller.
func New(cfg Config, src Source, st *store.Store) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Poller{cfg: cfg, src: src, store: st}
}

// Prime backfills the store with history since the given instant. Called
// once before Run; a transient failure is returned so startup can decide
// whether to proceed with an empty store.
func (p *Poller) Prime(ctx context.Context, since time.Time) (int, error) {
	candles, err := p.src.FetchClosedCandles(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, c := range candles {
		if err := p.store.Append(c); err != nil {
			return 0, err
		}
	}
	return len(candles), nil
}

// Run polls on a fixed interval until ctx is cancelled. Transient and
// malformed fetch errors are logged and retried next cycle; an
// out-of-order append is a data-integrity violation and halts the poller
// rather than corrupting history.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				log.Printf("[feed] halting poller: %v", err)
				return
			}
		}
	}
}

// pollOnce fetches candles after the current cursor and appends them.
// Returns a non-nil error only for integrity violations.
func (p *Poller) pollOnce(ctx context.Context) error {
	var since time.Time
	if last, ok := p.store.Last(); ok {
		since = last.OpenTime
	}

	candles, err := p.src.FetchClosedCandles(ctx, since)
	if err != nil {
		var transient *kraken.TransientFetchError
		var malformed *kraken.MalformedResponseError
		switch {
		case errors.As(err, &transient):
			log.Printf("[feed] fetch failed, retrying next cycle: %v", err)
			if p.OnFetchError != nil {
				p.OnFetchError(true)
			}
		case errors.As(err, &malformed):
			log.Printf("[feed] discarding malformed batch: %v", err)
			if p.OnFetchError != nil {
				p.OnFetchError(false)
			}
		default:
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[feed] fetch failed: %v", err)
			if p.OnFetchError != nil {
				p.OnFetchError(true)
			}
		}
		return nil
	}

	for _, c := range candles {
		if err := p.store.Append(c); err != nil {
			// The verifier backfills gaps concurrently. A bar that landed
			// while our fetch was in flight rejects as out-of-order even
			// though the store already holds it; that is a duplicate, not
			// corruption.
			if errors.Is(err, store.ErrOutOfOrderCandle) {
				if _, held := p.store.At(c.OpenTime); held {
					continue
				}
			}
			// Genuine gap or regression; stop before history corrupts.
			return err
		}
		if p.OnAppend != nil {
			p.OnAppend()
		}
		log.Printf("[feed] 1m candle %s closed", c.OpenTime.UTC().Format("15:04"))
	}
	return nil
}
