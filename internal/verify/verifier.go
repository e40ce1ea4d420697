// Package verify reconciles the candle store against fresh REST history.
// REST is the source of truth: whenever a stored bar diverges from what
// the exchange now reports, the store is patched with the REST values, and
// bars the store never saw are backfilled.
package verify

import (
	"context"
	"log"
	"time"

	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
)

// Depth is how many of the newest closed bars each cycle re-checks.
const Depth = 5

// Source fetches closed candles with open time strictly after since.
type Source interface {
	FetchClosedCandles(ctx context.Context, since time.Time) ([]model.Candle, error)
}

// Config configures the verifier.
type Config struct {
	Interval        time.Duration // periodic verification cadence
	DelayAfterClose time.Duration // grace period past a bar boundary before trusting it
}

// Verifier periodically re-fetches the last bars and patches divergences.
// It runs independently of the main data flow; a failed cycle is skipped,
// never escalated.
type Verifier struct {
	cfg   Config
	src   Source
	store *store.Store

	now func() time.Time

	// Metrics hooks (optional, set externally before Run).
	OnCycle      func()
	OnCorrection func()
	OnBackfill   func()
}

// New creates a verifier.
func New(cfg Config, src Source, st *store.Store) *Verifier {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.DelayAfterClose <= 0 {
		cfg.DelayAfterClose = 5 * time.Second
	}
	return &Verifier{cfg: cfg, src: src, store: st, now: time.Now}
}

// Run verifies on a fixed interval, and additionally shortly after each
// new bar close (signalled by append events), so a freshly finalized bar
// is re-checked once the exchange has had time to settle it. Blocks until
// ctx is cancelled or the event channel closes.
func (v *Verifier) Run(ctx context.Context, events <-chan store.Event) {
	ticker := time.NewTicker(v.cfg.Interval)
	defer ticker.Stop()

	closeTimer := time.NewTimer(0)
	if !closeTimer.Stop() {
		<-closeTimer.C
	}
	defer closeTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == store.EventAppend {
				closeTimer.Reset(v.cfg.DelayAfterClose)
			}
		case <-closeTimer.C:
			v.VerifyOnce(ctx)
		case <-ticker.C:
			v.VerifyOnce(ctx)
		}
	}
}

// VerifyOnce runs a single reconciliation pass over the last Depth bars.
func (v *Verifier) VerifyOnce(ctx context.Context) {
	if v.OnCycle != nil {
		v.OnCycle()
	}

	// Fetch a little more than Depth so the comparison window is always
	// fully covered even if the store runs slightly ahead or behind.
	since := v.now().UTC().Truncate(time.Minute).Add(-time.Duration(Depth+5) * model.Interval)
	fetched, err := v.src.FetchClosedCandles(ctx, since)
	if err != nil {
		// Non-fatal: skip this cycle, the next one retries.
		log.Printf("[verify] fetch failed, skipping cycle: %v", err)
		return
	}
	if len(fetched) > Depth {
		fetched = fetched[len(fetched)-Depth:]
	}

	corrections := 0
	for _, remote := range fetched {
		local, ok := v.store.At(remote.OpenTime)
		if !ok {
			// A bar REST reports but the store never saw: backfill the gap
			// before any later bar can be trusted. Append enforces
			// contiguity, so an unreachable gap just waits for the poller.
			if err := v.store.Append(remote); err != nil {
				log.Printf("[verify] cannot backfill %s: %v",
					remote.OpenTime.UTC().Format(time.RFC3339), err)
				continue
			}
			if v.OnBackfill != nil {
				v.OnBackfill()
			}
			log.Printf("[verify] backfilled missing bar %s", remote.OpenTime.UTC().Format("15:04"))
			continue
		}

		// Zero tolerance: both sides are exchange-reported values.
		if local.Equal(remote) {
			continue
		}
		if err := v.store.Patch(remote.OpenTime, remote); err != nil {
			log.Printf("[verify] patch %s failed: %v", remote.OpenTime.UTC().Format(time.RFC3339), err)
			continue
		}
		corrections++
		if v.OnCorrection != nil {
			v.OnCorrection()
		}
		log.Printf("[verify] corrected bar %s: close %s -> %s",
			remote.OpenTime.UTC().Format("15:04"), local.Close, remote.Close)
	}

	if corrections == 0 {
		log.Printf("[verify] last %d bars OK", len(fetched))
	} else {
		log.Printf("[verify] fixed %d of last %d bars", corrections, len(fetched))
	}
}
