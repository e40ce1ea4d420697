// Package notification delivers core events (candle updates, live price,
// verification corrections, strategy transitions) to external sinks:
// log output, Redis pub/sub, webhooks, Telegram. The core only emits;
// it makes no assumption about how or whether events are consumed.
package notification

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
)

// EventType identifies what happened.
type EventType string

const (
	EventCandleAppended EventType = "candle_appended"
	EventCandlePatched  EventType = "candle_patched"
	EventLiveTick       EventType = "live_tick"
	EventStrategyState  EventType = "strategy_state_changed"
)

// Correction describes a verification patch: what the store held before
// and what the exchange now reports.
type Correction struct {
	ID        string       `json:"id"`
	Stored    model.Candle `json:"stored"`
	Corrected model.Candle `json:"corrected"`
}

// Event is the wire-level notification payload. Exactly one of the
// payload pointers is set, matching Type.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`

	Candle     *model.Candle   `json:"candle,omitempty"`
	Correction *Correction     `json:"correction,omitempty"`
	Tick       *model.LiveTick `json:"tick,omitempty"`
	Strategy   *StateChange    `json:"strategy,omitempty"`
}

// StateChange carries a strategy transition.
type StateChange struct {
	OldPhase   string          `json:"old_phase"`
	NewPhase   string          `json:"new_phase"`
	Reason     string          `json:"reason"`
	Direction  string          `json:"direction,omitempty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
}

// JSON returns the JSON-encoded event.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink is the interface for all notification backends.
type Sink interface {
	// Publish delivers an event. Returns an error if delivery fails.
	Publish(ctx context.Context, ev Event) error
}

// FromStoreEvent converts a store mutation into a notification event.
// Patches get a fresh correction ID so downstream journals can reference
// individual corrections.
func FromStoreEvent(ev store.Event, at time.Time) Event {
	switch ev.Kind {
	case store.EventPatch:
		c := ev.Candle
		prev := ev.Prev
		return Event{
			Type: EventCandlePatched,
			At:   at,
			Correction: &Correction{
				ID:        uuid.NewString(),
				Stored:    prev,
				Corrected: c,
			},
		}
	default:
		c := ev.Candle
		return Event{Type: EventCandleAppended, At: at, Candle: &c}
	}
}

// FromTick wraps a live tick.
func FromTick(t model.LiveTick, at time.Time) Event {
	return Event{Type: EventLiveTick, At: at, Tick: &t}
}

// Dispatcher fans events out to all configured sinks from a single
// goroutine. Emit never blocks the caller: a full queue drops the event
// (notification delivery is best-effort by design, unlike store events).
type Dispatcher struct {
	sinks []Sink
	ch    chan Event

	// OnDrop is called when the queue is full (optional metrics hook).
	OnDrop func()
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(queueDepth int, sinks ...Sink) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Dispatcher{
		sinks: sinks,
		ch:    make(chan Event, queueDepth),
	}
}

// Emit enqueues an event without blocking.
func (d *Dispatcher) Emit(ev Event) {
	select {
	case d.ch <- ev:
	default:
		if d.OnDrop != nil {
			d.OnDrop()
		}
	}
}

// Run delivers queued events until ctx is cancelled. Sink failures are
// logged and never propagate back into the core.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.ch:
			for _, s := range d.sinks {
				if err := s.Publish(ctx, ev); err != nil {
					log.Printf("[notify] sink %T: %v", s, err)
				}
			}
		}
	}
}

// LogSink writes events to the process log (useful in development and as
// the always-on journal of record).
type LogSink struct{}

// NewLogSink creates a log-based sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventLiveTick:
		// too chatty for the log; other sinks may still want it
	case EventCandlePatched:
		log.Printf("[notify] correction %s: bar %s close %s -> %s",
			ev.Correction.ID,
			ev.Correction.Corrected.OpenTime.UTC().Format("15:04"),
			ev.Correction.Stored.Close, ev.Correction.Corrected.Close)
	case EventStrategyState:
		log.Printf("[notify] strategy %s -> %s (%s)",
			ev.Strategy.OldPhase, ev.Strategy.NewPhase, ev.Strategy.Reason)
	default:
		log.Printf("[notify] %s %s", ev.Type, ev.Candle.OpenTime.UTC().Format("15:04"))
	}
	return nil
}
