package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
)

var t0 = time.Date(2026, 2, 10, 13, 30, 0, 0, time.UTC)

func mkCandle(close string) model.Candle {
	return model.Candle{
		OpenTime: t0,
		Open:     decimal.RequireFromString("2.00"),
		High:     decimal.RequireFromString("2.01"),
		Low:      decimal.RequireFromString("1.99"),
		Close:    decimal.RequireFromString(close),
		Volume:   decimal.RequireFromString("100"),
	}
}

func TestFromStoreEvent_Append(t *testing.T) {
	ev := FromStoreEvent(store.Event{Kind: store.EventAppend, Candle: mkCandle("2.00")}, t0)
	if ev.Type != EventCandleAppended {
		t.Errorf("type %s", ev.Type)
	}
	if ev.Candle == nil || ev.Correction != nil {
		t.Error("append event must carry a candle, not a correction")
	}
}

func TestFromStoreEvent_PatchCarriesCorrection(t *testing.T) {
	sev := store.Event{
		Kind:   store.EventPatch,
		Candle: mkCandle("2.05"),
		Prev:   mkCandle("2.00"),
	}
	ev := FromStoreEvent(sev, t0)
	if ev.Type != EventCandlePatched {
		t.Fatalf("type %s", ev.Type)
	}
	if ev.Correction == nil {
		t.Fatal("patch event missing correction")
	}
	if ev.Correction.ID == "" {
		t.Error("correction missing id")
	}
	if !ev.Correction.Stored.Close.Equal(decimal.RequireFromString("2.00")) {
		t.Errorf("stored close %s", ev.Correction.Stored.Close)
	}
	if !ev.Correction.Corrected.Close.Equal(decimal.RequireFromString("2.05")) {
		t.Errorf("corrected close %s", ev.Correction.Corrected.Close)
	}
}

// captureSink records published events.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(ctx context.Context, ev Event) error {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	d := NewDispatcher(16, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Emit(FromStoreEvent(store.Event{Kind: store.EventAppend, Candle: mkCandle("2.00")}, t0))

	deadline := time.Now().Add(time.Second)
	for (a.count() < 1 || b.count() < 1) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("delivery counts a=%d b=%d", a.count(), b.count())
	}
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	// No Run consuming: the queue fills and overflow is dropped, never
	// blocking the caller.
	d := NewDispatcher(2, &captureSink{})
	drops := 0
	d.OnDrop = func() { drops++ }

	for i := 0; i < 5; i++ {
		d.Emit(FromTick(model.LiveTick{Price: decimal.New(2, 0)}, t0))
	}
	if drops != 3 {
		t.Errorf("drops = %d, want 3", drops)
	}
}
