package store

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/model"
)

var t0 = time.Date(2026, 2, 10, 13, 30, 0, 0, time.UTC)

func mkCandle(open time.Time, o, h, l, c string) model.Candle {
	return model.Candle{
		OpenTime: open,
		Open:     decimal.RequireFromString(o),
		High:     decimal.RequireFromString(h),
		Low:      decimal.RequireFromString(l),
		Close:    decimal.RequireFromString(c),
		Volume:   decimal.RequireFromString("10"),
	}
}

// fakeRecorder remembers every durable write in call order.
type fakeRecorder struct {
	appends []model.Candle
	patches []model.Candle
	err     error
}

func (r *fakeRecorder) RecordAppend(c model.Candle) error {
	r.appends = append(r.appends, c)
	return r.err
}

func (r *fakeRecorder) RecordPatch(c model.Candle) error {
	r.patches = append(r.patches, c)
	return r.err
}

func TestAppend_FirstCandleSetsGrid(t *testing.T) {
	s := New(nil)
	if err := s.Append(mkCandle(t0, "1", "2", "0.5", "1.5")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 candle, got %d", s.Len())
	}
}

func TestAppend_EnforcesContiguity(t *testing.T) {
	s := New(nil)
	if err := s.Append(mkCandle(t0, "1", "2", "0.5", "1.5")); err != nil {
		t.Fatal(err)
	}

	// Gap of two minutes must be rejected without mutating the store.
	err := s.Append(mkCandle(t0.Add(2*time.Minute), "1", "2", "0.5", "1.5"))
	if !errors.Is(err, ErrOutOfOrderCandle) {
		t.Fatalf("expected ErrOutOfOrderCandle, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("store mutated on rejected append: len=%d", s.Len())
	}

	// Duplicate open time is equally out of order.
	err = s.Append(mkCandle(t0, "1", "2", "0.5", "1.5"))
	if !errors.Is(err, ErrOutOfOrderCandle) {
		t.Fatalf("expected ErrOutOfOrderCandle for duplicate, got %v", err)
	}

	// The exact next minute is accepted.
	if err := s.Append(mkCandle(t0.Add(time.Minute), "1.5", "2", "1", "1.8")); err != nil {
		t.Fatalf("contiguous append: %v", err)
	}
}

func TestPatch_UnknownCandle(t *testing.T) {
	s := New(nil)
	err := s.Patch(t0, mkCandle(t0, "1", "2", "0.5", "1.5"))
	if !errors.Is(err, ErrUnknownCandle) {
		t.Fatalf("expected ErrUnknownCandle, got %v", err)
	}
}

func TestPatch_PinsOpenTime(t *testing.T) {
	s := New(nil)
	if err := s.Append(mkCandle(t0, "1", "2", "0.5", "1.5")); err != nil {
		t.Fatal(err)
	}

	// Patch values carry a different open time; it must be ignored.
	values := mkCandle(t0.Add(time.Hour), "1.1", "2.1", "0.6", "1.6")
	if err := s.Patch(t0, values); err != nil {
		t.Fatalf("patch: %v", err)
	}

	got, ok := s.At(t0)
	if !ok {
		t.Fatal("candle disappeared after patch")
	}
	if !got.OpenTime.Equal(t0) {
		t.Errorf("open time moved to %s", got.OpenTime)
	}
	if !got.Close.Equal(decimal.RequireFromString("1.6")) {
		t.Errorf("close not patched: %s", got.Close)
	}
}

func TestEvents_MutationOrder(t *testing.T) {
	s := New(nil)
	s.Append(mkCandle(t0, "1", "2", "0.5", "1.5"))
	s.Append(mkCandle(t0.Add(time.Minute), "1.5", "2", "1", "1.8"))
	s.Patch(t0, mkCandle(t0, "1", "2.5", "0.5", "1.5"))

	wantKinds := []EventKind{EventAppend, EventAppend, EventPatch}
	for i, want := range wantKinds {
		ev := <-s.Events()
		if ev.Kind != want {
			t.Fatalf("event %d: kind %s, want %s", i, ev.Kind, want)
		}
	}

	// The patch event carries the pre-patch candle.
	s.Patch(t0, mkCandle(t0, "1", "3", "0.5", "1.5"))
	ev := <-s.Events()
	if !ev.Prev.High.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("patch event prev high = %s, want 2.5", ev.Prev.High)
	}
}

func TestReaders_NotBlockedByFullEventChannel(t *testing.T) {
	s := New(nil)

	// Fill the event buffer without draining it.
	for i := 0; i < cap(s.events); i++ {
		if err := s.Append(mkCandle(t0.Add(time.Duration(i)*time.Minute), "1", "2", "0.5", "1.5")); err != nil {
			t.Fatal(err)
		}
	}

	// The next append blocks in the event send with no consumer.
	appendDone := make(chan struct{})
	go func() {
		s.Append(mkCandle(t0.Add(time.Duration(cap(s.events))*time.Minute), "1", "2", "0.5", "1.5"))
		close(appendDone)
	}()
	time.Sleep(20 * time.Millisecond)

	readDone := make(chan struct{})
	go func() {
		s.Last()
		s.LastN(5)
		s.Len()
		close(readDone)
	}()

	select {
	case <-readDone:
	case <-time.After(time.Second):
		t.Fatal("readers blocked behind a full event channel")
	}

	for i := 0; i < cap(s.events)+1; i++ {
		<-s.events
	}
	<-appendDone
}

func TestWriteThenNotify(t *testing.T) {
	rec := &fakeRecorder{}
	s := New(rec)
	s.Append(mkCandle(t0, "1", "2", "0.5", "1.5"))

	// By the time the event is readable the durable write already happened.
	<-s.Events()
	if len(rec.appends) != 1 {
		t.Fatalf("recorder saw %d appends, want 1", len(rec.appends))
	}

	s.Patch(t0, mkCandle(t0, "1", "2.5", "0.5", "1.5"))
	<-s.Events()
	if len(rec.patches) != 1 {
		t.Fatalf("recorder saw %d patches, want 1", len(rec.patches))
	}
}

func TestAppend_RecorderFailureIsNonFatal(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("disk full")}
	s := New(rec)
	if err := s.Append(mkCandle(t0, "1", "2", "0.5", "1.5")); err != nil {
		t.Fatalf("append must survive recorder failure: %v", err)
	}
	if s.Len() != 1 {
		t.Fatal("candle lost on recorder failure")
	}
}

func TestWindow(t *testing.T) {
	s := New(nil)
	for i := 0; i < 6; i++ {
		s.Append(mkCandle(t0.Add(time.Duration(i)*time.Minute), "1", "2", "0.5", "1.5"))
	}

	end := t0.Add(4 * time.Minute)
	win, ok := s.Window(end, 5)
	if !ok {
		t.Fatal("expected complete window")
	}
	if len(win) != 5 {
		t.Fatalf("window len %d, want 5", len(win))
	}
	if !win[0].OpenTime.Equal(t0) || !win[4].OpenTime.Equal(end) {
		t.Errorf("window bounds %s..%s", win[0].OpenTime, win[4].OpenTime)
	}

	// Incomplete coverage
	if _, ok := s.Window(t0.Add(time.Minute), 5); ok {
		t.Error("expected incomplete window to fail")
	}
	// Unknown end bar
	if _, ok := s.Window(t0.Add(time.Hour), 5); ok {
		t.Error("expected unknown end to fail")
	}
}

func TestLastN(t *testing.T) {
	s := New(nil)
	if got := s.LastN(3); got != nil {
		t.Errorf("empty store LastN = %v", got)
	}
	for i := 0; i < 4; i++ {
		s.Append(mkCandle(t0.Add(time.Duration(i)*time.Minute), "1", "2", "0.5", "1.5"))
	}
	got := s.LastN(2)
	if len(got) != 2 || !got[1].OpenTime.Equal(t0.Add(3*time.Minute)) {
		t.Errorf("LastN(2) = %v", got)
	}
	if got := s.LastN(100); len(got) != 4 {
		t.Errorf("LastN over length returned %d", len(got))
	}
}
