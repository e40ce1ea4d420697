// Package store holds the in-memory time series of closed candles. It is
// the single source of truth for historical bars: the REST poller appends,
// the verifier patches, everything else only reads.
package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/Tapyon/tradebot/internal/model"
)

var (
	// ErrOutOfOrderCandle is returned by Append when the candle's open time
	// is not exactly one interval after the current last entry. It signals
	// an upstream logic bug, never a condition to silently drop.
	ErrOutOfOrderCandle = errors.New("candle out of order")

	// ErrUnknownCandle is returned by Patch when no candle exists at the
	// requested open time.
	ErrUnknownCandle = errors.New("no candle at open time")
)

// EventKind distinguishes a new bar from a correction to an existing bar.
type EventKind string

const (
	EventAppend EventKind = "append"
	EventPatch  EventKind = "patch"
)

// Event is emitted on the store's event channel after every successful
// mutation, in mutation order. Prev is only set for patches.
type Event struct {
	Kind   EventKind
	Candle model.Candle
	Prev   model.Candle
}

// Recorder persists candles durably. The store guarantees the write is
// issued before the corresponding event fires (write-then-notify).
type Recorder interface {
	RecordAppend(c model.Candle) error
	RecordPatch(c model.Candle) error
}

const (
	defaultMaxLen     = 2000
	defaultEventDepth = 1024
)

// Store is an ordered-by-time collection of closed 1-minute candles.
// Open times are strictly increasing with a fixed one-interval step; a
// stored candle is immutable except for OHLCV corrections via Patch.
type Store struct {
	// wmu serializes writers end to end so persistence and events fire
	// in mutation order. mu guards only the slice; readers never wait
	// behind a slow event consumer.
	wmu      sync.Mutex
	mu       sync.RWMutex
	interval time.Duration
	candles  []model.Candle
	rec      Recorder
	events   chan Event
	maxLen   int
}

// New creates a Store. rec may be nil (no durable persistence, tests only).
func New(rec Recorder) *Store {
	return &Store{
		interval: model.Interval,
		rec:      rec,
		events:   make(chan Event, defaultEventDepth),
		maxLen:   defaultMaxLen,
	}
}

// Events returns the ordered mutation event channel. Single consumer; fan
// out downstream if more than one subscriber needs it.
func (s *Store) Events() <-chan Event {
	return s.events
}

// CloseEvents closes the event channel. Call only after all writers
// (poller, verifier) have stopped.
func (s *Store) CloseEvents() {
	close(s.events)
}

// Append adds a closed candle to the end of the series. The first candle
// sets the grid; afterwards the open time must be exactly lastOpen+interval,
// otherwise ErrOutOfOrderCandle is returned and nothing is mutated.
func (s *Store) Append(c model.Candle) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	if n := len(s.candles); n > 0 {
		want := s.candles[n-1].OpenTime.Add(s.interval)
		if !c.OpenTime.Equal(want) {
			s.mu.Unlock()
			return fmt.Errorf("%w: got %s, want %s",
				ErrOutOfOrderCandle, c.OpenTime.UTC().Format(time.RFC3339), want.UTC().Format(time.RFC3339))
		}
	}

	s.candles = append(s.candles, c)
	if s.maxLen > 0 && len(s.candles) > s.maxLen {
		s.candles = append(s.candles[:0:0], s.candles[len(s.candles)-s.maxLen:]...)
	}
	s.mu.Unlock()

	if s.rec != nil {
		if err := s.rec.RecordAppend(c); err != nil {
			log.Printf("[store] durable append failed for %s: %v", c.OpenTime.UTC().Format(time.RFC3339), err)
		}
	}

	s.events <- Event{Kind: EventAppend, Candle: c}
	return nil
}

// Patch overwrites the OHLCV fields of the candle at openTime. The open
// time itself never changes. Returns ErrUnknownCandle if no such bar exists.
func (s *Store) Patch(openTime time.Time, values model.Candle) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	i, ok := s.indexOf(openTime)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCandle, openTime.UTC().Format(time.RFC3339))
	}

	prev := s.candles[i]
	patched := model.Candle{
		OpenTime: prev.OpenTime, // pinned
		Open:     values.Open,
		High:     values.High,
		Low:      values.Low,
		Close:    values.Close,
		Volume:   values.Volume,
	}
	s.candles[i] = patched
	s.mu.Unlock()

	if s.rec != nil {
		if err := s.rec.RecordPatch(patched); err != nil {
			log.Printf("[store] durable patch failed for %s: %v", prev.OpenTime.UTC().Format(time.RFC3339), err)
		}
	}

	s.events <- Event{Kind: EventPatch, Candle: patched, Prev: prev}
	return nil
}

// LastN returns the n most recent candles in time order. Returns fewer
// than n only while the store is still filling up after startup.
func (s *Store) LastN(n int) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.candles) == 0 {
		return nil
	}
	if n > len(s.candles) {
		n = len(s.candles)
	}
	out := make([]model.Candle, n)
	copy(out, s.candles[len(s.candles)-n:])
	return out
}

// Last returns the most recent candle, if any.
func (s *Store) Last() (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.candles) == 0 {
		return model.Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// At returns the candle with the given open time, if present.
func (s *Store) At(openTime time.Time) (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.indexOf(openTime)
	if !ok {
		return model.Candle{}, false
	}
	return s.candles[i], true
}

// Window returns the n consecutive candles ending at endOpenTime
// (inclusive), oldest first. ok is false unless all n bars are present.
func (s *Store) Window(endOpenTime time.Time, n int) ([]model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, found := s.indexOf(endOpenTime)
	if !found || n <= 0 || i+1 < n {
		return nil, false
	}
	out := make([]model.Candle, n)
	copy(out, s.candles[i+1-n:i+1])
	return out, true
}

// Len returns the number of stored candles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// indexOf locates a candle by open time. Callers must hold at least a
// read lock. Binary search over the strictly increasing series.
func (s *Store) indexOf(openTime time.Time) (int, bool) {
	i := sort.Search(len(s.candles), func(j int) bool {
		return !s.candles[j].OpenTime.Before(openTime)
	})
	if i < len(s.candles) && s.candles[i].OpenTime.Equal(openTime) {
		return i, true
	}
	return 0, false
}
