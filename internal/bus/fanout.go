// Package bus broadcasts candle store events to every consumer that needs
// them (strategy engine, verifier, notifier bridge) while preserving the
// store's mutation order per subscriber.
package bus

import (
	"context"
	"sync"

	"github.com/Tapyon/tradebot/internal/store"
)

// FanOut broadcasts events from a single input channel to N output
// channels. Sends block when a subscriber falls behind: store events carry
// correctness (anchor recomputation depends on seeing every mutation in
// order), so dropping is not an option here. Subscribers must drain.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan store.Event
	bufSize int
}

// New creates a FanOut with the given buffer size for output channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe creates and returns a new output channel. All subscriptions
// must happen before Run starts forwarding.
func (f *FanOut) Subscribe() <-chan store.Event {
	ch := make(chan store.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed; output channels are
// closed on exit.
func (f *FanOut) Run(ctx context.Context, input <-chan store.Event) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, ch := range f.outputs {
				select {
				case ch <- ev:
				case <-ctx.Done():
					f.mu.RUnlock()
					return
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports (length, capacity) for a subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns per-subscriber occupancy, for saturation gauges.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
