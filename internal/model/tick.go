package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LiveTick is a single live price update from the streaming feed.
// Only the most recent tick is ever retained; ticks are never persisted.
type LiveTick struct {
	Price      decimal.Decimal `json:"price"`
	SourceTS   time.Time       `json:"source_ts"`   // exchange-reported timestamp
	ReceivedAt time.Time       `json:"received_at"` // local wall clock at receipt
}

// FreshAt reports whether the tick is recent enough (relative to now) to
// base a trading decision on. A stale tick must be treated as "no price".
func (t LiveTick) FreshAt(now time.Time, maxAge time.Duration) bool {
	return now.Sub(t.ReceivedAt) <= maxAge
}
