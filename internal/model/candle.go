package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is the fixed candle timeframe. The whole system operates on
// closed 1-minute bars; the store rejects anything off this grid.
const Interval = time.Minute

// Candle represents a closed 1-minute OHLC bar for the configured pair.
// Prices and volume use decimal.Decimal so that verification against the
// exchange's own values can be an exact comparison, not an epsilon check.
type Candle struct {
	OpenTime time.Time       `json:"open_time"` // bucket start (UTC, minute-aligned)
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Equal reports whether two candles match field-by-field with exact
// decimal equality. REST re-verification relies on this being strict.
func (c Candle) Equal(o Candle) bool {
	return c.OpenTime.Equal(o.OpenTime) &&
		c.Open.Equal(o.Open) &&
		c.High.Equal(o.High) &&
		c.Low.Equal(o.Low) &&
		c.Close.Equal(o.Close) &&
		c.Volume.Equal(o.Volume)
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
