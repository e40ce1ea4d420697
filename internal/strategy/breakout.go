// Package strategy implements the breakout 2x1 trading state machine.
//
// The engine derives blue limits (high/low of the five 1-minute candles
// ending at the daily anchor time), watches newly closed candles for a
// breakout beyond either limit, and then resolves the position against
// live ticks: take-profit at twice the entry risk, stop-loss at once the
// entry risk. The cycle Idle -> Armed -> InPosition -> Closed -> Idle
// repeats for every anchor occurrence, unbounded.
package strategy

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Tapyon/tradebot/internal/anchor"
	"github.com/Tapyon/tradebot/internal/model"
	"github.com/Tapyon/tradebot/internal/store"
)

// Phase is the engine's position in the trading cycle.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseArmed      Phase = "armed"
	PhaseInPosition Phase = "in_position"
	PhaseClosed     Phase = "closed"
)

// Direction of an open position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// CloseReason says which violet level was touched.
type CloseReason string

const (
	TakeProfit CloseReason = "take_profit"
	StopLoss   CloseReason = "stop_loss"
)

// TieBreak selects the direction when a single wide-range candle breaches
// both blue limits at once.
type TieBreak string

const (
	// TieBreakDistance picks the boundary crossed by the larger absolute
	// distance; Long wins an exact tie.
	TieBreakDistance TieBreak = "distance"
	TieBreakLong     TieBreak = "long"
	TieBreakShort    TieBreak = "short"
)

// TradeState is the engine's externally visible state snapshot.
// Entry, violet and exit fields are only meaningful in the phases that
// set them.
type TradeState struct {
	Phase          Phase           `json:"phase"`
	AnchorOpenTime time.Time       `json:"anchor_open_time"`
	BlueHigh       decimal.Decimal `json:"blue_high"`
	BlueLow        decimal.Decimal `json:"blue_low"`

	PositionID string          `json:"position_id,omitempty"`
	Direction  Direction       `json:"direction,omitempty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	VioletHigh decimal.Decimal `json:"violet_high"`
	VioletLow  decimal.Decimal `json:"violet_low"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`

	ExitPrice decimal.Decimal `json:"exit_price"`
	Reason    CloseReason     `json:"reason,omitempty"`
}

// windowSize is the number of candles in the anchor window (the anchor
// candle plus its four predecessors).
const windowSize = 5

// riskReward is the profit multiple of the entry risk ("2x1").
var riskReward = decimal.NewFromInt(2)

// TickReader exposes the latest live tick without blocking.
type TickReader interface {
	Latest() (model.LiveTick, bool)
}

// Config configures the engine.
type Config struct {
	Schedule       anchor.Schedule
	TickStaleAfter time.Duration   // ticks older than this are "no price"
	TieBreak       TieBreak        // both-limits-breached resolution
	PriceStep      decimal.Decimal // exchange price grid; violet levels are quantized to it
}

// Engine consumes candle store events and live ticks and owns TradeState
// exclusively. Run is the only writer; State may be read from anywhere.
type Engine struct {
	mu    sync.RWMutex
	cfg   Config
	store *store.Store
	ticks TickReader
	state TradeState

	now func() time.Time

	// OnTransition is invoked after every state change, outside the lock.
	OnTransition func(old, new TradeState, reason string)
}

// New creates an engine anchored at the schedule's occurrence on the
// current local day.
func New(cfg Config, st *store.Store, ticks TickReader) *Engine {
	if cfg.TickStaleAfter <= 0 {
		cfg.TickStaleAfter = 10 * time.Second
	}
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakDistance
	}
	e := &Engine{
		cfg:   cfg,
		store: st,
		ticks: ticks,
		now:   time.Now,
	}
	e.state = TradeState{
		Phase:          PhaseIdle,
		AnchorOpenTime: cfg.Schedule.Today(e.now()),
	}
	return e
}

// State returns a copy of the current trade state.
func (e *Engine) State() TradeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Run processes store events and live ticks until ctx is cancelled or
// both channels close. Events must arrive in store mutation order.
func (e *Engine) Run(ctx context.Context, events <-chan store.Event, tickCh <-chan model.LiveTick) {
	// One arming attempt up front: after priming, the anchor window may
	// already be complete before any new event arrives.
	e.tryArm("anchor window available at startup")

	for events != nil || tickCh != nil {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case store.EventAppend:
				e.onAppend(ev.Candle)
			case store.EventPatch:
				e.onPatch(ev.Candle)
			}
		case tick, ok := <-tickCh:
			if !ok {
				tickCh = nil
				continue
			}
			e.onTick(tick)
		}
	}
}

// onAppend handles a newly closed candle.
func (e *Engine) onAppend(c model.Candle) {
	switch e.State().Phase {
	case PhaseIdle:
		e.tryArm("anchor candle closed")
		if e.State().Phase == PhaseArmed && c.OpenTime.After(e.State().AnchorOpenTime) {
			e.evalBreakout(c)
		}
	case PhaseArmed:
		if e.rollAnchorIfDue(c) {
			return
		}
		if c.OpenTime.After(e.State().AnchorOpenTime) {
			e.evalBreakout(c)
		}
	case PhaseInPosition:
		// Closed-candle data never drives TP/SL; exits react at tick
		// latency only.
	}
}

// onPatch handles a correction to a stored candle. Patches to the anchor
// window recompute the blue limits while no position is open; an active
// trade's levels stay frozen at entry.
func (e *Engine) onPatch(c model.Candle) {
	st := e.State()
	if st.Phase == PhaseInPosition {
		return
	}
	start := st.AnchorOpenTime.Add(-time.Duration(windowSize-1) * model.Interval)
	if c.OpenTime.Before(start) || c.OpenTime.After(st.AnchorOpenTime) {
		return
	}
	e.tryArm("anchor window corrected")
}

// onTick resolves an open position against the violet levels. A stale
// tick means "no live price": skip rather than act on unsafe data.
func (e *Engine) onTick(t model.LiveTick) {
	st := e.State()
	if st.Phase != PhaseInPosition {
		return
	}
	if !t.FreshAt(e.now(), e.cfg.TickStaleAfter) {
		return
	}

	switch st.Direction {
	case Long:
		if t.Price.GreaterThanOrEqual(st.TakeProfit) {
			e.closePosition(TakeProfit, st.TakeProfit, t)
		} else if t.Price.LessThanOrEqual(st.StopLoss) {
			e.closePosition(StopLoss, st.StopLoss, t)
		}
	case Short:
		if t.Price.LessThanOrEqual(st.TakeProfit) {
			e.closePosition(TakeProfit, st.TakeProfit, t)
		} else if t.Price.GreaterThanOrEqual(st.StopLoss) {
			e.closePosition(StopLoss, st.StopLoss, t)
		}
	}
}

// tryArm recomputes the blue limits from the five candles ending at the
// current anchor open time. No-op while the window is incomplete.
func (e *Engine) tryArm(reason string) {
	e.mu.Lock()
	if e.state.Phase == PhaseInPosition {
		e.mu.Unlock()
		return
	}
	window, ok := e.store.Window(e.state.AnchorOpenTime, windowSize)
	if !ok {
		e.mu.Unlock()
		return
	}

	high := window[0].High
	low := window[0].Low
	for _, c := range window[1:] {
		if c.High.GreaterThan(high) {
			high = c.High
		}
		if c.Low.LessThan(low) {
			low = c.Low
		}
	}

	old := e.state
	if old.Phase == PhaseArmed && old.BlueHigh.Equal(high) && old.BlueLow.Equal(low) {
		e.mu.Unlock()
		return
	}

	e.state = TradeState{
		Phase:          PhaseArmed,
		AnchorOpenTime: old.AnchorOpenTime,
		BlueHigh:       high,
		BlueLow:        low,
	}
	next := e.state
	e.mu.Unlock()

	log.Printf("[strategy] armed: blue high=%s low=%s (anchor %s)",
		high, low, next.AnchorOpenTime.UTC().Format("15:04"))
	e.emit(old, next, reason)
}

// rollAnchorIfDue advances to the next anchor occurrence when its candle
// closes while still Armed with no breakout; the window is recomputed at
// the new anchor. Returns true if the anchor moved.
func (e *Engine) rollAnchorIfDue(c model.Candle) bool {
	e.mu.Lock()
	nextAnchor := e.cfg.Schedule.Next(e.state.AnchorOpenTime)
	if !c.OpenTime.Equal(nextAnchor) {
		e.mu.Unlock()
		return false
	}
	e.state.AnchorOpenTime = nextAnchor
	e.mu.Unlock()

	e.tryArm("anchor rolled to next occurrence")
	return true
}

// evalBreakout checks a post-anchor candle against the blue limits and
// opens a position on the first qualifying bar.
func (e *Engine) evalBreakout(c model.Candle) {
	e.mu.Lock()
	st := e.state
	if st.Phase != PhaseArmed {
		e.mu.Unlock()
		return
	}

	longBreach := c.Open.GreaterThan(st.BlueHigh) || c.Close.GreaterThan(st.BlueHigh)
	shortBreach := c.Open.LessThan(st.BlueLow) || c.Close.LessThan(st.BlueLow)
	if !longBreach && !shortBreach {
		e.mu.Unlock()
		return
	}

	dir := e.pickDirection(c, st, longBreach, shortBreach)

	entry := c.Close
	var breached decimal.Decimal
	if dir == Long {
		breached = st.BlueHigh
	} else {
		breached = st.BlueLow
	}
	risk := entry.Sub(breached).Abs()

	var tp, sl decimal.Decimal
	if dir == Long {
		tp = e.quantize(entry.Add(risk.Mul(riskReward)))
		sl = e.quantize(entry.Sub(risk))
	} else {
		tp = e.quantize(entry.Sub(risk.Mul(riskReward)))
		sl = e.quantize(entry.Add(risk))
	}

	violetHigh, violetLow := tp, sl
	if dir == Short {
		violetHigh, violetLow = sl, tp
	}

	old := e.state
	e.state = TradeState{
		Phase:          PhaseInPosition,
		AnchorOpenTime: st.AnchorOpenTime,
		BlueHigh:       st.BlueHigh,
		BlueLow:        st.BlueLow,
		PositionID:     uuid.NewString(),
		Direction:      dir,
		EntryPrice:     entry,
		VioletHigh:     violetHigh,
		VioletLow:      violetLow,
		TakeProfit:     tp,
		StopLoss:       sl,
	}
	next := e.state
	e.mu.Unlock()

	log.Printf("[strategy] enter %s @ %s | stop %s | target %s (candle %s)",
		dir, entry, sl, tp, c.OpenTime.UTC().Format("15:04"))
	e.emit(old, next, "breakout candle "+c.OpenTime.UTC().Format(time.RFC3339))

	// The market may already sit past a violet level by the time the
	// breakout bar closes; resolve against the latest tick right away
	// instead of waiting for the next one.
	if e.ticks != nil {
		if t, ok := e.ticks.Latest(); ok {
			e.onTick(t)
		}
	}
}

// pickDirection resolves the breakout direction, including the wide-range
// bar that breaches both limits at once.
func (e *Engine) pickDirection(c model.Candle, st TradeState, longBreach, shortBreach bool) Direction {
	switch {
	case longBreach && !shortBreach:
		return Long
	case shortBreach && !longBreach:
		return Short
	}

	switch e.cfg.TieBreak {
	case TieBreakLong:
		return Long
	case TieBreakShort:
		return Short
	default:
		longDist := decimal.Max(c.Open, c.Close).Sub(st.BlueHigh)
		shortDist := st.BlueLow.Sub(decimal.Min(c.Open, c.Close))
		if shortDist.GreaterThan(longDist) {
			return Short
		}
		return Long
	}
}

// closePosition exits at the touched violet level and immediately cycles
// back to Idle, anchored at the next occurrence.
func (e *Engine) closePosition(reason CloseReason, level decimal.Decimal, t model.LiveTick) {
	e.mu.Lock()
	old := e.state
	closed := old
	closed.Phase = PhaseClosed
	closed.ExitPrice = level
	closed.Reason = reason
	e.state = closed
	e.mu.Unlock()

	log.Printf("[strategy] exit %s @ %s (tick %s)", reason, level, t.Price)
	e.emit(old, closed, "tick touched "+string(reason)+" level")

	// Closed is terminal for the cycle only: re-arm for the next anchor.
	e.mu.Lock()
	idle := TradeState{
		Phase:          PhaseIdle,
		AnchorOpenTime: e.cfg.Schedule.Next(closed.AnchorOpenTime),
	}
	e.state = idle
	e.mu.Unlock()

	e.emit(closed, idle, "cycle complete, awaiting next anchor")
}

// quantize snaps a price to the configured exchange step grid.
func (e *Engine) quantize(p decimal.Decimal) decimal.Decimal {
	if e.cfg.PriceStep.IsZero() {
		return p
	}
	return p.Div(e.cfg.PriceStep).Round(0).Mul(e.cfg.PriceStep)
}

func (e *Engine) emit(old, next TradeState, reason string) {
	if e.OnTransition != nil {
		e.OnTransition(old, next, reason)
	}
}
