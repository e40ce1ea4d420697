// Package anchor computes the daily anchor instant: the configured local
// wall-clock time (at a fixed UTC offset) mapped onto the UTC minute grid.
// The anchor candle and its four predecessors form the blue-limit window.
package anchor

import (
	"fmt"
	"time"
)

// Schedule describes the recurring anchor time.
type Schedule struct {
	Hour      int // local hour, 0-23
	Minute    int // local minute, 0-59
	UTCOffset int // fixed offset in hours, e.g. -6
}

// Validate checks the schedule fields. The anchor directly determines
// trading behavior, so an invalid schedule must never be defaulted away.
func (s Schedule) Validate() error {
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("anchor hour %d out of range [0,23]", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("anchor minute %d out of range [0,59]", s.Minute)
	}
	if s.UTCOffset < -12 || s.UTCOffset > 14 {
		return fmt.Errorf("utc offset %+d out of range [-12,+14]", s.UTCOffset)
	}
	return nil
}

// Zone returns the fixed-offset location for the schedule.
func (s Schedule) Zone() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", s.UTCOffset), s.UTCOffset*3600)
}

// Today returns the UTC instant of the anchor on the local day containing
// now.
func (s Schedule) Today(now time.Time) time.Time {
	local := now.In(s.Zone())
	at := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, s.Zone())
	return at.UTC()
}

// Effective clamps a future anchor to the newest closed minute, so startup
// priming has a concrete window to work against even before the anchor
// minute arrives.
func (s Schedule) Effective(now time.Time) time.Time {
	today := s.Today(now)
	closed := now.UTC().Truncate(time.Minute)
	if today.Before(closed) {
		return today
	}
	return closed
}

// Next returns the first anchor occurrence strictly after t.
func (s Schedule) Next(t time.Time) time.Time {
	at := s.Today(t)
	for !at.After(t) {
		at = at.Add(24 * time.Hour)
	}
	return at
}

// String formats the schedule, e.g. "07:35 UTC-6".
func (s Schedule) String() string {
	return fmt.Sprintf("%02d:%02d UTC%+d", s.Hour, s.Minute, s.UTCOffset)
}
