// Package markethours provides the session clock for the engine: trading
// hours, configured blackout windows (low-liquidity bands where no new
// signals are generated), and the end-of-session flatten threshold.
package markethours

import (
	"fmt"
	"time"
)

// Window is a daily time band expressed in minutes from midnight, local to
// the session's location. Start is inclusive, End exclusive.
type Window struct {
	Start int // minutes from midnight
	End   int
}

// Contains reports whether the minute-of-day m falls inside the window.
func (w Window) Contains(m int) bool {
	return m >= w.Start && m < w.End
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

// Session describes one venue's daily trading session.
type Session struct {
	Location *time.Location
	Open     Window   // the full trading day, e.g. 09:30-16:00
	Blackout []Window // bands where new signal generation is skipped

	// FlattenLead is how long before close positions are force-closed.
	FlattenLead time.Duration

	// Holidays holds non-trading weekdays as "2006-01-02" keys.
	Holidays map[string]bool
}

// NewSession builds a session with the given open/close minutes in loc.
func NewSession(loc *time.Location, openMin, closeMin int, flattenLead time.Duration) *Session {
	return &Session{
		Location:    loc,
		Open:        Window{Start: openMin, End: closeMin},
		FlattenLead: flattenLead,
		Holidays:    make(map[string]bool),
	}
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	lt := t.In(s.Location)
	wd := lt.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !s.Holidays[lt.Format("2006-01-02")]
}

// IsOpen returns true if t falls within trading hours on a trading day.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	return s.Open.Contains(s.minuteOf(t))
}

// InBlackout returns true with the matched window if t falls inside a
// configured blackout band. Checked before generator invocation so no
// signal computation is wasted.
func (s *Session) InBlackout(t time.Time) (bool, Window) {
	m := s.minuteOf(t)
	for _, w := range s.Blackout {
		if w.Contains(m) {
			return true, w
		}
	}
	return false, Window{}
}

// TodayClose returns today's close time in the session location.
func (s *Session) TodayClose(t time.Time) time.Time {
	lt := t.In(s.Location)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), s.Open.End/60, s.Open.End%60, 0, 0, s.Location)
}

// TimeUntilClose returns the duration until today's close, 0 if past close.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	d := s.TodayClose(t).Sub(t.In(s.Location))
	if d < 0 {
		return 0
	}
	return d
}

// ShouldFlatten reports whether t is inside the end-of-session flatten
// band: the session is open and close is at most FlattenLead away.
func (s *Session) ShouldFlatten(t time.Time) bool {
	if !s.IsOpen(t) {
		return false
	}
	return s.TimeUntilClose(t) <= s.FlattenLead
}

// Key returns a per-session identity string ("2006-01-02" of the trading
// day in the session location). Used for run-once-per-session guards.
func (s *Session) Key(t time.Time) string {
	return t.In(s.Location).Format("2006-01-02")
}

// StatusString returns a human-readable session status.
func (s *Session) StatusString(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("session open, closes in %s", s.TimeUntilClose(t).Round(time.Minute))
	}
	return "session closed"
}

func (s *Session) minuteOf(t time.Time) int {
	lt := t.In(s.Location)
	return lt.Hour()*60 + lt.Minute()
}
