package util

import (
	"errors"
	"fmt"
	"time"

	"trendlab/internal/domain"
)

// ErrNoCalendar is returned for a timeframe without a session calendar.
var ErrNoCalendar = errors.New("no session calendar for timeframe")

// regularSessionMinutes is the length of the US regular trading session.
const regularSessionMinutes = 390

// tradingDaysPerYear is the conventional number of US trading days.
const tradingDaysPerYear = 252

// SessionCalendar describes the session grid of one timeframe. The engine
// walks sessions by index rather than by calendar day, so the same loop
// serves daily and intraday bars.
type SessionCalendar struct {
	timeframe domain.Timeframe
	step      time.Duration
}

var calendarSteps = map[domain.Timeframe]time.Duration{
	domain.Timeframe1Min:  time.Minute,
	domain.Timeframe5Min:  5 * time.Minute,
	domain.Timeframe15Min: 15 * time.Minute,
	domain.Timeframe30Min: 30 * time.Minute,
	domain.Timeframe1Hour: time.Hour,
	domain.TimeframeDaily: 24 * time.Hour,
}

// NewSessionCalendar returns the calendar for tf.
func NewSessionCalendar(tf domain.Timeframe) (*SessionCalendar, error) {
	step, ok := calendarSteps[tf]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoCalendar, tf)
	}
	return &SessionCalendar{timeframe: tf, step: step}, nil
}

// Timeframe returns the calendar's timeframe.
func (c *SessionCalendar) Timeframe() domain.Timeframe { return c.timeframe }

// Step returns the nominal bar length.
func (c *SessionCalendar) Step() time.Duration { return c.step }

// Intraday reports whether bars are shorter than a day.
func (c *SessionCalendar) Intraday() bool { return c.step < 24*time.Hour }

// Aligned reports whether t sits on the timeframe grid. Daily bars are
// stamped by the data vendor (midnight UTC, 04:00/05:00 UTC for ET) so any
// timestamp is accepted for them.
func (c *SessionCalendar) Aligned(t time.Time) bool {
	if !c.Intraday() {
		return true
	}
	return t.Truncate(c.step).Equal(t)
}

// SessionsPerYear returns the number of bars in a trading year, used to
// annualise per-bar return statistics.
func (c *SessionCalendar) SessionsPerYear() float64 {
	if !c.Intraday() {
		return tradingDaysPerYear
	}
	perDay := float64(regularSessionMinutes) / c.step.Minutes()
	return tradingDaysPerYear * perDay
}
