// Package clock provides the simulated wall clock for a single backtest
// run. The replayer is the only writer; every other component reads
// simulated time from here and never from the system clock.
package clock

import (
	"errors"
	"fmt"
	"time"

	"github.com/sammarten/signal/internal/market"
)

// ErrClockNotStarted is returned by time-derived queries before the first
// Advance.
var ErrClockNotStarted = errors.New("clock: not started")

// ErrTimeWentBackwards reports a non-monotonic Advance. Replay ordering
// guarantees this never happens; seeing it means a programming bug
// upstream.
var ErrTimeWentBackwards = errors.New("clock: time went backwards")

// Clock holds the current simulated instant for one run.
type Clock struct {
	current time.Time
	started bool
}

// New returns an unstarted clock.
func New() *Clock {
	return &Clock{}
}

// Advance moves the clock to t. Values must be non-decreasing.
func (c *Clock) Advance(t time.Time) error {
	if c.started && t.Before(c.current) {
		return fmt.Errorf("%w: %s -> %s", ErrTimeWentBackwards,
			c.current.Format(time.RFC3339), t.Format(time.RFC3339))
	}
	c.current = t.UTC()
	c.started = true
	return nil
}

// Started reports whether Advance has been called at least once.
func (c *Clock) Started() bool {
	return c.started
}

// Now returns the current simulated time in UTC.
func (c *Clock) Now() (time.Time, error) {
	if !c.started {
		return time.Time{}, ErrClockNotStarted
	}
	return c.current, nil
}

// TodayET returns the current ET calendar date at midnight ET.
func (c *Clock) TodayET() (time.Time, error) {
	if !c.started {
		return time.Time{}, ErrClockNotStarted
	}
	et := market.ToEastern(c.current)
	y, m, d := et.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, et.Location()), nil
}

// TimeET returns the current instant localized to ET.
func (c *Clock) TimeET() (time.Time, error) {
	if !c.started {
		return time.Time{}, ErrClockNotStarted
	}
	return market.ToEastern(c.current), nil
}

// MarketOpen reports whether the current ET time-of-day lies in
// [09:30, 16:00). False on an unstarted clock.
func (c *Clock) MarketOpen() bool {
	if !c.started {
		return false
	}
	return market.InRegularHours(c.current)
}
