// Package market provides the trading-session calendar. Cache freshness,
// the order retry window, and reconciliation scheduling all depend on it.
package market

import (
	"fmt"
	"time"
)

// Session partitions the trading day
type Session string

const (
	SessionPreMarket  Session = "pre_market"
	SessionOpen       Session = "open"
	SessionPostMarket Session = "post_market"
	SessionClosed     Session = "closed"
)

// minuteOfDay is minutes since local midnight
type minuteOfDay int

// Calendar answers session questions for a single equity market.
// Defaults match US equities: pre-market 04:00, regular 09:30-16:00,
// post-market until 20:00, Monday through Friday.
type Calendar struct {
	loc       *time.Location
	preOpen   minuteOfDay
	open      minuteOfDay
	close     minuteOfDay
	postClose minuteOfDay
}

// NewCalendar creates a calendar for the given IANA timezone
func NewCalendar(timezone string) (*Calendar, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid market timezone %q: %w", timezone, err)
	}
	return &Calendar{
		loc:       loc,
		preOpen:   4 * 60,
		open:      9*60 + 30,
		close:     16 * 60,
		postClose: 20 * 60,
	}, nil
}

// Location returns the market's timezone
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsTradingDay reports whether t falls on a weekday
func (c *Calendar) IsTradingDay(t time.Time) bool {
	wd := t.In(c.loc).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// SessionAt returns the session partition containing t
func (c *Calendar) SessionAt(t time.Time) Session {
	local := t.In(c.loc)
	if !c.IsTradingDay(local) {
		return SessionClosed
	}

	m := minuteOfDay(local.Hour()*60 + local.Minute())
	switch {
	case m >= c.preOpen && m < c.open:
		return SessionPreMarket
	case m >= c.open && m < c.close:
		return SessionOpen
	case m >= c.close && m < c.postClose:
		return SessionPostMarket
	default:
		return SessionClosed
	}
}

// IsOpen reports whether the regular session is in progress at t
func (c *Calendar) IsOpen(t time.Time) bool {
	return c.SessionAt(t) == SessionOpen
}

// closeOn returns the regular-session close on the day containing t
func (c *Calendar) closeOn(t time.Time) time.Time {
	local := t.In(c.loc)
	return time.Date(local.Year(), local.Month(), local.Day(),
		int(c.close)/60, int(c.close)%60, 0, 0, c.loc)
}

// nextTradingDay returns the first weekday strictly after t's day
func (c *Calendar) nextTradingDay(t time.Time) time.Time {
	d := t.In(c.loc).AddDate(0, 0, 1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// NextClose returns the close of the first trading session whose close is
// strictly after t.
func (c *Calendar) NextClose(t time.Time) time.Time {
	local := t.In(c.loc)
	if c.IsTradingDay(local) && local.Before(c.closeOn(local)) {
		return c.closeOn(local)
	}
	return c.closeOn(c.nextTradingDay(local))
}

// RetryDeadline returns the close of the next trading session after the
// one containing failedAt. A failed order is retriable until this moment.
// Failures outside any session treat the first upcoming session as "next".
func (c *Calendar) RetryDeadline(failedAt time.Time) time.Time {
	first := c.NextClose(failedAt)
	local := failedAt.In(c.loc)
	if c.IsTradingDay(local) && local.Before(c.closeOn(local)) {
		// Failure inside a session day: its own close does not count as
		// the next session, so extend to the following session close.
		return c.NextClose(first)
	}
	return first
}
