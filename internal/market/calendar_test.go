package market

import (
	"testing"
	"time"
)

func mustCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := NewCalendar("America/New_York")
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

// ny builds a local New York time on the given date
func ny(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

func TestSessionAt(t *testing.T) {
	c := mustCalendar(t)

	// 2026-08-24 is a Monday.
	tests := []struct {
		name string
		at   time.Time
		want Session
	}{
		{"before pre-market", ny(t, 2026, 8, 24, 3, 59), SessionClosed},
		{"pre-market start", ny(t, 2026, 8, 24, 4, 0), SessionPreMarket},
		{"just before open", ny(t, 2026, 8, 24, 9, 29), SessionPreMarket},
		{"regular open", ny(t, 2026, 8, 24, 9, 30), SessionOpen},
		{"mid session", ny(t, 2026, 8, 24, 12, 0), SessionOpen},
		{"just before close", ny(t, 2026, 8, 24, 15, 59), SessionOpen},
		{"at close", ny(t, 2026, 8, 24, 16, 0), SessionPostMarket},
		{"post-market end", ny(t, 2026, 8, 24, 20, 0), SessionClosed},
		{"saturday midday", ny(t, 2026, 8, 29, 12, 0), SessionClosed},
		{"sunday midday", ny(t, 2026, 8, 30, 12, 0), SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.SessionAt(tt.at); got != tt.want {
				t.Errorf("SessionAt(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestIsOpen(t *testing.T) {
	c := mustCalendar(t)

	if !c.IsOpen(ny(t, 2026, 8, 24, 10, 0)) {
		t.Error("expected open at Monday 10:00")
	}
	if c.IsOpen(ny(t, 2026, 8, 24, 8, 0)) {
		t.Error("pre-market must not count as open")
	}
	if c.IsOpen(ny(t, 2026, 8, 29, 10, 0)) {
		t.Error("Saturday must not count as open")
	}
}

func TestNextClose(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{"mid session same day", ny(t, 2026, 8, 24, 12, 0), ny(t, 2026, 8, 24, 16, 0)},
		{"after close rolls to next day", ny(t, 2026, 8, 24, 17, 0), ny(t, 2026, 8, 25, 16, 0)},
		{"friday evening rolls to monday", ny(t, 2026, 8, 28, 18, 0), ny(t, 2026, 8, 31, 16, 0)},
		{"saturday rolls to monday", ny(t, 2026, 8, 29, 12, 0), ny(t, 2026, 8, 31, 16, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.NextClose(tt.at); !got.Equal(tt.want) {
				t.Errorf("NextClose(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestRetryDeadline(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		// Failure during Monday's session: Monday's own close is not
		// the "next" session, so the window runs to Tuesday's close.
		{"failure mid session", ny(t, 2026, 8, 24, 11, 0), ny(t, 2026, 8, 25, 16, 0)},
		{"failure after close", ny(t, 2026, 8, 24, 18, 0), ny(t, 2026, 8, 25, 16, 0)},
		{"failure friday session", ny(t, 2026, 8, 28, 11, 0), ny(t, 2026, 8, 31, 16, 0)},
		{"failure on weekend", ny(t, 2026, 8, 29, 12, 0), ny(t, 2026, 8, 31, 16, 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.RetryDeadline(tt.at); !got.Equal(tt.want) {
				t.Errorf("RetryDeadline(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}
