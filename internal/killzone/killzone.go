// Package killzone tracks the fixed UTC session windows during which
// institutional-style strategies are considered active.
package killzone

import "time"

// Window is one killzone session in whole UTC hours. A window is active for
// any time whose hour falls in [StartHour, EndHour].
type Window struct {
	Name      string
	StartHour int
	EndHour   int
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= w.StartHour && h <= w.EndHour
}

// Default killzones. Hand-tuned session hours, carried as configuration
// rather than invariants.
var (
	London  = Window{Name: "London", StartHour: 7, EndHour: 10}
	NewYork = Window{Name: "New York", StartHour: 13, EndHour: 16}
)

// Schedule is an ordered set of killzone windows.
type Schedule []Window

// DefaultSchedule returns the London and New York killzones.
func DefaultSchedule() Schedule {
	return Schedule{London, NewYork}
}

// Active returns the window containing t, or ok=false when every window is
// dormant.
func (s Schedule) Active(t time.Time) (Window, bool) {
	for _, w := range s {
		if w.Contains(t) {
			return w, true
		}
	}
	return Window{}, false
}

// NextOpen returns the start of the next killzone at or after t.
func (s Schedule) NextOpen(t time.Time) time.Time {
	u := t.UTC()
	for day := 0; day <= 1; day++ {
		d := u.AddDate(0, 0, day)
		for _, w := range s {
			open := time.Date(d.Year(), d.Month(), d.Day(), w.StartHour, 0, 0, 0, time.UTC)
			if !open.Before(u) {
				return open
			}
		}
	}
	// Unreachable with a non-empty schedule; fall back to tomorrow's first window.
	d := u.AddDate(0, 0, 1)
	return time.Date(d.Year(), d.Month(), d.Day(), s[0].StartHour, 0, 0, 0, time.UTC)
}

// Active reports whether t falls inside any default killzone.
func Active(t time.Time) bool {
	_, ok := DefaultSchedule().Active(t)
	return ok
}
