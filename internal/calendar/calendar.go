// Package calendar answers one question for the dispatcher: is delivery
// allowed at this instant. Blackout windows (holidays, quiet hours) plug in
// behind the Blackout interface.
package calendar

import "time"

// Blackout reports whether sends are suppressed at the given time. A
// blackout never fails an entry; the dispatcher simply leaves work pending
// and retries on the next trigger.
type Blackout interface {
	// Suppressed returns true and a human-readable reason when delivery
	// must wait.
	Suppressed(at time.Time) (bool, string)
}

// None is the default policy: delivery is always allowed.
type None struct{}

func (None) Suppressed(time.Time) (bool, string) { return false, "" }

// DailyWindow suppresses delivery outside [From, Until) each day, in the
// window's location. From == Until disables the window entirely.
type DailyWindow struct {
	From     time.Duration // offset from midnight
	Until    time.Duration
	Location *time.Location
}

func (w DailyWindow) Suppressed(at time.Time) (bool, string) {
	if w.From == w.Until {
		return false, ""
	}
	loc := w.Location
	if loc == nil {
		loc = time.Local
	}
	local := at.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	off := local.Sub(midnight)

	inside := false
	if w.From < w.Until {
		inside = off >= w.From && off < w.Until
	} else {
		// Window wraps midnight, e.g. 22:00 until 07:00.
		inside = off >= w.From || off < w.Until
	}
	if inside {
		return false, ""
	}
	return true, "outside delivery window"
}
