// Package engine runs the autonomous trading cycles: options and equity
// entry scans, position monitoring and order execution.
package engine

import "time"

// easternTime is the trading calendar timezone. All session math runs in ET.
var easternTime = mustLoadLocation("America/New_York")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// Session describes where now falls in the regular ET trading day.
type Session struct {
	Open             bool
	MinutesSinceOpen int
	MinutesToClose   int
}

// CurrentSession computes the regular-hours session state for a moment in
// time: ET weekdays, [09:30, 16:00).
func CurrentSession(now time.Time) Session {
	et := now.In(easternTime)
	if et.Weekday() == time.Saturday || et.Weekday() == time.Sunday {
		return Session{}
	}

	open := time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, easternTime)
	close := time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, easternTime)
	if et.Before(open) || !et.Before(close) {
		return Session{}
	}

	return Session{
		Open:             true,
		MinutesSinceOpen: int(et.Sub(open).Minutes()),
		MinutesToClose:   int(close.Sub(et).Minutes()),
	}
}
