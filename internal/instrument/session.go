package instrument

import "time"

const (
	CloseReasonSessionEnd = "session_end"
	CloseReasonWeekend    = "weekend"
)

// AutoCloseRule decides when an open position must be flattened because its
// market is about to close.
type AutoCloseRule struct {
	// Window before the session's trade end during which positions are closed.
	Window time.Duration
	// WeekendCutoff is the Friday UTC time, in minutes after midnight, from
	// which FX positions are closed.
	WeekendCutoff int
}

// ShouldClose reports whether a position in spec must be closed at now, and why.
func (r AutoCloseRule) ShouldClose(spec Spec, now time.Time) (bool, string) {
	if spec.Session != nil && spec.Session.Location != nil {
		local := now.In(spec.Session.Location)
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, spec.Session.Location)
		end := midnight.Add(time.Duration(spec.Session.TradeEnd) * time.Minute)
		if !local.Before(end.Add(-r.Window)) {
			return true, CloseReasonSessionEnd
		}
	}

	if spec.Forex {
		utc := now.UTC()
		minutes := utc.Hour()*60 + utc.Minute()
		if utc.Weekday() == time.Friday && minutes >= r.WeekendCutoff {
			return true, CloseReasonWeekend
		}
	}

	return false, ""
}
