// ABOUTME: Quiet-hours window used to defer non-critical notifications
// ABOUTME: Handles windows that wrap past midnight

package notify

import "time"

// QuietHours is a daily window [StartHour, EndHour) in Location. A start hour
// greater than the end hour wraps past midnight.
type QuietHours struct {
	Enabled   bool
	StartHour int
	EndHour   int
	Location  *time.Location
}

func (q QuietHours) loc() *time.Location {
	if q.Location == nil {
		return time.Local
	}
	return q.Location
}

// Contains reports whether t falls inside the window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled || q.StartHour == q.EndHour {
		return false
	}
	h := t.In(q.loc()).Hour()
	if q.StartHour < q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}
	return h >= q.StartHour || h < q.EndHour
}

// NextEnd returns the first end of the window strictly after t.
func (q QuietHours) NextEnd(t time.Time) time.Time {
	lt := t.In(q.loc())
	end := time.Date(lt.Year(), lt.Month(), lt.Day(), q.EndHour, 0, 0, 0, q.loc())
	if !end.After(lt) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
