package credits

import "time"

// WindowFrom computes a rolling accounting window starting at start:
// end = start + 1 calendar month - 1 second. Month arithmetic follows
// time.AddDate's calendar rules, never a fixed 30-day duration.
func WindowFrom(start time.Time) (time.Time, time.Time) {
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return start, end
}

// EnsurePeriod makes sure sub carries a rolling window containing now,
// advancing one month at a time and resetting usage at every boundary so a
// subscription untouched for several months still accounts each window
// separately. Returns true if the row was mutated.
//
// Idempotent: calling it again while now is inside the current window
// changes nothing.
func EnsurePeriod(sub *Subscription, now time.Time) bool {
	if sub.CurrentPeriodStart == nil || sub.CurrentPeriodEnd == nil {
		start, end := WindowFrom(now)
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.PeriodUsage = 0
		return true
	}

	changed := false
	for now.After(*sub.CurrentPeriodEnd) {
		start, end := WindowFrom(sub.CurrentPeriodEnd.Add(time.Second))
		sub.CurrentPeriodStart = &start
		sub.CurrentPeriodEnd = &end
		sub.PeriodUsage = 0
		changed = true
	}
	return changed
}
