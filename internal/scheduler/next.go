package scheduler

import (
	"time"

	"greetd/internal/domain"
)

// NextExecution returns the next instant ev should fire, or nil when no
// future firing remains. It has no side effects.
//
// Precedence: advance notice, then the occurrence itself. Yearly events are
// evaluated against their upcoming anniversary, so a passed occurrence rolls
// forward by whole years and the advance notice recurs every year.
func NextExecution(ev *domain.Event, loc *time.Location, now time.Time) *time.Time {
	once := ev.Recurrence == domain.RecurOnce
	if once && (ev.Status == domain.EventCompleted || ev.Status == domain.EventCancelled) {
		return nil
	}
	at := ev.Occurrence(loc)
	if once && at.Before(now) {
		return nil
	}
	if ev.Recurrence == domain.RecurYearly && !at.After(now) {
		at = nextAnniversary(at, now)
	}
	if ev.AdvanceNoticeDays > 0 {
		if early := at.AddDate(0, 0, -ev.AdvanceNoticeDays); early.After(now) {
			return &early
		}
	}
	// Day-of sending and the plain occurrence resolve to the same instant.
	return &at
}

// nextAnniversary returns the first anniversary of at strictly after now.
func nextAnniversary(at, now time.Time) time.Time {
	k := now.In(at.Location()).Year() - at.Year()
	if k < 1 {
		k = 1
	}
	next := domain.AddYears(at, k)
	for !next.After(now) {
		k++
		next = domain.AddYears(at, k)
	}
	return next
}
