package allotment

import "time"

// PeriodID identifies the bi-weekly reset period containing t.
//
// Periods start on even ISO weeks in UTC. An odd week belongs to the
// period of the even week before it, so week 1 joins the last even week
// of the previous ISO year (and week 53, where it exists, joins week 52).
// The id is isoYear*100 + week of the period's first week.
func PeriodID(t time.Time) int {
	t = t.UTC()
	year, week := t.ISOWeek()
	for week%2 != 0 {
		t = t.AddDate(0, 0, -7)
		year, week = t.ISOWeek()
	}
	return year*100 + week
}

// ResetDue reports whether a host last reset at last must be reset at now.
// A host that was never reset is always due.
func ResetDue(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return PeriodID(last) != PeriodID(now)
}
