package core

// StreakUpdate is the result of a streak transition.
type StreakUpdate struct {
	Count              int
	LastCompletionDate Date
}

// AdvanceStreak computes the streak after a completion on today.
// A repeated completion on the same day keeps the count; the next calendar day
// extends it; anything else (a gap, no previous completion, a clock that moved
// backwards) starts a new streak at 1. LastCompletionDate is always today.
func AdvanceStreak(count int, last, today Date) StreakUpdate {
	next := 1
	switch {
	case last.IsZero():
	case today == last:
		next = count
	case today == last.AddDays(1):
		next = count + 1
	}
	return StreakUpdate{Count: next, LastCompletionDate: today}
}

// NextStreak returns only the new count of AdvanceStreak.
func NextStreak(count int, last, today Date) int {
	return AdvanceStreak(count, last, today).Count
}
