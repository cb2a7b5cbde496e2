package baseline

import "sentryd/internal/store"

// Snapshot is a user's profile as it stood before an event was applied.
// Known is false when the user had never been seen; consumers treat the
// zero profile as "no expectation" rather than "expects nothing".
type Snapshot struct {
	Baseline store.Baseline
	Known    bool

	minHourObservations int64
}

// totalObservations sums the hour histogram.
func (s *Snapshot) totalObservations() int64 {
	var total int64
	for _, n := range s.Baseline.ActiveHours {
		total += n
	}
	return total
}

// PeakHour returns the hour-of-day (UTC) with the most observed activity.
// The second return is false when the histogram is too sparse to trust.
func (s *Snapshot) PeakHour() (int, bool) {
	if !s.Known || s.totalObservations() < s.minHourObservations {
		return 0, false
	}
	peak := 0
	for h := 1; h < 24; h++ {
		if s.Baseline.ActiveHours[h] > s.Baseline.ActiveHours[peak] {
			peak = h
		}
	}
	return peak, true
}

// TypicalHours returns the user's typical working window: the peak hour
// widened by 4 hours before and 5 after, wrapping around midnight. The
// second return is false when no window can be derived yet.
func (s *Snapshot) TypicalHours() ([24]bool, bool) {
	var typical [24]bool
	peak, ok := s.PeakHour()
	if !ok {
		return typical, false
	}
	for d := -4; d <= 5; d++ {
		typical[((peak+d)%24+24)%24] = true
	}
	return typical, true
}

// OffHours reports whether hour falls outside the user's typical window.
// Unknown when no window exists; callers use their own sentinel then.
func (s *Snapshot) OffHours(hour int) (offHours, known bool) {
	typical, ok := s.TypicalHours()
	if !ok {
		return false, false
	}
	return !typical[hour], true
}

// AvgDailyDeletions is the historical average deletions per active day.
func (s *Snapshot) AvgDailyDeletions() float64 {
	return s.Baseline.AvgDailyDeletions()
}

// MaxDailyDeletions is the historical single-day deletion maximum.
func (s *Snapshot) MaxDailyDeletions() int64 {
	return s.Baseline.MaxDailyDeletions
}
