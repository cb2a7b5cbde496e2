// Package feature turns an audit event plus its behavioral context into
// the numeric vector the anomaly classifier consumes.
//
// Extraction is pure and total: it never errors and never touches storage.
// Missing context (unknown user, unknown file, unscanned content) maps to
// defined sentinel values so the classifier sees "unknown" rather than a
// fabricated zero.
package feature

import (
	"time"

	"sentryd/internal/baseline"
	"sentryd/internal/store"
)

// Width is the fixed vector width. The classifier artifact declares the
// width it was trained against and loading fails on a mismatch, so this
// constant and the training pipeline must move together.
const Width = 8 + 10 // context features + one-hot event types

// Unknown is the sentinel for features whose context is missing.
const Unknown = -1.0

// Vector positions.
const (
	idxHour = iota
	idxWeekday
	idxOffHours
	idxDeletionVsAvg
	idxDeletionVsMax
	idxSharedExternal
	idxSharedPublic
	idxScanPositives
	idxTypeOneHot // first of len(store.EventTypes) slots
)

// Vector is one classifier input row.
type Vector []float64

// Extract builds the feature vector for an event. snap may be nil for
// actor-less events; file may be nil when the event's file is unknown or
// already gone.
func Extract(ev *store.Event, snap *baseline.Snapshot, file *store.File) Vector {
	v := make(Vector, Width)

	ts := time.Unix(0, ev.TimestampNs).UTC()
	v[idxHour] = float64(ts.Hour())
	v[idxWeekday] = float64(ts.Weekday())

	v[idxOffHours] = offHoursFeature(ts.Hour(), snap)
	v[idxDeletionVsAvg], v[idxDeletionVsMax] = deletionFeatures(ev, snap)
	v[idxSharedExternal], v[idxSharedPublic], v[idxScanPositives] = fileFeatures(file)

	for i, t := range store.EventTypes {
		if ev.Type == t {
			v[idxTypeOneHot+i] = 1
		}
	}

	return v
}

// offHoursFeature is 1 when the event falls outside the user's typical
// working window, 0 inside it, Unknown when no window can be derived.
func offHoursFeature(hour int, snap *baseline.Snapshot) float64 {
	if snap == nil {
		return Unknown
	}
	off, known := snap.OffHours(hour)
	if !known {
		return Unknown
	}
	if off {
		return 1
	}
	return 0
}

// deletionFeatures expresses how today's deletion volume, including this
// event, compares to the user's history: a ratio against the daily average
// and against the single-day maximum. Non-deletion events carry 0; missing
// history carries Unknown.
func deletionFeatures(ev *store.Event, snap *baseline.Snapshot) (vsAvg, vsMax float64) {
	if !ev.Type.IsDeletion() {
		return 0, 0
	}
	if snap == nil || !snap.Known {
		return Unknown, Unknown
	}

	b := &snap.Baseline
	today := int64(1)
	if utcDayStart(ev.TimestampNs) == b.DayStartNs {
		today = b.DeletionsToday + 1
	}

	avg := b.AvgDailyDeletions()
	if avg > 0 {
		vsAvg = float64(today) / avg
	} else {
		vsAvg = Unknown
	}
	if b.MaxDailyDeletions > 0 {
		vsMax = float64(today) / float64(b.MaxDailyDeletions)
	} else {
		vsMax = Unknown
	}
	return vsAvg, vsMax
}

func fileFeatures(file *store.File) (sharedExt, sharedPub, scanPositives float64) {
	if file == nil {
		return Unknown, Unknown, Unknown
	}
	if file.SharedExternally {
		sharedExt = 1
	}
	if file.SharedPublicly {
		sharedPub = 1
	}
	if file.ScanPositives != nil {
		scanPositives = float64(*file.ScanPositives)
	} else {
		scanPositives = Unknown
	}
	return sharedExt, sharedPub, scanPositives
}

func utcDayStart(tsNs int64) int64 {
	ts := time.Unix(0, tsNs).UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).UnixNano()
}
