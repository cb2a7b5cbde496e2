// Package baseline maintains rolling behavioral profiles per user.
//
// The tracker consumes attributed audit events one at a time and keeps,
// for each user, an hour-of-day activity histogram and deletion-volume
// statistics. Every update returns the profile as it stood BEFORE the
// event was applied, so an event is always judged against behavior that
// does not include itself.
package baseline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"sentryd/internal/store"
)

// ErrOutOfOrder is returned when an event carries a timestamp earlier than
// the user's last applied event. The incremental statistics only hold if
// same-user events arrive in timestamp order; callers are expected to sort
// before updating.
var ErrOutOfOrder = errors.New("event timestamp precedes last applied event")

// Store is the persistence surface the tracker needs.
type Store interface {
	GetBaseline(userID string) (*store.Baseline, error)
	PutBaseline(b *store.Baseline) error
}

// Config holds the tracker's tunables.
type Config struct {
	// MassCleanupMultiplier: a day whose deletions exceed this multiple of
	// the user's historical daily average latches the mass-cleanup flag.
	MassCleanupMultiplier float64

	// MassCleanupFloor is the minimum deletion count a day needs before it
	// can count as a mass cleanup, regardless of the average. Keeps new
	// users with near-zero averages from tripping the flag on a handful of
	// deletions.
	MassCleanupFloor int64

	// MinHourObservations is the total event count below which the hour
	// histogram is considered too sparse to define typical hours.
	MinHourObservations int64
}

// DefaultConfig returns the default tracker tunables.
func DefaultConfig() Config {
	return Config{
		MassCleanupMultiplier: 3.0,
		MassCleanupFloor:      10,
		MinHourObservations:   10,
	}
}

// Tracker applies events to per-user baselines. Updates for the same user
// are serialized on a per-user lock; different users proceed in parallel.
type Tracker struct {
	store Store
	cfg   Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTracker creates a tracker backed by the given store.
func NewTracker(s Store, cfg Config) *Tracker {
	return &Tracker{
		store: s,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (t *Tracker) userLock(userID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[userID] = l
	}
	return l
}

// Update applies one event to the user's baseline and returns the
// pre-event snapshot. A user with no prior baseline gets a zero profile
// and the snapshot reports Known=false.
func (t *Tracker) Update(userID string, ev *store.Event) (*Snapshot, error) {
	l := t.userLock(userID)
	l.Lock()
	defer l.Unlock()

	b, err := t.store.GetBaseline(userID)
	if err != nil {
		return nil, fmt.Errorf("load baseline for %s: %w", userID, err)
	}

	known := b != nil
	if b == nil {
		b = &store.Baseline{UserID: userID}
	}

	if known && ev.TimestampNs < b.LastEventNs {
		return nil, fmt.Errorf("user %s at %d got event at %d: %w",
			userID, b.LastEventNs, ev.TimestampNs, ErrOutOfOrder)
	}

	snap := &Snapshot{
		Baseline:            *b,
		Known:               known,
		minHourObservations: t.cfg.MinHourObservations,
	}

	t.apply(b, ev)

	if err := t.store.PutBaseline(b); err != nil {
		return nil, fmt.Errorf("persist baseline for %s: %w", userID, err)
	}

	return snap, nil
}

// apply mutates b with one event. Caller holds the user lock.
func (t *Tracker) apply(b *store.Baseline, ev *store.Event) {
	ts := time.Unix(0, ev.TimestampNs).UTC()
	b.ActiveHours[ts.Hour()]++

	if ev.Type.IsDeletion() {
		day := utcDayStart(ev.TimestampNs)
		if b.DayStartNs != day {
			b.DayStartNs = day
			b.DeletionsToday = 0
		}

		// Threshold uses history excluding the current day, so a burst is
		// measured against what came before it.
		priorTotal := b.TotalDeletions - b.DeletionsToday
		priorDays := b.DeletionDays
		if b.DeletionsToday > 0 {
			priorDays--
		}
		var priorAvg float64
		if priorDays > 0 {
			priorAvg = float64(priorTotal) / float64(priorDays)
		}

		b.DeletionsToday++
		b.TotalDeletions++
		if b.DeletionsToday == 1 {
			b.DeletionDays++
		}
		if b.DeletionsToday > b.MaxDailyDeletions {
			b.MaxDailyDeletions = b.DeletionsToday
		}

		threshold := t.cfg.MassCleanupMultiplier * priorAvg
		if float64(t.cfg.MassCleanupFloor) > threshold {
			threshold = float64(t.cfg.MassCleanupFloor)
		}
		if float64(b.DeletionsToday) >= threshold {
			b.MassCleanupEver = true
		}
	}

	b.LastEventNs = ev.TimestampNs
	b.UpdatedNs = time.Now().UnixNano()
}

// utcDayStart returns the nanosecond timestamp of UTC midnight for ts.
func utcDayStart(tsNs int64) int64 {
	ts := time.Unix(0, tsNs).UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC).UnixNano()
}
