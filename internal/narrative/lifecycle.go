package narrative

import (
	"errors"
	"fmt"
	"time"

	"sentryd/internal/store"
)

// ErrInvalidTransition is returned for a review action the narrative's
// current status does not admit.
var ErrInvalidTransition = errors.New("invalid narrative status transition")

// ErrNotFound is returned when the narrative does not exist.
var ErrNotFound = errors.New("narrative not found")

// LifecycleStore is the persistence surface lifecycle management needs.
type LifecycleStore interface {
	GetNarrative(id string) (*store.Narrative, error)
	UpdateNarrativeStatus(id string, from, to store.NarrativeStatus, updatedNs int64) error
}

// Lifecycle drives the review state machine:
//
//	new -> reviewed -> confirmed
//	                -> dismissed
//
// Confirmed and dismissed are terminal. Closed narratives (anything not
// new or reviewed) are never merge targets; that is enforced by the
// store's open-narrative query, not here.
type Lifecycle struct {
	store LifecycleStore
	now   func() time.Time
}

// NewLifecycle creates a lifecycle manager backed by the given store.
func NewLifecycle(s LifecycleStore) *Lifecycle {
	return &Lifecycle{store: s, now: time.Now}
}

// Review marks a new narrative as seen by an analyst.
func (l *Lifecycle) Review(id string) error {
	return l.transition(id, store.StatusReviewed)
}

// Confirm closes a reviewed narrative as a genuine incident.
func (l *Lifecycle) Confirm(id string) error {
	return l.transition(id, store.StatusConfirmed)
}

// Dismiss closes a reviewed narrative as a false positive.
func (l *Lifecycle) Dismiss(id string) error {
	return l.transition(id, store.StatusDismissed)
}

var allowedFrom = map[store.NarrativeStatus]store.NarrativeStatus{
	store.StatusReviewed:  store.StatusNew,
	store.StatusConfirmed: store.StatusReviewed,
	store.StatusDismissed: store.StatusReviewed,
}

func (l *Lifecycle) transition(id string, to store.NarrativeStatus) error {
	n, err := l.store.GetNarrative(id)
	if err != nil {
		return fmt.Errorf("load narrative %s: %w", id, err)
	}
	if n == nil {
		return fmt.Errorf("narrative %s: %w", id, ErrNotFound)
	}

	from := allowedFrom[to]
	if n.Status != from {
		return fmt.Errorf("narrative %s is %s, cannot move to %s: %w",
			id, n.Status, to, ErrInvalidTransition)
	}

	if err := l.store.UpdateNarrativeStatus(id, from, to, l.now().UnixNano()); err != nil {
		return fmt.Errorf("transition narrative %s to %s: %w", id, to, err)
	}
	return nil
}
