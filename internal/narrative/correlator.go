// Package narrative groups anomalous events into attack narratives and
// manages their review lifecycle.
//
// A narrative is one actor's correlated cluster of anomalous activity. An
// incoming anomalous event either joins the actor's most recently active
// open narrative, if that narrative saw activity within the inactivity
// window, or starts a new one. Each member is labeled with the stage it
// plays in the progression (reconnaissance, staging, exfiltration,
// cleanup), and the narrative's aggregate score only ever rises.
package narrative

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentryd/internal/store"
)

// Store is the persistence surface the correlator needs.
type Store interface {
	LatestOpenNarrative(actorID string, sinceNs int64) (*store.Narrative, error)
	InsertNarrative(n *store.Narrative) error
	UpdateNarrativeSpan(id string, startNs, endNs int64, score float64, updatedNs int64) error
	AppendNarrativeEvent(ne *store.NarrativeEvent) error
	HasStage(narrativeID string, stage store.Stage) (bool, error)
}

// Config holds the correlator's tunables.
type Config struct {
	// Window is the inactivity gap that closes a narrative to further
	// merging: an event merges only into a narrative whose last activity
	// is within Window of the event's timestamp.
	Window time.Duration

	// CorroborationBonus inflates the aggregate score a little with every
	// member beyond the seed, capped at 1.0. A single-event narrative
	// scores exactly its seed probability.
	CorroborationBonus float64
}

// DefaultConfig returns the default correlation tunables.
func DefaultConfig() Config {
	return Config{
		Window:             48 * time.Hour,
		CorroborationBonus: 0.05,
	}
}

// Assignment reports where an anomalous event landed.
type Assignment struct {
	Narrative *store.Narrative
	Stage     store.Stage
	Created   bool
}

// Correlator assigns anomalous events to narratives. Calls for the same
// actor must be serialized by the caller; the engine's per-actor pipelines
// guarantee this.
type Correlator struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// NewCorrelator creates a correlator backed by the given store.
func NewCorrelator(s Store, cfg Config) *Correlator {
	return &Correlator{store: s, cfg: cfg, now: time.Now}
}

// Correlate merges the event into the actor's open narrative within the
// window, or creates a new narrative. The event must carry an actor.
func (c *Correlator) Correlate(ev *store.Event, probability float64) (*Assignment, error) {
	if ev.ActorID == nil {
		return nil, fmt.Errorf("event %d has no actor", ev.ID)
	}
	actorID := *ev.ActorID

	sinceNs := ev.TimestampNs - c.cfg.Window.Nanoseconds()
	open, err := c.store.LatestOpenNarrative(actorID, sinceNs)
	if err != nil {
		return nil, fmt.Errorf("find open narrative for %s: %w", actorID, err)
	}

	if open == nil {
		return c.create(ev, actorID, probability)
	}
	return c.merge(open, ev, probability)
}

func (c *Correlator) create(ev *store.Event, actorID string, probability float64) (*Assignment, error) {
	nowNs := c.now().UnixNano()
	n := &store.Narrative{
		ID:        uuid.NewString(),
		Type:      narrativeTypeFor(ev.Type),
		ActorID:   actorID,
		StartNs:   ev.TimestampNs,
		EndNs:     ev.TimestampNs,
		Score:     probability,
		Status:    store.StatusNew,
		CreatedNs: nowNs,
		UpdatedNs: nowNs,
	}
	if err := c.store.InsertNarrative(n); err != nil {
		return nil, fmt.Errorf("create narrative: %w", err)
	}

	stage := firstStage(ev.Type)
	if err := c.appendMember(n.ID, ev.ID, stage, nowNs); err != nil {
		return nil, err
	}

	return &Assignment{Narrative: n, Stage: stage, Created: true}, nil
}

func (c *Correlator) merge(n *store.Narrative, ev *store.Event, probability float64) (*Assignment, error) {
	stage, err := c.laterStage(n.ID, ev.Type)
	if err != nil {
		return nil, err
	}

	nowNs := c.now().UnixNano()
	if err := c.appendMember(n.ID, ev.ID, stage, nowNs); err != nil {
		return nil, err
	}

	startNs := n.StartNs
	if ev.TimestampNs < startNs {
		startNs = ev.TimestampNs
	}
	endNs := n.EndNs
	if ev.TimestampNs > endNs {
		endNs = ev.TimestampNs
	}
	score := aggregateScore(n.Score, probability, c.cfg.CorroborationBonus)

	if err := c.store.UpdateNarrativeSpan(n.ID, startNs, endNs, score, nowNs); err != nil {
		return nil, fmt.Errorf("extend narrative %s: %w", n.ID, err)
	}

	n.StartNs, n.EndNs, n.Score, n.UpdatedNs = startNs, endNs, score, nowNs
	return &Assignment{Narrative: n, Stage: stage, Created: false}, nil
}

func (c *Correlator) appendMember(narrativeID string, eventID int64, stage store.Stage, nowNs int64) error {
	err := c.store.AppendNarrativeEvent(&store.NarrativeEvent{
		NarrativeID: narrativeID,
		EventID:     eventID,
		Stage:       stage,
		AddedNs:     nowNs,
	})
	if err != nil {
		return fmt.Errorf("append event %d to narrative %s: %w", eventID, narrativeID, err)
	}
	return nil
}

// aggregateScore folds one corroborating member into the running score:
// never below the strongest single member, nudged up per corroborating
// event, capped at 1. Monotone non-decreasing by construction. The seed
// member contributes its probability directly, without the bonus.
func aggregateScore(current, probability, bonus float64) float64 {
	s := current
	if probability > s {
		s = probability
	}
	s *= 1 + bonus
	if s > 1 {
		s = 1
	}
	return s
}

// narrativeTypeFor picks the narrative type from its seed event.
func narrativeTypeFor(t store.EventType) store.NarrativeType {
	switch {
	case t.IsSharing():
		return store.NarrativeExfiltration
	case t.IsDeletion():
		return store.NarrativeMassDeletion
	default:
		return store.NarrativeAnomalous
	}
}

// firstStage labels a narrative's seed event. A sharing or deletion event
// with nothing before it reads as preparation, anything else as probing.
func firstStage(t store.EventType) store.Stage {
	if t.IsSharing() || t.IsDeletion() {
		return store.StageStaging
	}
	return store.StageReconnaissance
}

// laterStage labels a non-seed member. Sharing escalates to exfiltration;
// a deletion after an exfiltration member reads as covering tracks, before
// one it is itself the removal.
func (c *Correlator) laterStage(narrativeID string, t store.EventType) (store.Stage, error) {
	switch {
	case t.IsSharing():
		return store.StageExfiltration, nil
	case t.IsDeletion():
		exfiltrated, err := c.store.HasStage(narrativeID, store.StageExfiltration)
		if err != nil {
			return "", fmt.Errorf("check stages of %s: %w", narrativeID, err)
		}
		if exfiltrated {
			return store.StageCleanup, nil
		}
		return store.StageExfiltration, nil
	default:
		return store.StageStaging, nil
	}
}
