// Package engine orchestrates one analysis pass: fetch unanalyzed events,
// update baselines, score, correlate, mark analyzed.
//
// Events are partitioned by actor. Partitions run in parallel on a bounded
// worker pool; inside a partition events are processed strictly in
// timestamp order, which is what keeps baseline updates and narrative
// merges well-defined without cross-actor locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"sentryd/internal/baseline"
	"sentryd/internal/classifier"
	"sentryd/internal/feature"
	"sentryd/internal/narrative"
	"sentryd/internal/store"
)

// Config holds the engine's tunables.
type Config struct {
	// BatchSize caps how many events one ProcessPending pass pulls.
	BatchSize int

	// Workers bounds how many actor partitions are processed at once.
	Workers int
}

// DefaultConfig returns the default engine tunables.
func DefaultConfig() Config {
	return Config{BatchSize: 500, Workers: 4}
}

// Stats summarizes one analysis pass.
type Stats struct {
	Fetched            int
	Analyzed           int
	Anomalous          int
	NarrativesCreated  int
	NarrativesExtended int
	NeedsReview        int
}

func (s *Stats) add(o Stats) {
	s.Analyzed += o.Analyzed
	s.Anomalous += o.Anomalous
	s.NarrativesCreated += o.NarrativesCreated
	s.NarrativesExtended += o.NarrativesExtended
	s.NeedsReview += o.NeedsReview
}

// Engine wires the pipeline stages together.
type Engine struct {
	store      *store.Store
	tracker    *baseline.Tracker
	scorer     *classifier.Scorer
	correlator *narrative.Correlator
	cfg        Config
	log        *slog.Logger
}

// New creates an engine over the given pipeline stages.
func New(s *store.Store, tracker *baseline.Tracker, scorer *classifier.Scorer, correlator *narrative.Correlator, cfg Config, log *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Engine{
		store:      s,
		tracker:    tracker,
		scorer:     scorer,
		correlator: correlator,
		cfg:        cfg,
		log:        log,
	}
}

// ProcessPending runs one analysis pass and reports what it did. A scoring
// or baseline failure parks the single event for review and the pass
// continues; only storage-level failures abort.
func (e *Engine) ProcessPending(ctx context.Context) (Stats, error) {
	events, err := e.store.UnanalyzedEvents(e.cfg.BatchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch unanalyzed events: %w", err)
	}

	stats := Stats{Fetched: len(events)}
	if len(events) == 0 {
		return stats, nil
	}

	partitions := partitionByActor(events)

	work := make(chan []store.Event, len(partitions))
	for _, p := range partitions {
		work <- p
	}
	close(work)

	results := make(chan Stats, len(partitions))
	errs := make(chan error, len(partitions))

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				s, err := e.processPartition(ctx, p)
				results <- s
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for s := range results {
		stats.add(s)
	}
	var failures []error
	for err := range errs {
		failures = append(failures, err)
	}
	if err := errors.Join(failures...); err != nil {
		return stats, err
	}

	e.log.Info("analysis pass complete",
		"fetched", stats.Fetched,
		"analyzed", stats.Analyzed,
		"anomalous", stats.Anomalous,
		"narratives_created", stats.NarrativesCreated,
		"narratives_extended", stats.NarrativesExtended,
		"needs_review", stats.NeedsReview,
	)
	return stats, nil
}

// partitionByActor splits events into per-actor slices, each in timestamp
// order. Actor-less events form their own partition.
func partitionByActor(events []store.Event) [][]store.Event {
	byActor := make(map[string][]store.Event)
	for _, ev := range events {
		key := ""
		if ev.ActorID != nil {
			key = *ev.ActorID
		}
		byActor[key] = append(byActor[key], ev)
	}

	keys := make([]string, 0, len(byActor))
	for k := range byActor {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	partitions := make([][]store.Event, 0, len(byActor))
	for _, k := range keys {
		p := byActor[k]
		sort.SliceStable(p, func(i, j int) bool { return p[i].TimestampNs < p[j].TimestampNs })
		partitions = append(partitions, p)
	}
	return partitions
}

func (e *Engine) processPartition(ctx context.Context, events []store.Event) (Stats, error) {
	var stats Stats
	for i := range events {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.processEvent(&events[i], &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// processEvent pushes one event through the pipeline. Recoverable faults
// (out-of-order timestamp, malformed vector) park the event; anything else
// bubbles up.
func (e *Engine) processEvent(ev *store.Event, stats *Stats) error {
	snap, err := e.updateBaseline(ev)
	if err != nil {
		if errors.Is(err, baseline.ErrOutOfOrder) {
			e.log.Warn("event out of order, parking for review", "event_id", ev.ID, "error", err)
			stats.NeedsReview++
			return e.store.MarkEventNeedsReview(ev.ID)
		}
		return err
	}

	file, err := e.loadFile(ev)
	if err != nil {
		return err
	}

	vec := feature.Extract(ev, snap, file)
	res, err := e.scorer.Score(vec)
	if err != nil {
		if errors.Is(err, classifier.ErrMalformedVector) {
			e.log.Warn("unscorable event, parking for review", "event_id", ev.ID, "error", err)
			stats.NeedsReview++
			return e.store.MarkEventNeedsReview(ev.ID)
		}
		return fmt.Errorf("score event %d: %w", ev.ID, err)
	}

	if res.Anomalous {
		stats.Anomalous++
		if ev.ActorID == nil {
			e.log.Info("anomalous event without actor, not correlated",
				"event_id", ev.ID, "probability", res.Probability)
		} else {
			a, err := e.correlator.Correlate(ev, res.Probability)
			if err != nil {
				return fmt.Errorf("correlate event %d: %w", ev.ID, err)
			}
			if a.Created {
				stats.NarrativesCreated++
			} else {
				stats.NarrativesExtended++
			}
			e.log.Info("anomalous event correlated",
				"event_id", ev.ID,
				"probability", res.Probability,
				"narrative_id", a.Narrative.ID,
				"stage", string(a.Stage),
				"narrative_score", a.Narrative.Score,
				"threat_level", narrative.ThreatLevel(a.Narrative.Score),
			)
		}
	}

	if err := e.store.MarkEventAnalyzed(ev.ID); err != nil {
		return fmt.Errorf("mark event %d analyzed: %w", ev.ID, err)
	}
	stats.Analyzed++
	return nil
}

func (e *Engine) updateBaseline(ev *store.Event) (*baseline.Snapshot, error) {
	if ev.ActorID == nil {
		return nil, nil
	}
	snap, err := e.tracker.Update(*ev.ActorID, ev)
	if err != nil && !errors.Is(err, baseline.ErrOutOfOrder) {
		return nil, fmt.Errorf("update baseline for event %d: %w", ev.ID, err)
	}
	return snap, err
}

func (e *Engine) loadFile(ev *store.Event) (*store.File, error) {
	if ev.FileID == nil {
		return nil, nil
	}
	f, err := e.store.GetFile(*ev.FileID)
	if err != nil {
		return nil, fmt.Errorf("load file for event %d: %w", ev.ID, err)
	}
	return f, nil
}
