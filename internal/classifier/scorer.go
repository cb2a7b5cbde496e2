package classifier

import (
	"errors"
	"fmt"

	"sentryd/internal/feature"
)

// ErrMalformedVector marks a vector the model cannot score: wrong width or
// non-finite values. Recoverable; the owning event is parked for review.
var ErrMalformedVector = errors.New("malformed feature vector")

// Model is the prediction surface the scorer needs. *Artifact satisfies
// it; tests substitute fixed-probability stubs.
type Model interface {
	PredictProbability(vec feature.Vector) (float64, error)
}

// Result is one scoring outcome.
type Result struct {
	Probability float64
	Anomalous   bool
}

// Scorer applies the decision threshold to model probabilities.
type Scorer struct {
	model     Model
	threshold float64
}

// NewScorer wraps a model with a decision threshold. The threshold must be
// in (0, 1); artifacts guarantee this, overrides are validated by config.
func NewScorer(model Model, threshold float64) (*Scorer, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("decision threshold %v outside (0, 1)", threshold)
	}
	return &Scorer{model: model, threshold: threshold}, nil
}

// Threshold returns the active decision threshold.
func (s *Scorer) Threshold() float64 {
	return s.threshold
}

// Score returns the anomaly probability and the threshold decision.
// A probability exactly at the threshold is anomalous.
func (s *Scorer) Score(vec feature.Vector) (Result, error) {
	p, err := s.model.PredictProbability(vec)
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}
	return Result{Probability: p, Anomalous: p >= s.threshold}, nil
}
