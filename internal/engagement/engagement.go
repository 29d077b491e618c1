// Package engagement turns emotion probability distributions into engagement
// scores.
//
// A [Weights] table maps emotion labels to weights; the raw score of a
// distribution is the weighted sum of its probabilities. A [Smoother] is an
// exponential moving average over raw scores. Each session owns exactly one
// Smoother, created fresh when the session starts.
package engagement

import (
	"fmt"
	"maps"
	"slices"
)

// DefaultAlpha is the smoothing factor used when none is configured.
const DefaultAlpha = 0.6

// Weights maps an emotion label to its engagement weight. Labels absent from
// the table contribute zero. Weights are not normalised and need not sum to 1.
// A Weights value must not be mutated after it is shared.
type Weights map[string]float64

// DefaultWeights returns the built-in weight table.
func DefaultWeights() Weights {
	return Weights{
		"happy":    1.0,
		"surprise": 0.9,
		"neutral":  0.6,
		"sad":      0.3,
		"fear":     0.4,
		"angry":    0.2,
	}
}

// Score returns Σ w[label]·probs[label] over the labels in w. Labels are
// visited in sorted order so the floating point result does not depend on map
// iteration order.
func (w Weights) Score(probs map[string]float64) float64 {
	var score float64
	for _, label := range slices.Sorted(maps.Keys(w)) {
		score += w[label] * probs[label]
	}
	return score
}

// Smoother is an exponential moving average. It is not safe for concurrent
// use; callers that share one across goroutines must serialise Update.
type Smoother struct {
	alpha float64
	value float64
}

// NewSmoother returns a Smoother with value 0. alpha must be in (0, 1].
func NewSmoother(alpha float64) (*Smoother, error) {
	if !(alpha > 0 && alpha <= 1) {
		return nil, fmt.Errorf("engagement: alpha %v out of range (0, 1]", alpha)
	}
	return &Smoother{alpha: alpha}, nil
}

// Update folds x into the average and returns the new value.
func (s *Smoother) Update(x float64) float64 {
	s.value = s.alpha*x + (1-s.alpha)*s.value
	return s.value
}

// Value returns the current average without updating it.
func (s *Smoother) Value() float64 {
	return s.value
}

// Alpha returns the smoothing factor.
func (s *Smoother) Alpha() float64 {
	return s.alpha
}
