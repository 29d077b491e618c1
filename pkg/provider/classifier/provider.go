// Package classifier defines the Provider interface for emotion classification
// backends.
//
// A classifier receives one face crop and returns a probability distribution
// over emotion labels plus the dominant label. Probabilities are always in
// [0, 1]; adapters for services that report percentages normalise them.
//
// Implementations must be safe for concurrent use.
package classifier

import (
	"context"
	"errors"
	"image"
	"math"

	"github.com/MrWong99/engagemeter/pkg/types"
)

// ErrNoResult is returned when the backend answered but produced no
// distribution for the crop.
var ErrNoResult = errors.New("classifier: no result")

// Provider is the emotion classification capability.
type Provider interface {
	// Classify returns the emotion distribution for a single face crop.
	// Implementations return [ErrNoResult] (possibly wrapped) when the backend
	// produced an empty result.
	Classify(ctx context.Context, face image.Image) (types.Prediction, error)

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}

// FromLogits applies a softmax to per-label logits and returns the resulting
// distribution. labels and logits must have the same length.
func FromLogits(labels []string, logits []float32) types.Prediction {
	maxL := math.Inf(-1)
	for _, l := range logits {
		maxL = math.Max(maxL, float64(l))
	}
	var sum float64
	exps := make([]float64, len(logits))
	for i, l := range logits {
		exps[i] = math.Exp(float64(l) - maxL)
		sum += exps[i]
	}
	for i := range exps {
		exps[i] /= sum
	}
	return prediction(labels, exps)
}

// FromProbabilities returns the distribution of a model whose output layer
// already emits probabilities. Values are clamped into [0, 1] and otherwise
// used as they are. labels and probs must have the same length.
func FromProbabilities(labels []string, probs []float32) types.Prediction {
	ps := make([]float64, len(probs))
	for i, p := range probs {
		ps[i] = min(max(float64(p), 0), 1)
	}
	return prediction(labels, ps)
}

func prediction(labels []string, ps []float64) types.Prediction {
	probs := make(map[string]float64, len(labels))
	best, bestP := "", -1.0
	for i, label := range labels {
		probs[label] = ps[i]
		if ps[i] > bestP {
			best, bestP = label, ps[i]
		}
	}
	return types.Prediction{Probs: probs, Dominant: best}
}

// Normalize returns probs scaled into [0, 1]. Services that report
// percentages (any value above 1) are divided by 100; others are returned as
// a copy.
func Normalize(probs map[string]float64) map[string]float64 {
	scale := 1.0
	for _, p := range probs {
		if p > 1 {
			scale = 100
			break
		}
	}
	out := make(map[string]float64, len(probs))
	for k, p := range probs {
		out[k] = p / scale
	}
	return out
}
