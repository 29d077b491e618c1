package resilience

import (
	"context"
	"errors"
	"image"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// GuardedDetector is a detector.Provider behind a circuit breaker.
type GuardedDetector struct {
	inner detector.Provider
	cb    *CircuitBreaker
}

// GuardDetector wraps p with a breaker built from cfg.
func GuardDetector(p detector.Provider, cfg CircuitBreakerConfig) *GuardedDetector {
	if cfg.Name == "" {
		cfg.Name = "detector"
	}
	return &GuardedDetector{inner: p, cb: NewCircuitBreaker(cfg)}
}

// Detect implements detector.Provider.
func (g *GuardedDetector) Detect(ctx context.Context, img image.Image) ([]types.Box, error) {
	var boxes []types.Box
	err := g.cb.Execute(func() error {
		var err error
		boxes, err = g.inner.Detect(ctx, img)
		return err
	})
	return boxes, err
}

// Close closes the wrapped provider.
func (g *GuardedDetector) Close() error { return g.inner.Close() }

// Breaker exposes the breaker for health reporting.
func (g *GuardedDetector) Breaker() *CircuitBreaker { return g.cb }

// GuardedClassifier is a classifier.Provider behind a circuit breaker.
// [classifier.ErrNoResult] does not count as a failure.
type GuardedClassifier struct {
	inner classifier.Provider
	cb    *CircuitBreaker
}

// GuardClassifier wraps p with a breaker built from cfg.
func GuardClassifier(p classifier.Provider, cfg CircuitBreakerConfig) *GuardedClassifier {
	if cfg.Name == "" {
		cfg.Name = "classifier"
	}
	if cfg.Ignore == nil {
		cfg.Ignore = func(err error) bool { return errors.Is(err, classifier.ErrNoResult) }
	}
	return &GuardedClassifier{inner: p, cb: NewCircuitBreaker(cfg)}
}

// Classify implements classifier.Provider.
func (g *GuardedClassifier) Classify(ctx context.Context, face image.Image) (types.Prediction, error) {
	var pred types.Prediction
	err := g.cb.Execute(func() error {
		var err error
		pred, err = g.inner.Classify(ctx, face)
		return err
	})
	return pred, err
}

// Close closes the wrapped provider.
func (g *GuardedClassifier) Close() error { return g.inner.Close() }

// Breaker exposes the breaker for health reporting.
func (g *GuardedClassifier) Breaker() *CircuitBreaker { return g.cb }

var (
	_ detector.Provider   = (*GuardedDetector)(nil)
	_ classifier.Provider = (*GuardedClassifier)(nil)
)
