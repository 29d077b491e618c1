// Package mock provides a test double for the classifier package.
//
// Set Result for a fixed answer or ResultFunc to vary the answer per crop,
// e.g. keyed on the crop's width to tell faces apart.
package mock

import (
	"context"
	"image"
	"maps"
	"sync"

	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// ClassifyCall records a single invocation of Classifier.Classify.
type ClassifyCall struct {
	// Bounds is the bounds of the crop passed to Classify.
	Bounds image.Rectangle
}

// Classifier is a mock implementation of classifier.Provider.
type Classifier struct {
	mu sync.Mutex

	// Result is returned by every Classify call unless ResultFunc is set. The
	// Probs map is copied per call.
	Result types.Prediction

	// ResultFunc, if non-nil, overrides Result and ClassifyErr.
	ResultFunc func(face image.Image) (types.Prediction, error)

	// ClassifyErr, if non-nil, is returned by every Classify call.
	ClassifyErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ClassifyCalls records every call to Classify in order.
	ClassifyCalls []ClassifyCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Classify records the call and returns the configured prediction.
func (c *Classifier) Classify(_ context.Context, face image.Image) (types.Prediction, error) {
	c.mu.Lock()
	c.ClassifyCalls = append(c.ClassifyCalls, ClassifyCall{Bounds: face.Bounds()})
	fn, res, err := c.ResultFunc, c.Result, c.ClassifyErr
	c.mu.Unlock()

	if fn != nil {
		return fn(face)
	}
	if err != nil {
		return types.Prediction{}, err
	}
	res.Probs = maps.Clone(res.Probs)
	return res, nil
}

// Close records the call and returns CloseErr.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// CallCount returns the number of Classify calls. Thread-safe.
func (c *Classifier) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ClassifyCalls)
}

// Ensure Classifier implements classifier.Provider at compile time.
var _ classifier.Provider = (*Classifier)(nil)
