// Package mock provides a test double for the detector package.
//
// Configure Boxes (or BoxesFunc for per-call answers) and inspect DetectCalls
// after the test.
//
// Example:
//
//	det := &mock.Detector{Boxes: []types.Box{{X: 0, Y: 0, W: 10, H: 10}}}
//	boxes, _ := det.Detect(ctx, img)
package mock

import (
	"context"
	"image"
	"slices"
	"sync"

	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// DetectCall records a single invocation of Detector.Detect.
type DetectCall struct {
	// Bounds is the bounds of the image passed to Detect.
	Bounds image.Rectangle
}

// Detector is a mock implementation of detector.Provider.
type Detector struct {
	mu sync.Mutex

	// Boxes is returned (as a copy) by every Detect call unless BoxesFunc is set.
	Boxes []types.Box

	// BoxesFunc, if non-nil, overrides Boxes. It receives the 0-based call
	// index.
	BoxesFunc func(call int, img image.Image) []types.Box

	// DetectErr, if non-nil, is returned by every Detect call.
	DetectErr error

	// PanicOnDetect makes Detect panic with this value when non-nil.
	PanicOnDetect any

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// DetectCalls records every call to Detect in order.
	DetectCalls []DetectCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Detect records the call and returns the configured boxes or DetectErr.
func (d *Detector) Detect(_ context.Context, img image.Image) ([]types.Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := len(d.DetectCalls)
	var bounds image.Rectangle
	if img != nil {
		bounds = img.Bounds()
	}
	d.DetectCalls = append(d.DetectCalls, DetectCall{Bounds: bounds})
	if d.PanicOnDetect != nil {
		panic(d.PanicOnDetect)
	}
	if d.DetectErr != nil {
		return nil, d.DetectErr
	}
	if d.BoxesFunc != nil {
		return d.BoxesFunc(call, img), nil
	}
	return slices.Clone(d.Boxes), nil
}

// Close records the call and returns CloseErr.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CloseCallCount++
	return d.CloseErr
}

// CallCount returns the number of Detect calls. Thread-safe.
func (d *Detector) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.DetectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DetectCalls = nil
	d.CloseCallCount = 0
}

// Ensure Detector implements detector.Provider at compile time.
var _ detector.Provider = (*Detector)(nil)
