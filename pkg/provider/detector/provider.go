// Package detector defines the Provider interface for face detection backends.
//
// A detector takes one decoded frame and returns the bounding boxes of every
// face it finds, in the backend's native order. No identity tracking is
// performed: each call is independent of every previous call.
//
// Implementations must be safe for concurrent use; the realtime path calls
// Detect from many request goroutines at once.
package detector

import (
	"context"
	"image"

	"github.com/MrWong99/engagemeter/pkg/types"
)

// Provider is the face detection capability.
type Provider interface {
	// Detect returns the faces found in img. An image without faces yields an
	// empty slice and a nil error. Boxes with a non-positive width or height
	// are never returned.
	//
	// Detect may block on model inference or network I/O; it honours ctx only
	// where the backend supports cancellation.
	Detect(ctx context.Context, img image.Image) ([]types.Box, error)

	// Close releases model resources. Calling Close more than once is safe.
	Close() error
}

// FilterValid drops boxes with a non-positive width or height, preserving the
// order of the remaining boxes. It reuses the backing array of boxes.
func FilterValid(boxes []types.Box) []types.Box {
	out := boxes[:0]
	for _, b := range boxes {
		if b.Valid() {
			out = append(out, b)
		}
	}
	return out
}
