// Package types defines the shared types used across all engagemeter packages.
//
// These types form the lingua franca between frame sources, inference
// providers, the frame processor, and the log sink. They are intentionally
// minimal: each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import (
	"image"
	"time"
)

// Frame is a single decoded video frame flowing through the pipeline.
// Frames are produced by a frame source and consumed by exactly one
// processing call; the Image must not be modified after the frame is handed on.
type Frame struct {
	// Seq is the 1-based position of the frame within its source.
	Seq uint64

	// CapturedAt marks when the source produced the frame.
	CapturedAt time.Time

	// Image holds the decoded pixels.
	Image image.Image
}

// Box is an axis-aligned face bounding box in pixels, relative to the
// top-left corner of the frame it was detected in (not to the image's Bounds
// origin). X and Y address the box's top-left corner.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Rect converts the box to an [image.Rectangle].
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Valid reports whether the box has a positive area.
func (b Box) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Prediction is the output of an emotion classifier for one face crop.
type Prediction struct {
	// Probs maps emotion label to probability in [0, 1].
	Probs map[string]float64

	// Dominant is the highest-probability label. Providers may leave it empty;
	// use [Prediction.DominantLabel] to read it.
	Dominant string
}

// Empty reports whether the prediction carries no probabilities.
func (p Prediction) Empty() bool {
	return len(p.Probs) == 0
}

// DominantLabel returns Dominant when set, otherwise the arg-max of Probs.
// Ties resolve to the lexicographically smallest label so the result does not
// depend on map iteration order.
func (p Prediction) DominantLabel() string {
	if p.Dominant != "" {
		return p.Dominant
	}
	var (
		best  string
		bestP = -1.0
	)
	for label, prob := range p.Probs {
		if prob > bestP || (prob == bestP && label < best) {
			best, bestP = label, prob
		}
	}
	return best
}

// Sample is one engagement measurement. Samples are immutable once written
// to a log sink.
type Sample struct {
	Timestamp time.Time
	Emotion   string
	Raw       float64
	Smoothed  float64
}
