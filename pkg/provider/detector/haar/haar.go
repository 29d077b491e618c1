// Package haar implements detector.Provider with an OpenCV Haar cascade.
//
// The cascade is not safe for concurrent use, so Detect serialises calls
// through a mutex. Load failures surface from [New] and are fatal at startup.
package haar

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// Default detection parameters, matching OpenCV's usual frontal-face tuning.
const (
	DefaultScaleFactor  = 1.1
	DefaultMinNeighbors = 5
	DefaultMinSize      = 30
)

// Option configures a [Detector].
type Option func(*Detector)

// WithScaleFactor sets the image pyramid scale step.
func WithScaleFactor(f float64) Option {
	return func(d *Detector) { d.scale = f }
}

// WithMinNeighbors sets how many neighbouring detections a candidate needs.
func WithMinNeighbors(n int) Option {
	return func(d *Detector) { d.minNeighbors = n }
}

// WithMinSize sets the smallest face edge, in pixels.
func WithMinSize(px int) Option {
	return func(d *Detector) { d.minSize = px }
}

// Detector wraps a gocv.CascadeClassifier.
type Detector struct {
	mu           sync.Mutex
	cascade      gocv.CascadeClassifier
	closed       bool
	scale        float64
	minNeighbors int
	minSize      int
}

// New loads the cascade XML at path.
func New(path string, opts ...Option) (*Detector, error) {
	if path == "" {
		return nil, errors.New("haar: cascade path must not be empty")
	}
	d := &Detector{
		scale:        DefaultScaleFactor,
		minNeighbors: DefaultMinNeighbors,
		minSize:      DefaultMinSize,
	}
	for _, o := range opts {
		o(d)
	}
	d.cascade = gocv.NewCascadeClassifier()
	if !d.cascade.Load(path) {
		d.cascade.Close()
		return nil, fmt.Errorf("haar: load cascade %q", path)
	}
	return d, nil
}

// Detect runs the cascade on a grayscale, histogram-equalised copy of img.
func (d *Detector) Detect(_ context.Context, img image.Image) ([]types.Box, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("haar: convert image: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("haar: detector closed")
	}
	rects := d.cascade.DetectMultiScaleWithParams(gray, d.scale, d.minNeighbors, 0,
		image.Pt(d.minSize, d.minSize), image.Pt(0, 0))
	d.mu.Unlock()

	boxes := make([]types.Box, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.Box{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()})
	}
	return detector.FilterValid(boxes), nil
}

// Close releases the cascade. Safe to call more than once.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.cascade.Close()
}

var _ detector.Provider = (*Detector)(nil)
