// Package mock provides test doubles for the framesource package.
//
// Source is a finite in-memory source: it hands out its frames in order,
// keeps draining after a stop (matching the semantics of sources that
// acquired all their frames up front) and then returns ErrExhausted. Set Live
// to make it behave like a device instead, returning ErrStopped as soon as the
// read context is done.
package mock

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// Source is a mock implementation of framesource.Source.
type Source struct {
	mu sync.Mutex

	// Frames are returned by Read in order.
	Frames []types.Frame

	// Live makes Read return ErrStopped once ctx is done, and block on ctx
	// after the frames run out instead of returning ErrExhausted.
	Live bool

	// ReadErr, if non-nil, is returned once the frames are drained instead of
	// ErrExhausted.
	ReadErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	next int

	// ReadCallCount is the number of times Read was called.
	ReadCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSource returns a Source holding n solid-colour frames of the given size.
func NewSource(n, w, h int) *Source {
	frames := make([]types.Frame, n)
	base := time.Unix(1_700_000_000, 0)
	for i := range frames {
		frames[i] = types.Frame{
			Seq:        uint64(i + 1),
			CapturedAt: base.Add(time.Duration(i) * 40 * time.Millisecond),
			Image:      Solid(w, h, color.RGBA{R: uint8(i * 10), G: 128, B: 64, A: 255}),
		}
	}
	return &Source{Frames: frames}
}

// Solid returns a w×h image filled with c.
func Solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

// Read returns the next frame.
func (s *Source) Read(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	s.ReadCallCount++
	live := s.Live
	if live && ctx.Err() != nil {
		s.mu.Unlock()
		return types.Frame{}, framesource.ErrStopped
	}
	if s.next < len(s.Frames) {
		f := s.Frames[s.next]
		s.next++
		s.mu.Unlock()
		return f, nil
	}
	readErr := s.ReadErr
	s.mu.Unlock()

	if readErr != nil {
		return types.Frame{}, readErr
	}
	if live {
		<-ctx.Done()
		return types.Frame{}, framesource.ErrStopped
	}
	return types.Frame{}, framesource.ErrExhausted
}

// Close records the call and returns CloseErr.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Closes returns CloseCallCount. Thread-safe.
func (s *Source) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// OpenCall records a single invocation of Opener.Open.
type OpenCall struct {
	Descriptor framesource.Descriptor
}

// Opener is a mock implementation of framesource.Opener.
type Opener struct {
	mu sync.Mutex

	// Source is returned by Open. If nil, Open returns an empty finite Source.
	Source framesource.Source

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Source, OpenErr.
func (o *Opener) Open(_ context.Context, d framesource.Descriptor) (framesource.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.OpenCalls = append(o.OpenCalls, OpenCall{Descriptor: d})
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	if o.Source != nil {
		return o.Source, nil
	}
	return &Source{}, nil
}

// Compile-time interface assertions.
var (
	_ framesource.Source = (*Source)(nil)
	_ framesource.Opener = (*Opener)(nil)
)
