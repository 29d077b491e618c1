// Package framesource defines the interfaces for video frame acquisition.
//
// An [Opener] turns a [Descriptor] (mode plus path or device) into an open
// [Source]. A Source is a pull-based cursor over frames: the capture worker
// calls Read once per loop iteration and stops on the first error.
//
// Stop semantics are cooperative and live at the read boundary. When the
// context passed to Read is done, a live source (webcam, video decoder) stops
// acquiring and returns [ErrStopped]. A finite source that already holds all of
// its frames in memory keeps returning them until it is drained, so stopping
// such a session never loses frames that were already acquired.
package framesource

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/engagemeter/pkg/types"
)

// ErrExhausted is returned by Read when the source has no further frames.
var ErrExhausted = errors.New("framesource: exhausted")

// ErrStopped is returned by Read when acquisition was stopped through the
// read context.
var ErrStopped = errors.New("framesource: stopped")

// Mode selects the kind of frame source.
type Mode string

const (
	// ModeVideo reads a video file.
	ModeVideo Mode = "video"

	// ModeWebcam reads a local capture device.
	ModeWebcam Mode = "webcam"

	// ModeImages reads every still image of a directory, in name order.
	ModeImages Mode = "images"

	// ModeRealtime marks sessions fed by posted frames rather than a source.
	// No Opener is ever registered for it.
	ModeRealtime Mode = "realtime"
)

// IsValid reports whether m names a pull-based source mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeVideo, ModeWebcam, ModeImages:
		return true
	}
	return false
}

// Descriptor identifies what to open.
type Descriptor struct {
	Mode Mode

	// Path is the video file or image directory. Ignored for webcams.
	Path string

	// Device is the capture device index for webcams.
	Device int
}

// Source is an open frame cursor. Read and Close are called from the single
// goroutine that owns the source.
type Source interface {
	// Read returns the next frame. It returns [ErrExhausted] at the end of
	// input and [ErrStopped] when acquisition was stopped; any other error is
	// a read failure. After the first error, further calls keep failing.
	Read(ctx context.Context) (types.Frame, error)

	// Close releases the underlying device or file. Calling Close more than
	// once is safe.
	Close() error
}

// Opener creates sources. Implementations must be safe for concurrent use.
type Opener interface {
	// Open acquires the source described by d. The returned error is fatal for
	// the session being started.
	Open(ctx context.Context, d Descriptor) (Source, error)
}

// OpenerFunc adapts a function to the [Opener] interface.
type OpenerFunc func(ctx context.Context, d Descriptor) (Source, error)

// Open calls f(ctx, d).
func (f OpenerFunc) Open(ctx context.Context, d Descriptor) (Source, error) {
	return f(ctx, d)
}

// ErrUnsupportedMode is returned by [Router.Open] when no Opener is registered
// for the descriptor's mode.
var ErrUnsupportedMode = errors.New("framesource: unsupported mode")

// Router dispatches Open to the Opener registered for the descriptor's mode.
// A Router must not be modified after it is shared.
type Router map[Mode]Opener

// Open implements [Opener].
func (r Router) Open(ctx context.Context, d Descriptor) (Source, error) {
	o, ok := r[d.Mode]
	if !ok || o == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, d.Mode)
	}
	return o.Open(ctx, d)
}
