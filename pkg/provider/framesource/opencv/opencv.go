// Package opencv opens video files and capture devices through gocv.
//
// Sources returned here are live: Read checks the stop context before every
// grab, so a stopped session never acquires another frame.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// Opener opens [framesource.ModeVideo] and [framesource.ModeWebcam]
// descriptors.
type Opener struct{}

// Open implements framesource.Opener.
func (Opener) Open(_ context.Context, d framesource.Descriptor) (framesource.Source, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	switch d.Mode {
	case framesource.ModeVideo:
		if d.Path == "" {
			return nil, errors.New("opencv: video path must not be empty")
		}
		vc, err = gocv.VideoCaptureFile(d.Path)
	case framesource.ModeWebcam:
		vc, err = gocv.VideoCaptureDevice(d.Device)
	default:
		return nil, fmt.Errorf("%w: %q", framesource.ErrUnsupportedMode, d.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("opencv: open %s: %w", d.Mode, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("opencv: open %s: capture not opened", d.Mode)
	}
	return &Source{vc: vc, mat: gocv.NewMat(), live: d.Mode == framesource.ModeWebcam}, nil
}

// Source reads frames from a gocv.VideoCapture.
type Source struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	live bool
	seq  uint64
	err  error

	closeOnce sync.Once
	closeErr  error
}

// Read grabs and decodes the next frame. A failed grab ends a file source
// with [framesource.ErrExhausted]; on a webcam it is a read failure.
func (s *Source) Read(ctx context.Context) (types.Frame, error) {
	if s.err != nil {
		return types.Frame{}, s.err
	}
	if ctx.Err() != nil {
		s.err = framesource.ErrStopped
		return types.Frame{}, s.err
	}
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		if s.live {
			s.err = errors.New("opencv: webcam read failed")
		} else {
			s.err = framesource.ErrExhausted
		}
		return types.Frame{}, s.err
	}
	img, err := s.mat.ToImage()
	if err != nil {
		s.err = fmt.Errorf("opencv: convert frame: %w", err)
		return types.Frame{}, s.err
	}
	s.seq++
	return types.Frame{Seq: s.seq, CapturedAt: time.Now(), Image: img}, nil
}

// Close releases the capture and its buffer. Safe to call more than once.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.mat.Close(), s.vc.Close())
	})
	return s.closeErr
}

var (
	_ framesource.Opener = Opener{}
	_ framesource.Source = (*Source)(nil)
)
