// Package imagedir serves the still images of a directory as a finite frame
// source.
//
// All images are decoded when the source is opened, so the source is not
// live: a stop does not end it at once. After a stop Read still hands out up
// to [Opener.DrainLimit] further frames before it reports
// [framesource.ErrStopped]; an unstopped source reports exhaustion after its
// last frame.
package imagedir

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/engagemeter/pkg/imageutil"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// Extensions lists the file extensions (lower case) picked up from a
// directory.
var Extensions = []string{".jpg", ".jpeg", ".png", ".webp"}

// DefaultDrainLimit is the number of frames a stopped source still serves
// when [Opener.DrainLimit] is zero.
const DefaultDrainLimit = 32

// Opener opens [framesource.ModeImages] descriptors.
type Opener struct {
	// MaxFrames caps how many images are loaded. Zero means no cap.
	MaxFrames int

	// DrainLimit caps how many frames Read serves once its context is done.
	// Zero means [DefaultDrainLimit].
	DrainLimit int
}

// Open decodes every image in d.Path in lexical name order. Files that fail to
// decode are skipped with a warning. A directory without any decodable image
// is an error.
func (o Opener) Open(ctx context.Context, d framesource.Descriptor) (framesource.Source, error) {
	if d.Mode != framesource.ModeImages {
		return nil, fmt.Errorf("%w: %q", framesource.ErrUnsupportedMode, d.Mode)
	}
	entries, err := os.ReadDir(d.Path)
	if err != nil {
		return nil, fmt.Errorf("imagedir: read %q: %w", d.Path, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if slices.Contains(Extensions, strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	if o.MaxFrames > 0 && len(names) > o.MaxFrames {
		names = names[:o.MaxFrames]
	}

	frames := make([]types.Frame, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("imagedir: open: %w", err)
		}
		data, err := os.ReadFile(filepath.Join(d.Path, name))
		if err != nil {
			slog.Warn("imagedir: skipping unreadable file", "file", name, "err", err)
			continue
		}
		img, _, err := imageutil.Decode(data)
		if err != nil {
			slog.Warn("imagedir: skipping undecodable file", "file", name, "err", err)
			continue
		}
		frames = append(frames, types.Frame{
			Seq:        uint64(len(frames) + 1),
			CapturedAt: time.Now(),
			Image:      img,
		})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("imagedir: no decodable images in %q", d.Path)
	}
	limit := o.DrainLimit
	if limit <= 0 {
		limit = DefaultDrainLimit
	}
	return &Source{frames: frames, drainLimit: limit}, nil
}

// Source is a preloaded frame cursor.
type Source struct {
	frames     []types.Frame
	next       int
	drainLimit int
	drained    int
}

// Read returns the next held frame, then [framesource.ErrExhausted]. Once ctx
// is done it serves at most drainLimit more frames and then returns
// [framesource.ErrStopped].
func (s *Source) Read(ctx context.Context) (types.Frame, error) {
	if s.next >= len(s.frames) {
		return types.Frame{}, framesource.ErrExhausted
	}
	if ctx.Err() != nil {
		if s.drained >= s.drainLimit {
			return types.Frame{}, framesource.ErrStopped
		}
		s.drained++
	}
	f := s.frames[s.next]
	s.frames[s.next] = types.Frame{}
	s.next++
	return f, nil
}

// Close drops the held frames.
func (s *Source) Close() error {
	s.frames = nil
	s.next = 0
	return nil
}

// Len returns the number of frames loaded at open.
func (s *Source) Len() int { return len(s.frames) }

var (
	_ framesource.Opener = Opener{}
	_ framesource.Source = (*Source)(nil)
)
