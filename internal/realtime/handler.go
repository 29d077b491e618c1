// Package realtime analyses discrete frames posted by a browser.
//
// Unlike the capture loop, the realtime path runs per request: every posted
// frame is decoded, every face in it is detected and classified, and the
// per-face results go straight back to the caller. When a realtime session is
// open, each frame with at least one classified face also adds exactly one
// aggregate row to that session's log: the mean raw score of the faces and
// their majority emotion, smoothed with the session's own smoother.
package realtime

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/engagemeter/internal/frameproc"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/sink"
	"github.com/MrWong99/engagemeter/pkg/imageutil"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// Status is the top-level result of an analysis.
type Status string

const (
	StatusOK           Status = "ok"
	StatusInvalidImage Status = "invalid_image"
)

// DefaultConcurrency bounds how many faces of one frame are classified at
// once.
const DefaultConcurrency = 4

// FaceResult is the analysis of one face. ID is the face's 1-based position
// in detector order; it identifies the face within this frame only.
type FaceResult struct {
	ID         int                `json:"id"`
	X          int                `json:"x"`
	Y          int                `json:"y"`
	W          int                `json:"w"`
	H          int                `json:"h"`
	Emotion    string             `json:"emotion"`
	Engagement float64            `json:"engagement"`
	Probs      map[string]float64 `json:"probs"`
}

// Result is the answer to one posted frame.
type Result struct {
	Status Status       `json:"status"`
	Faces  []FaceResult `json:"faces"`

	// SessionID is set when a row was logged to a realtime session.
	SessionID string `json:"session_id,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithConcurrency bounds per-frame classification parallelism.
func WithConcurrency(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithMaxImageBytes rejects larger payloads as invalid images. Zero disables
// the check.
func WithMaxImageBytes(n int) Option {
	return func(h *Handler) { h.maxBytes = n }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithClock replaces time.Now for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// Handler analyses posted frames. It is safe for concurrent use.
type Handler struct {
	proc        *frameproc.Processor
	sessions    *Sessions
	concurrency int
	maxBytes    int
	metrics     *observe.Metrics
	now         func() time.Time
}

// NewHandler returns a Handler that logs to the sessions in s.
func NewHandler(proc *frameproc.Processor, s *Sessions, opts ...Option) *Handler {
	h := &Handler{
		proc:        proc,
		sessions:    s,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Sessions returns the session manager the handler logs to.
func (h *Handler) Sessions() *Sessions { return h.sessions }

// Analyze decodes data and analyses every face in it. sessionID optionally
// names the realtime session to log to; when empty the open session, if any,
// is used. Naming a session that is not open returns [ErrSessionNotOpen] and
// analyses nothing.
func (h *Handler) Analyze(ctx context.Context, data []byte, sessionID string) (Result, error) {
	sess, err := h.sessions.lookup(sessionID)
	if err != nil {
		return Result{}, err
	}
	if sess != nil {
		ctx = observe.WithSession(ctx, sess.id, string(framesource.ModeRealtime))
	}
	ctx, span := observe.StartSpan(ctx, "realtime.Analyze")
	defer span.End()

	if h.maxBytes > 0 && len(data) > h.maxBytes {
		h.metrics.RecordFrame(ctx, observe.PathRealtime, string(StatusInvalidImage))
		return Result{Status: StatusInvalidImage, Faces: []FaceResult{}}, nil
	}
	img, _, err := imageutil.Decode(data)
	if err != nil {
		h.metrics.RecordFrame(ctx, observe.PathRealtime, string(StatusInvalidImage))
		return Result{Status: StatusInvalidImage, Faces: []FaceResult{}}, nil
	}

	boxes, err := h.proc.Detect(ctx, img)
	if err != nil {
		observe.Logger(ctx).Warn("realtime detection failed", "err", err)
		h.metrics.RecordFrame(ctx, observe.PathRealtime, frameproc.OutcomeDetectionFailed.String())
		return Result{Status: StatusOK, Faces: []FaceResult{}}, nil
	}
	span.SetAttributes(attribute.Int("faces.detected", len(boxes)))

	// Faces are independent; one failing never affects the others.
	slots := make([]*FaceResult, len(boxes))
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, box := range boxes {
		g.Go(func() error {
			face, outcome, err := h.proc.ClassifyBox(ctx, img, box)
			if outcome != frameproc.OutcomeSample {
				observe.Logger(ctx).Debug("realtime face dropped", "face", i+1, "outcome", outcome.String(), "err", err)
				return nil
			}
			slots[i] = &FaceResult{
				ID:         i + 1,
				X:          box.X,
				Y:          box.Y,
				W:          box.W,
				H:          box.H,
				Emotion:    face.Emotion,
				Engagement: face.Raw,
				Probs:      face.Prediction.Probs,
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Status: StatusOK, Faces: make([]FaceResult, 0, len(boxes))}
	for _, f := range slots {
		if f != nil {
			res.Faces = append(res.Faces, *f)
		}
	}
	span.SetAttributes(attribute.Int("faces.classified", len(res.Faces)))

	switch {
	case len(boxes) == 0:
		h.metrics.RecordFrame(ctx, observe.PathRealtime, frameproc.OutcomeNoFace.String())
	case len(res.Faces) == 0:
		h.metrics.RecordFrame(ctx, observe.PathRealtime, frameproc.OutcomeClassificationFailed.String())
	default:
		h.metrics.RecordFrame(ctx, observe.PathRealtime, frameproc.OutcomeSample.String())
	}

	if sess == nil || len(res.Faces) == 0 {
		return res, nil
	}
	emotion, raw := Aggregate(res.Faces)
	if err := sess.append(h.now(), emotion, raw); err != nil {
		if !errors.Is(err, sink.ErrClosed) {
			observe.Logger(ctx).Warn("realtime log append failed", "err", err)
		}
		return res, nil
	}
	h.metrics.RecordSample(ctx, observe.PathRealtime)
	res.SessionID = sess.id
	return res, nil
}

// Aggregate returns the majority emotion of faces (ties go to the label seen
// first) and their mean engagement. faces must not be empty.
func Aggregate(faces []FaceResult) (emotion string, mean float64) {
	counts := make(map[string]int, len(faces))
	var sum float64
	for _, f := range faces {
		sum += f.Engagement
		counts[f.Emotion]++
	}
	best := 0
	for _, f := range faces {
		if c := counts[f.Emotion]; c > best {
			best, emotion = c, f.Emotion
		}
	}
	return emotion, sum / float64(len(faces))
}
