package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/engagemeter/internal/engagement"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/session"
	"github.com/MrWong99/engagemeter/internal/sink"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// ErrNoSession is returned by [Sessions.Stop] when no realtime session is
// open.
var ErrNoSession = errors.New("realtime: no open session")

// ErrSessionNotOpen is returned when a request names a session id that is not
// the open realtime session.
var ErrSessionNotOpen = errors.New("realtime: session not open")

// openSession is the single realtime session that may be open at a time. Its
// smoother and sink writes are serialised by mu so that smoothed values follow
// row order.
type openSession struct {
	id       string
	mu       sync.Mutex
	sink     *sink.Sink
	smoother *engagement.Smoother
}

// append folds raw into the session smoother and writes one row. The
// smoother only advances when the row was written.
func (s *openSession) append(ts time.Time, emotion string, raw float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := *s.smoother
	err := s.sink.Append(types.Sample{
		Timestamp: ts,
		Emotion:   emotion,
		Raw:       raw,
		Smoothed:  next.Update(raw),
	})
	if err != nil {
		return err
	}
	*s.smoother = next
	return nil
}

// Sessions owns the realtime session lifecycle. At most one realtime session
// is open at any time. All methods are safe for concurrent use.
type Sessions struct {
	reg     *session.Registry
	alpha   float64
	metrics *observe.Metrics

	mu  sync.Mutex
	cur *openSession
}

// NewSessions returns a Sessions that registers sessions in reg and smooths
// with alpha.
func NewSessions(reg *session.Registry, alpha float64, m *observe.Metrics) (*Sessions, error) {
	if _, err := engagement.NewSmoother(alpha); err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Sessions{reg: reg, alpha: alpha, metrics: m}, nil
}

// Start opens a realtime session, or returns the id of the one already open
// with started set to false.
func (s *Sessions) Start(ctx context.Context) (id string, started bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return s.cur.id, false, nil
	}

	sess, err := s.reg.Create(framesource.ModeRealtime, "browser")
	if err != nil {
		return "", false, fmt.Errorf("realtime: %w", err)
	}
	snk, err := sink.Open(sess.LogPath)
	if err != nil {
		s.reg.MarkStopped(sess.ID)
		return "", false, fmt.Errorf("realtime: %w", err)
	}
	if err := s.reg.MarkRunning(sess.ID); err != nil {
		_, _ = snk.Close()
		return "", false, fmt.Errorf("realtime: %w", err)
	}
	sm, _ := engagement.NewSmoother(s.alpha)
	s.cur = &openSession{id: sess.ID, sink: snk, smoother: sm}
	s.metrics.SessionOpened(ctx, string(framesource.ModeRealtime))
	observe.Logger(observe.WithSession(ctx, sess.ID, string(framesource.ModeRealtime))).Info("realtime session started")
	return sess.ID, true, nil
}

// Stop closes the open session's log and marks it stopped. The returned
// proof is what the final report is built from.
func (s *Sessions) Stop(ctx context.Context) (string, sink.Closed, error) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	if cur == nil {
		return "", sink.Closed{}, ErrNoSession
	}

	// Wait for an in-flight append so the proof covers every written row.
	cur.mu.Lock()
	closed, err := cur.sink.Close()
	cur.mu.Unlock()

	s.reg.MarkStopped(cur.id)
	s.metrics.SessionClosed(ctx, string(framesource.ModeRealtime))
	observe.Logger(observe.WithSession(ctx, cur.id, string(framesource.ModeRealtime))).Info("realtime session stopped", "rows", closed.Rows())
	if err != nil {
		return cur.id, closed, fmt.Errorf("realtime: %w", err)
	}
	return cur.id, closed, nil
}

// Current returns the open session id, if any.
func (s *Sessions) Current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return "", false
	}
	return s.cur.id, true
}

// lookup returns the session a request should log to. An empty id selects the
// open session; it is not an error for none to be open. A non-empty id must
// name the open session.
func (s *Sessions) lookup(id string) (*openSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		return s.cur, nil
	}
	if s.cur == nil || s.cur.id != id {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotOpen, id)
	}
	return s.cur, nil
}
