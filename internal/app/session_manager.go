package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/engagemeter/internal/capture"
	"github.com/MrWong99/engagemeter/internal/config"
	"github.com/MrWong99/engagemeter/internal/frameproc"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/session"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

var (
	// ErrNoActiveSession is returned by Stop without an id when no capture
	// session is running.
	ErrNoActiveSession = errors.New("app: no active session")

	// ErrUnknownMode is returned by Start for a mode that is not a capture
	// mode.
	ErrUnknownMode = errors.New("app: unknown mode")

	// ErrSessionNotFound is returned by Stop for an id that names no capture
	// session.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrSessionStopped is returned by [SessionManager.Stop] for a capture
	// session that an earlier Stop already collected.
	ErrSessionStopped = errors.New("app: session already stopped")
)

// SessionManager runs capture sessions. Every session owns an independent
// worker keyed by its id, so several sessions may run at once and none can
// observe another's smoother or log. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	reg     *session.Registry
	opener  framesource.Opener
	proc    *frameproc.Processor
	capture config.CaptureConfig
	alpha   float64
	metrics *observe.Metrics

	mu      sync.Mutex
	workers map[string]*capture.Worker // until collected by Stop
	order   []string                   // running sessions in start order
	watch   sync.WaitGroup
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Registry  *session.Registry
	Opener    framesource.Opener
	Processor *frameproc.Processor
	Capture   config.CaptureConfig
	Alpha     float64
	Metrics   *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		reg:     cfg.Registry,
		opener:  cfg.Opener,
		proc:    cfg.Processor,
		capture: cfg.Capture,
		alpha:   cfg.Alpha,
		metrics: m,
		workers: make(map[string]*capture.Worker),
	}
}

// Start creates a session and launches its capture worker. path names the
// video file or image directory; for video it defaults to the configured
// sample video. A source that cannot be opened fails the start and leaves the
// session stopped without a log.
func (sm *SessionManager) Start(ctx context.Context, mode framesource.Mode, path string) (session.Session, error) {
	if !mode.IsValid() {
		return session.Session{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	desc := framesource.Descriptor{Mode: mode, Path: path, Device: sm.capture.WebcamDevice}
	source := path
	switch mode {
	case framesource.ModeVideo:
		if desc.Path == "" {
			desc.Path = sm.capture.DefaultVideoPath
		}
		source = desc.Path
	case framesource.ModeWebcam:
		desc.Path = ""
		source = fmt.Sprintf("device:%d", desc.Device)
	}

	sess, err := sm.reg.Create(mode, source)
	if err != nil {
		return session.Session{}, fmt.Errorf("app: %w", err)
	}
	w, err := capture.Start(ctx, capture.Config{
		SessionID: sess.ID,
		Source:    desc,
		Opener:    sm.opener,
		LogPath:   sess.LogPath,
		Processor: sm.proc,
		Alpha:     sm.alpha,
		Metrics:   sm.metrics,
	})
	if err != nil {
		sm.reg.MarkStopped(sess.ID)
		return session.Session{}, fmt.Errorf("app: start %s session: %w", mode, err)
	}
	if err := sm.reg.MarkRunning(sess.ID); err != nil {
		// Unreachable while the registry is only mutated here.
		_, _ = w.Stop().Wait(context.WithoutCancel(ctx))
		return session.Session{}, fmt.Errorf("app: %w", err)
	}

	sm.mu.Lock()
	sm.workers[sess.ID] = w
	sm.order = append(sm.order, sess.ID)
	sm.mu.Unlock()

	sm.watch.Add(1)
	go sm.markWhenDone(w)

	sess, _ = sm.reg.Get(sess.ID)
	observe.Logger(ctx).Info("capture session started", "session_id", sess.ID, "mode", string(mode), "source", source)
	return sess, nil
}

// markWhenDone keeps the registry honest when a source ends on its own: the
// log is closed once Done fires, so the session is no longer running. The
// worker itself stays until Stop collects its result.
func (sm *SessionManager) markWhenDone(w *capture.Worker) {
	defer sm.watch.Done()
	<-w.Done()
	sm.reg.MarkStopped(w.SessionID())

	sm.mu.Lock()
	sm.order = slices.DeleteFunc(sm.order, func(id string) bool { return id == w.SessionID() })
	sm.mu.Unlock()
}

// Stop signals the worker of id and waits until its log is flushed and
// closed. An empty id selects the most recently started session that is still
// running. Stopping a session whose source already ended returns its result
// immediately. A successful Stop releases the worker; stopping the same id
// again returns [ErrSessionStopped].
func (sm *SessionManager) Stop(ctx context.Context, id string) (session.Session, capture.Finished, error) {
	w, err := sm.pick(id)
	if err != nil {
		return session.Session{}, capture.Finished{}, err
	}
	fin, err := w.Stop().Wait(ctx)
	if err != nil {
		return session.Session{}, capture.Finished{}, fmt.Errorf("app: %w", err)
	}
	sm.reg.MarkStopped(w.SessionID())
	sm.mu.Lock()
	delete(sm.workers, w.SessionID())
	sm.mu.Unlock()

	sess, _ := sm.reg.Get(w.SessionID())
	observe.Logger(ctx).Info("capture session stopped",
		"session_id", sess.ID,
		"reason", fin.Reason.String(),
		"frames", fin.Frames,
		"samples", fin.Samples,
	)
	return sess, fin, nil
}

func (sm *SessionManager) pick(id string) (*capture.Worker, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if id != "" {
		if w, ok := sm.workers[id]; ok {
			return w, nil
		}
		if s, ok := sm.reg.Get(id); ok && s.Mode.IsValid() && s.Status == session.StatusStopped {
			return nil, fmt.Errorf("%w: %s", ErrSessionStopped, id)
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	for i := len(sm.order) - 1; i >= 0; i-- {
		w, ok := sm.workers[sm.order[i]]
		if !ok {
			continue
		}
		select {
		case <-w.Done():
		default:
			return w, nil
		}
	}
	return nil, ErrNoActiveSession
}

// Running returns the ids of sessions whose worker has not exited, oldest
// first.
func (sm *SessionManager) Running() []string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var ids []string
	for _, id := range sm.order {
		w, ok := sm.workers[id]
		if !ok {
			continue
		}
		select {
		case <-w.Done():
		default:
			ids = append(ids, id)
		}
	}
	return ids
}

// Held returns how many workers have not been collected by Stop yet.
func (sm *SessionManager) Held() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.workers)
}

// Progress returns the frames read and rows written by the worker of id.
func (sm *SessionManager) Progress(id string) (frames, samples int64, ok bool) {
	sm.mu.Lock()
	w, ok := sm.workers[id]
	sm.mu.Unlock()
	if !ok {
		return 0, 0, false
	}
	frames, samples = w.Progress()
	return frames, samples, true
}

// StopAll stops every running worker concurrently and waits for all of them
// or for ctx.
func (sm *SessionManager) StopAll(ctx context.Context) error {
	sm.mu.Lock()
	workers := make([]*capture.Worker, 0, len(sm.workers))
	for _, w := range sm.workers {
		workers = append(workers, w)
	}
	sm.mu.Unlock()

	handles := make([]*capture.StopHandle, len(workers))
	for i, w := range workers {
		handles[i] = w.Stop()
	}
	var errs []error
	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		sm.watch.Wait()
	}
	return errors.Join(errs...)
}
