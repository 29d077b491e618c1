// Package app wires all engagemeter subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, the operation methods serve the API layer, and Shutdown stops
// every running session and tears everything down in order.
//
// For testing, inject mock providers through [Providers] and a metrics
// instance via [WithMetrics].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/engagemeter/internal/config"
	"github.com/MrWong99/engagemeter/internal/engagement"
	"github.com/MrWong99/engagemeter/internal/frameproc"
	"github.com/MrWong99/engagemeter/internal/health"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/realtime"
	"github.com/MrWong99/engagemeter/internal/report"
	"github.com/MrWong99/engagemeter/internal/resilience"
	"github.com/MrWong99/engagemeter/internal/session"
	"github.com/MrWong99/engagemeter/internal/sink"
	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// Providers holds the inference backends and the frame source opener.
// Populated by main.go via the config registry. All three are required.
type Providers struct {
	Detector   detector.Provider
	Classifier classifier.Provider
	Sources    framesource.Opener
}

// SessionReport is the result of stopping a session: its final metadata,
// the report over its finalized log and the rendered charts.
type SessionReport struct {
	Session session.Session `json:"session"`
	Summary report.Report   `json:"summary"`
	Charts  report.Charts   `json:"charts"`

	// ExitReason is set for capture sessions.
	ExitReason string `json:"exit_reason,omitempty"`
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	registry *session.Registry
	proc     *frameproc.Processor
	captures *SessionManager
	realtime *realtime.Handler
	reports  *report.Aggregator
	charts   *report.ChartRenderer

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. It creates the log
// and report directories; failing to do so is an initialisation error. The
// providers are closed by Shutdown.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Detector == nil || providers.Classifier == nil || providers.Sources == nil {
		return nil, errors.New("app: detector, classifier and frame sources are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	for _, dir := range []string{cfg.Storage.LogDir, cfg.Storage.ReportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("app: create %s: %w", dir, err)
		}
	}

	weights := engagement.DefaultWeights()
	if len(cfg.Engagement.Weights) > 0 {
		weights = engagement.Weights(cfg.Engagement.Weights)
	}

	a.registry = session.NewRegistry(cfg.Storage.LogDir)
	a.proc = frameproc.New(providers.Detector, providers.Classifier, weights, frameproc.WithMetrics(a.metrics))
	a.captures = NewSessionManager(SessionManagerConfig{
		Registry:  a.registry,
		Opener:    providers.Sources,
		Processor: a.proc,
		Capture:   cfg.Capture,
		Alpha:     cfg.Engagement.Alpha,
		Metrics:   a.metrics,
	})

	rt, err := realtime.NewSessions(a.registry, cfg.Engagement.Alpha, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.realtime = realtime.NewHandler(a.proc, rt,
		realtime.WithConcurrency(cfg.Realtime.ClassifyConcurrency),
		realtime.WithMaxImageBytes(cfg.Realtime.MaxImageBytes),
		realtime.WithMetrics(a.metrics),
	)
	a.reports = report.NewAggregator(a.registry)
	a.charts = report.NewChartRenderer(a.reports, cfg.Storage.ReportDir)

	a.closers = append(a.closers, providers.Detector.Close, providers.Classifier.Close)
	return a, nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() *config.Config { return a.cfg }

// Realtime returns the per-frame analysis handler.
func (a *App) Realtime() *realtime.Handler { return a.realtime }

// ReportDir returns the directory charts are rendered into.
func (a *App) ReportDir() string { return a.charts.Dir() }

// Start begins a capture session.
func (a *App) Start(ctx context.Context, mode, path string) (session.Session, error) {
	return a.captures.Start(ctx, framesource.Mode(mode), path)
}

// Stop stops a capture session, waits for its log to be finalized and reports
// on it. An empty id stops the most recently started running session.
// Stopping a session that was already stopped reports on its closed log
// again.
func (a *App) Stop(ctx context.Context, id string) (SessionReport, error) {
	sess, fin, err := a.captures.Stop(ctx, id)
	if errors.Is(err, ErrSessionStopped) {
		return a.storedReport(ctx, id)
	}
	if err != nil {
		return SessionReport{}, err
	}
	if fin.CloseErr != nil {
		observe.Logger(ctx).Warn("capture log closed with error", "session_id", sess.ID, "err", fin.CloseErr)
	}
	rep, err := a.finalReport(ctx, sess, fin.Closed)
	rep.ExitReason = fin.Reason.String()
	return rep, err
}

// RTStart opens the realtime session, or returns the open one with started
// false.
func (a *App) RTStart(ctx context.Context) (id string, started bool, err error) {
	return a.realtime.Sessions().Start(ctx)
}

// RTStop closes the realtime session and reports on it. It returns
// [realtime.ErrNoSession] when none is open.
func (a *App) RTStop(ctx context.Context) (SessionReport, error) {
	id, closed, err := a.realtime.Sessions().Stop(ctx)
	if err != nil && !closed.Valid() {
		return SessionReport{}, err
	}
	if err != nil {
		observe.Logger(ctx).Warn("realtime log closed with error", "session_id", id, "err", err)
	}
	sess, _ := a.registry.Get(id)
	return a.finalReport(ctx, sess, closed)
}

func (a *App) finalReport(ctx context.Context, sess session.Session, closed sink.Closed) (SessionReport, error) {
	rep, err := a.reports.Final(ctx, closed)
	if err != nil {
		return SessionReport{}, fmt.Errorf("app: report %s: %w", sess.ID, err)
	}
	charts, err := a.charts.RenderReport(ctx, rep)
	if err != nil {
		observe.Logger(ctx).Warn("chart rendering failed", "session_id", sess.ID, "err", err)
		charts = report.Charts{}
	}
	return SessionReport{Session: sess, Summary: rep, Charts: charts}, nil
}

// storedReport reports on the log of a session whose worker is gone. The
// registry has it stopped, so its log is closed.
func (a *App) storedReport(ctx context.Context, id string) (SessionReport, error) {
	sess, _ := a.registry.Get(id)
	rep := a.reports.Analyze(ctx, id)
	charts, err := a.charts.RenderReport(ctx, rep)
	if err != nil {
		observe.Logger(ctx).Warn("chart rendering failed", "session_id", id, "err", err)
		charts = report.Charts{}
	}
	return SessionReport{Session: sess, Summary: rep, Charts: charts}, nil
}

// Analytics reports on the log of any session, running or finished, including
// logs left by earlier processes.
func (a *App) Analytics(ctx context.Context, id string) report.Report {
	return a.reports.Analyze(ctx, id)
}

// Charts analyses a session log and renders its charts. The report is
// returned alongside so callers can tell a missing log from an empty one.
func (a *App) Charts(ctx context.Context, id string) (report.Report, report.Charts, error) {
	rep := a.reports.Analyze(ctx, id)
	charts, err := a.charts.RenderReport(ctx, rep)
	return rep, charts, err
}

// Sessions lists all sessions of this process, newest first.
func (a *App) Sessions() []session.Session {
	return a.registry.List()
}

// Session returns one session's metadata.
func (a *App) Session(id string) (session.Session, bool) {
	return a.registry.Get(id)
}

// Progress returns the live counters of a capture session.
func (a *App) Progress(id string) (frames, samples int64, ok bool) {
	return a.captures.Progress(id)
}

// Checkers returns the readiness checks of the app: the log and report
// directories must be writable and no provider circuit may be open.
func (a *App) Checkers() []health.Checker {
	checks := []health.Checker{
		{Name: "log_dir", Check: health.DirWritable(a.cfg.Storage.LogDir)},
		{Name: "report_dir", Check: health.DirWritable(a.cfg.Storage.ReportDir)},
	}
	type breakered interface {
		Breaker() *resilience.CircuitBreaker
	}
	for name, p := range map[string]any{"detector": a.providers.Detector, "classifier": a.providers.Classifier} {
		b, ok := p.(breakered)
		if !ok {
			continue
		}
		cb := b.Breaker()
		checks = append(checks, health.Checker{Name: name, Check: func(context.Context) error {
			if s := cb.State(); s == resilience.StateOpen {
				return fmt.Errorf("circuit %s", s)
			}
			return nil
		}})
	}
	return checks
}

// Shutdown stops every running capture session and the realtime session,
// waiting for their logs to be flushed, then closes the providers. It
// respects the context deadline: workers still running when ctx expires are
// left to finish on their own and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "running", len(a.captures.Running()))

		var g errgroup.Group
		g.Go(func() error { return a.captures.StopAll(ctx) })
		g.Go(func() error {
			if _, _, err := a.realtime.Sessions().Stop(ctx); err != nil && !errors.Is(err, realtime.ErrNoSession) {
				return err
			}
			return nil
		})
		if err := g.Wait(); err != nil {
			slog.Warn("sessions did not stop cleanly", "err", err)
			shutdownErr = err
			if ctx.Err() != nil {
				return
			}
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

