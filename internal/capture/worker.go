// Package capture runs the background loop of a polling session.
//
// [Start] opens the frame source and the session log, then launches a single
// goroutine that reads, processes and logs frames until the source runs dry,
// the session is stopped, or the log is closed underneath it. The goroutine
// exclusively owns the source, the log writer and the session's smoother.
//
// Stopping is a two-step affair. [Worker.Stop] only signals and never blocks;
// the returned [StopHandle] is the only way to wait for the loop to finish.
// [StopHandle.Wait] yields a [Finished] that carries the sink's closing proof,
// which is what the final report is built from. A report of a half-written log
// therefore cannot be produced by accident.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/engagemeter/internal/engagement"
	"github.com/MrWong99/engagemeter/internal/frameproc"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/sink"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
)

// ExitReason records why the loop ended.
type ExitReason int

const (
	// ExitSourceExhausted means the source had no more frames.
	ExitSourceExhausted ExitReason = iota

	// ExitStopped means the source honoured a stop request.
	ExitStopped

	// ExitSourceFailed means a frame could not be read.
	ExitSourceFailed

	// ExitSinkClosed means the log was closed while the loop was running.
	ExitSinkClosed

	// ExitSinkError means a row could not be written.
	ExitSinkError

	// ExitPanic means a provider panicked inside the loop.
	ExitPanic
)

// String returns the snake_case reason name.
func (r ExitReason) String() string {
	switch r {
	case ExitSourceExhausted:
		return "source_exhausted"
	case ExitStopped:
		return "stopped"
	case ExitSourceFailed:
		return "source_failed"
	case ExitSinkClosed:
		return "sink_closed"
	case ExitSinkError:
		return "sink_error"
	case ExitPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r ExitReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Finished describes a loop that has exited and released its resources.
type Finished struct {
	SessionID string
	Reason    ExitReason

	// Err is the error behind ExitSourceFailed, ExitSinkError or ExitPanic.
	Err error

	// CloseErr joins errors from closing the source and the log.
	CloseErr error

	// Frames counts frames read; Samples counts rows written.
	Frames  int64
	Samples int64

	// Closed is the log's closing proof.
	Closed sink.Closed
}

// Config describes the session a worker runs.
type Config struct {
	// SessionID labels logs and the Finished record.
	SessionID string

	// Source says what to open with Opener.
	Source framesource.Descriptor
	Opener framesource.Opener

	// LogPath is where the log is created. Ignored when Sink is set.
	LogPath string

	// Sink, if non-nil, is used instead of opening LogPath. The worker takes
	// ownership and closes it.
	Sink *sink.Sink

	Processor *frameproc.Processor

	// Alpha is the smoothing factor of the session's fresh smoother.
	Alpha float64

	// Metrics defaults to observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Worker is a running capture loop.
type Worker struct {
	id       string
	mode     framesource.Mode
	src      framesource.Source
	sink     *sink.Sink
	proc     *frameproc.Processor
	smoother *engagement.Smoother
	metrics  *observe.Metrics

	startedAt time.Time
	frames    atomic.Int64
	samples   atomic.Int64

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
	result   Finished
}

// Start opens the source and the log and launches the loop. A source that
// cannot be opened is a fatal error for the session; nothing is left open in
// that case.
//
// ctx scopes opening only. The loop outlives it and ends through
// [Worker.Stop].
func Start(ctx context.Context, cfg Config) (*Worker, error) {
	if cfg.Opener == nil || cfg.Processor == nil {
		return nil, errors.New("capture: opener and processor are required")
	}
	if cfg.Sink == nil && cfg.LogPath == "" {
		return nil, errors.New("capture: log path is required")
	}
	sm, err := engagement.NewSmoother(cfg.Alpha)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	src, err := cfg.Opener.Open(ctx, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("capture: open source: %w", err)
	}
	snk := cfg.Sink
	if snk == nil {
		if snk, err = sink.Open(cfg.LogPath); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("capture: %w", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &Worker{
		id:        cfg.SessionID,
		mode:      cfg.Source.Mode,
		src:       src,
		sink:      snk,
		proc:      cfg.Processor,
		smoother:  sm,
		metrics:   cfg.Metrics,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.metrics.SessionOpened(loopCtx, string(w.mode))
	go w.run(loopCtx)
	return w, nil
}

// SessionID returns the id the worker was started with.
func (w *Worker) SessionID() string { return w.id }

// Mode returns the source mode.
func (w *Worker) Mode() framesource.Mode { return w.mode }

// StartedAt returns when the loop was launched.
func (w *Worker) StartedAt() time.Time { return w.startedAt }

// Progress returns the frames read and rows written so far.
func (w *Worker) Progress() (frames, samples int64) {
	return w.frames.Load(), w.samples.Load()
}

// Done is closed once the loop has exited and released the source and log.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop asks the loop to end at its next read. It never blocks and may be
// called any number of times; every call returns a handle to the same loop.
func (w *Worker) Stop() *StopHandle {
	w.stopOnce.Do(w.cancel)
	return &StopHandle{w: w}
}

// StopHandle waits for a stopped worker.
type StopHandle struct {
	w *Worker
}

// Wait blocks until the loop has exited and the log is closed, or ctx is
// done. Frames already acquired by a finite source are still processed before
// the loop exits.
func (h *StopHandle) Wait(ctx context.Context) (Finished, error) {
	select {
	case <-h.w.done:
		return h.w.result, nil
	case <-ctx.Done():
		return Finished{}, fmt.Errorf("capture: wait for %s: %w", h.w.id, ctx.Err())
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ctx = observe.WithSession(ctx, w.id, string(w.mode))
	log := observe.Logger(ctx)
	log.Info("capture started")

	var (
		reason  ExitReason
		loopErr error
	)
	defer func() {
		if r := recover(); r != nil {
			reason = ExitPanic
			loopErr = fmt.Errorf("capture: panic: %v", r)
		}
		srcErr := w.src.Close()
		closed, sinkErr := w.sink.Close()
		w.metrics.SessionClosed(ctx, string(w.mode))

		w.result = Finished{
			SessionID: w.id,
			Reason:    reason,
			Err:       loopErr,
			CloseErr:  errors.Join(srcErr, sinkErr),
			Frames:    w.frames.Load(),
			Samples:   w.samples.Load(),
			Closed:    closed,
		}
		attrs := []any{"reason", reason.String(), "frames", w.result.Frames, "samples", w.result.Samples}
		if loopErr != nil || w.result.CloseErr != nil {
			log.Warn("capture finished", append(attrs, "err", errors.Join(loopErr, w.result.CloseErr))...)
			return
		}
		log.Info("capture finished", attrs...)
	}()

	reason, loopErr = w.loop(ctx, log)
}

func (w *Worker) loop(ctx context.Context, log *slog.Logger) (ExitReason, error) {
	// In-flight inference is never cut short by a stop.
	inferCtx := context.WithoutCancel(ctx)

	for {
		frame, err := w.src.Read(ctx)
		switch {
		case errors.Is(err, framesource.ErrExhausted):
			return ExitSourceExhausted, nil
		case errors.Is(err, framesource.ErrStopped):
			return ExitStopped, nil
		case err != nil:
			return ExitSourceFailed, err
		}
		w.frames.Add(1)

		res := w.proc.Process(inferCtx, frame, w.smoother)
		w.metrics.RecordFrame(inferCtx, observe.PathCapture, res.Outcome.String())
		if res.Outcome != frameproc.OutcomeSample {
			log.Debug("frame dropped", "seq", frame.Seq, "outcome", res.Outcome.String(), "err", res.Err)
			continue
		}

		if err := w.sink.Append(res.Sample); err != nil {
			if errors.Is(err, sink.ErrClosed) {
				return ExitSinkClosed, nil
			}
			return ExitSinkError, err
		}
		w.samples.Add(1)
		w.metrics.RecordSample(inferCtx, observe.PathCapture)
	}
}
