package app

import (
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/engagemeter/internal/capture"
	"github.com/MrWong99/engagemeter/internal/config"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/realtime"
	"github.com/MrWong99/engagemeter/internal/report"
	"github.com/MrWong99/engagemeter/internal/resilience"
	"github.com/MrWong99/engagemeter/internal/session"
	classifiermock "github.com/MrWong99/engagemeter/pkg/provider/classifier/mock"
	detectormock "github.com/MrWong99/engagemeter/pkg/provider/detector/mock"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	framemock "github.com/MrWong99/engagemeter/pkg/provider/framesource/mock"
	"github.com/MrWong99/engagemeter/pkg/types"
)

// testSources opens a fresh five-frame finite source for video and image
// sessions and an endless live source for webcams.
func testSources(openErr error) framesource.Opener {
	return framesource.OpenerFunc(func(_ context.Context, d framesource.Descriptor) (framesource.Source, error) {
		if openErr != nil {
			return nil, openErr
		}
		src := framemock.NewSource(5, 32, 32)
		if d.Mode == framesource.ModeWebcam {
			src.Live = true
		}
		return src, nil
	})
}

type fixture struct {
	app *App
	det *detectormock.Detector
	cls *classifiermock.Classifier
}

func newTestApp(t *testing.T, sources framesource.Opener) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{Storage: config.StorageConfig{LogDir: filepath.Join(dir, "logs"), ReportDir: filepath.Join(dir, "reports")}}
	config.ApplyDefaults(cfg)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	det := &detectormock.Detector{Boxes: []types.Box{{X: 2, Y: 2, W: 16, H: 16}}}
	cls := &classifiermock.Classifier{Result: types.Prediction{Probs: map[string]float64{"happy": 0.8, "neutral": 0.2}}}
	a, err := New(cfg, &Providers{Detector: det, Classifier: cls, Sources: sources}, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return &fixture{app: a, det: det, cls: cls}
}

func TestStopImmediatelyReportsEveryFrame(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()

	sess, err := fx.app.Start(ctx, "video", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.Status != session.StatusRunning {
		t.Errorf("status after start = %v, want running", sess.Status)
	}
	if sess.Source != config.DefaultVideoPath {
		t.Errorf("source = %q, want default video path", sess.Source)
	}

	rep, err := fx.app.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(rep.Summary.Timeline); got != 5 {
		t.Errorf("timeline length = %d, want 5", got)
	}
	if rep.Summary.Status != report.StatusOK || rep.Session.Status != session.StatusStopped {
		t.Errorf("report status %q, session %v", rep.Summary.Status, rep.Session.Status)
	}
	if rep.Charts.EmotionPie == nil || rep.Charts.EngagementLine == nil {
		t.Errorf("charts = %+v, want both rendered", rep.Charts)
	}
	if rep.ExitReason != capture.ExitSourceExhausted.String() && rep.ExitReason != capture.ExitStopped.String() {
		t.Errorf("exit reason = %q", rep.ExitReason)
	}
}

func TestStopWithoutIDPicksMostRecentRunning(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()

	if _, err := fx.app.Stop(ctx, ""); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("Stop with nothing running err = %v, want ErrNoActiveSession", err)
	}

	first, err := fx.app.Start(ctx, "webcam", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := fx.app.Start(ctx, "webcam", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("two sessions share an id")
	}

	rep, err := fx.app.Stop(ctx, "")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if rep.Session.ID != second.ID {
		t.Errorf("stopped %s, want most recent %s", rep.Session.ID, second.ID)
	}
	if rep.ExitReason != capture.ExitStopped.String() {
		t.Errorf("exit reason = %q, want stopped", rep.ExitReason)
	}
	if s, _ := fx.app.Session(first.ID); s.Status != session.StatusRunning {
		t.Errorf("first session status = %v, want still running", s.Status)
	}

	rep, err = fx.app.Stop(ctx, "")
	if err != nil || rep.Session.ID != first.ID {
		t.Fatalf("second Stop = %s, %v; want %s", rep.Session.ID, err, first.ID)
	}
	if _, err := fx.app.Stop(ctx, ""); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("third Stop err = %v, want ErrNoActiveSession", err)
	}
}

func TestStartErrors(t *testing.T) {
	t.Parallel()

	t.Run("unknown mode", func(t *testing.T) {
		t.Parallel()
		fx := newTestApp(t, testSources(nil))
		for _, mode := range []string{"", "realtime", "hologram"} {
			if _, err := fx.app.Start(context.Background(), mode, ""); !errors.Is(err, ErrUnknownMode) {
				t.Errorf("Start(%q) err = %v, want ErrUnknownMode", mode, err)
			}
		}
		if n := len(fx.app.Sessions()); n != 0 {
			t.Errorf("%d sessions registered, want 0", n)
		}
	})

	t.Run("source cannot be opened", func(t *testing.T) {
		t.Parallel()
		openErr := errors.New("no such file")
		fx := newTestApp(t, testSources(openErr))
		if _, err := fx.app.Start(context.Background(), "video", "missing.mp4"); !errors.Is(err, openErr) {
			t.Fatalf("Start err = %v, want %v", err, openErr)
		}
		list := fx.app.Sessions()
		if len(list) != 1 || list[0].Status != session.StatusStopped {
			t.Fatalf("sessions = %+v, want one stopped session", list)
		}
		if _, err := os.Stat(list[0].LogPath); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("log exists after failed start: %v", err)
		}
	})

	t.Run("unknown session id", func(t *testing.T) {
		t.Parallel()
		fx := newTestApp(t, testSources(nil))
		if _, err := fx.app.Stop(context.Background(), "01890a5d-ac96-774b-bcce-b302099a8057"); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Stop err = %v, want ErrSessionNotFound", err)
		}
	})
}

func TestExhaustedSourceMarksSessionStopped(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	sess, err := fx.app.Start(context.Background(), "images", "frames/")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := fx.app.Session(sess.ID)
		if s.Status == session.StatusStopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still %v after source exhaustion", s.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stopping a finished session still yields its report.
	rep, err := fx.app.Stop(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(rep.Summary.Timeline) != 5 || rep.ExitReason != capture.ExitSourceExhausted.String() {
		t.Errorf("report = %d rows, exit %q", len(rep.Summary.Timeline), rep.ExitReason)
	}
	// And Stop without an id no longer considers it.
	if _, err := fx.app.Stop(context.Background(), ""); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Stop err = %v, want ErrNoActiveSession", err)
	}
}

func TestStopReleasesWorker(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()

	sess, err := fx.app.Start(ctx, "video", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := fx.app.captures.Held(); got != 1 {
		t.Fatalf("held workers after start = %d, want 1", got)
	}
	first, err := fx.app.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fx.app.captures.Held(); got != 0 {
		t.Errorf("held workers after stop = %d, want 0", got)
	}
	if _, _, ok := fx.app.Progress(sess.ID); ok {
		t.Error("progress still reported for a collected session")
	}

	// A repeated stop reports on the closed log again.
	again, err := fx.app.Stop(ctx, sess.ID)
	if err != nil {
		t.Fatalf("repeated Stop: %v", err)
	}
	if again.Session.ID != sess.ID || again.Session.Status != session.StatusStopped {
		t.Errorf("repeated Stop session = %+v", again.Session)
	}
	if len(again.Summary.Timeline) != len(first.Summary.Timeline) || again.ExitReason != "" {
		t.Errorf("repeated Stop = %d rows exit %q, want %d rows and no exit reason",
			len(again.Summary.Timeline), again.ExitReason, len(first.Summary.Timeline))
	}
	if _, _, err := fx.app.captures.Stop(ctx, sess.ID); !errors.Is(err, ErrSessionStopped) {
		t.Errorf("manager Stop err = %v, want ErrSessionStopped", err)
	}

	rtID, _, err := fx.app.RTStart(ctx)
	if err != nil {
		t.Fatalf("RTStart: %v", err)
	}
	if _, err := fx.app.RTStop(ctx); err != nil {
		t.Fatalf("RTStop: %v", err)
	}
	for _, id := range []string{rtID, "01890a5d-ac96-774b-bcce-b302099a8057"} {
		if _, err := fx.app.Stop(ctx, id); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("Stop(%s) err = %v, want ErrSessionNotFound", id, err)
		}
	}
}

func TestExhaustedSessionHeldUntilStopped(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	sess, err := fx.app.Start(context.Background(), "images", "frames/")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(fx.app.captures.Running()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still running after source exhaustion")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := fx.app.captures.Held(); got != 1 {
		t.Fatalf("held workers before stop = %d, want 1", got)
	}
	if _, err := fx.app.Stop(context.Background(), sess.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fx.app.captures.Held(); got != 0 {
		t.Errorf("held workers after stop = %d, want 0", got)
	}
}

func TestConcurrentSessionsHaveIndependentLogs(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()

	a, err := fx.app.Start(ctx, "video", "a.mp4")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	b, err := fx.app.Start(ctx, "video", "b.mp4")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ra, err := fx.app.Stop(ctx, a.ID)
	if err != nil {
		t.Fatalf("Stop(a): %v", err)
	}
	rb, err := fx.app.Stop(ctx, b.ID)
	if err != nil {
		t.Fatalf("Stop(b): %v", err)
	}
	if len(ra.Summary.Timeline) != 5 || len(rb.Summary.Timeline) != 5 {
		t.Fatalf("timelines = %d/%d, want 5/5", len(ra.Summary.Timeline), len(rb.Summary.Timeline))
	}
	// Fresh smoothers: both sessions saw the same inputs, so their smoothed
	// series match exactly.
	for i := range ra.Summary.Timeline {
		if ra.Summary.Timeline[i] != rb.Summary.Timeline[i] {
			t.Errorf("timeline[%d] differs: %v vs %v", i, ra.Summary.Timeline[i], rb.Summary.Timeline[i])
		}
	}
}

func TestRealtimeLifecycle(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()

	if _, err := fx.app.RTStop(ctx); !errors.Is(err, realtime.ErrNoSession) {
		t.Fatalf("RTStop with none open err = %v, want ErrNoSession", err)
	}

	id, started, err := fx.app.RTStart(ctx)
	if err != nil || !started {
		t.Fatalf("RTStart = %q, %v, %v", id, started, err)
	}
	again, started, err := fx.app.RTStart(ctx)
	if err != nil || started || again != id {
		t.Fatalf("second RTStart = %q, %v, %v; want %q, false", again, started, err, id)
	}

	rep, err := fx.app.RTStop(ctx)
	if err != nil {
		t.Fatalf("RTStop: %v", err)
	}
	if rep.Session.ID != id || rep.Session.Mode != framesource.ModeRealtime {
		t.Errorf("session = %+v", rep.Session)
	}
	if rep.Summary.Status != report.StatusNoRows {
		t.Errorf("summary status = %q, want no_rows", rep.Summary.Status)
	}
	if rep.Charts.EmotionPie != nil || rep.Charts.EngagementLine != nil {
		t.Errorf("charts = %+v, want none for an empty session", rep.Charts)
	}
}

func TestAnalyticsOfUnknownSession(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	rep := fx.app.Analytics(context.Background(), "not-a-session")
	if rep.Status != report.StatusNotFound || rep.Summary != nil {
		t.Errorf("report = %+v, want not_found without summary", rep)
	}
}

func TestShutdownStopsRunningSessions(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	ctx := context.Background()
	sess, err := fx.app.Start(ctx, "webcam", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	rtID, _, _ := fx.app.RTStart(ctx)

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := fx.app.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range []string{sess.ID, rtID} {
		if s, _ := fx.app.Session(id); s.Status != session.StatusStopped {
			t.Errorf("session %s status = %v, want stopped", id, s.Status)
		}
	}
	if fx.det.CloseCallCount != 1 || fx.cls.CloseCallCount != 1 {
		t.Errorf("provider closes = %d/%d, want 1/1", fx.det.CloseCallCount, fx.cls.CloseCallCount)
	}
	// Idempotent.
	if err := fx.app.Shutdown(sctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestCheckers(t *testing.T) {
	t.Parallel()

	fx := newTestApp(t, testSources(nil))
	names := map[string]bool{}
	for _, c := range fx.app.Checkers() {
		names[c.Name] = true
		if err := c.Check(context.Background()); err != nil {
			t.Errorf("check %s: %v", c.Name, err)
		}
	}
	if !names["log_dir"] || !names["report_dir"] {
		t.Errorf("checkers = %v, want log_dir and report_dir", names)
	}
	if names["detector"] {
		t.Error("unguarded detector should have no breaker check")
	}
}

func TestCheckers_OpenCircuit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := &config.Config{Storage: config.StorageConfig{LogDir: filepath.Join(dir, "logs"), ReportDir: filepath.Join(dir, "reports")}}
	config.ApplyDefaults(cfg)
	det := resilience.GuardDetector(&detectormock.Detector{DetectErr: errors.New("down")}, resilience.CircuitBreakerConfig{Name: "detector", MaxFailures: 1})
	a, err := New(cfg, &Providers{Detector: det, Classifier: &classifiermock.Classifier{}, Sources: testSources(nil)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	_, _ = det.Detect(context.Background(), framemock.Solid(4, 4, color.Black))
	for _, c := range a.Checkers() {
		if c.Name != "detector" {
			continue
		}
		if err := c.Check(context.Background()); err == nil {
			t.Error("detector check passed with an open circuit")
		}
		return
	}
	t.Error("no detector checker registered")
}
