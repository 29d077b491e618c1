// Command engagemeter is the main entry point for the engagement scoring server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/engagemeter/internal/api"
	"github.com/MrWong99/engagemeter/internal/app"
	"github.com/MrWong99/engagemeter/internal/config"
	"github.com/MrWong99/engagemeter/internal/observe"
	"github.com/MrWong99/engagemeter/internal/resilience"
	"github.com/MrWong99/engagemeter/pkg/provider/classifier"
	"github.com/MrWong99/engagemeter/pkg/provider/classifier/onnx"
	classifierremote "github.com/MrWong99/engagemeter/pkg/provider/classifier/remote"
	"github.com/MrWong99/engagemeter/pkg/provider/detector"
	"github.com/MrWong99/engagemeter/pkg/provider/detector/haar"
	detectorremote "github.com/MrWong99/engagemeter/pkg/provider/detector/remote"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource/imagedir"
	"github.com/MrWong99/engagemeter/pkg/provider/framesource/opencv"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the configuration file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "engagemeter: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "engagemeter: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("engagemeter starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.NewTelemetry(observe.TelemetryConfig{
		ServiceVersion: version,
		Detector:       cfg.Providers.Detector.Name,
		Classifier:     cfg.Providers.Classifier.Name,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	tel.Install()
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Resilience)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(cfg, providers, app.WithMetrics(tel.Metrics))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeProviders(providers)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "log_level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes need a restart to apply", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(application,
		api.WithMetrics(tel.Metrics),
		api.WithMetricsHandler(tel.Handler()),
		api.WithCORSOrigins(cfg.Server.CORSOrigins...),
	)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("server ready, press Ctrl+C to shut down", "listen_addr", cfg.Server.ListenAddr)

	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		slog.Error("http server failed", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Sessions first: a blocked /stop request still gets its report.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		exitCode = 1
	}
	slog.Info("goodbye")
	return exitCode
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with engagemeter. Used for startup logging.
var builtinProviders = map[string][]string{
	"detector":   {"haar", "remote"},
	"classifier": {"remote", "onnx"},
	"source":     {"video", "webcam", "images"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Every inference provider is wrapped in a circuit breaker tuned by rc.
func registerBuiltinProviders(reg *config.Registry, rc config.ResilienceConfig) {
	breaker := func(name string) resilience.CircuitBreakerConfig {
		return resilience.CircuitBreakerConfig{
			Name:         name,
			MaxFailures:  rc.MaxFailures,
			ResetTimeout: rc.ResetTimeout,
		}
	}

	// ── Detectors ─────────────────────────────────────────────────────────────

	reg.RegisterDetector("haar", func(entry config.ProviderEntry) (detector.Provider, error) {
		var opts []haar.Option
		if f, ok := optFloat(entry.Options, "scale_factor"); ok {
			opts = append(opts, haar.WithScaleFactor(f))
		}
		if n, ok := optInt(entry.Options, "min_neighbors"); ok {
			opts = append(opts, haar.WithMinNeighbors(n))
		}
		if px, ok := optInt(entry.Options, "min_size"); ok {
			opts = append(opts, haar.WithMinSize(px))
		}
		d, err := haar.New(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.GuardDetector(d, breaker("detector/haar")), nil
	})

	reg.RegisterDetector("remote", func(entry config.ProviderEntry) (detector.Provider, error) {
		var opts []detectorremote.Option
		if t, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, detectorremote.WithTimeout(t))
		}
		d, err := detectorremote.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.GuardDetector(d, breaker("detector/remote")), nil
	})

	// ── Classifiers ───────────────────────────────────────────────────────────

	reg.RegisterClassifier("remote", func(entry config.ProviderEntry) (classifier.Provider, error) {
		var opts []classifierremote.Option
		if t, ok := optDuration(entry.Options, "timeout"); ok {
			opts = append(opts, classifierremote.WithTimeout(t))
		}
		c, err := classifierremote.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.GuardClassifier(c, breaker("classifier/remote")), nil
	})

	reg.RegisterClassifier("onnx", func(entry config.ProviderEntry) (classifier.Provider, error) {
		var opts []onnx.Option
		if labels := optStrings(entry.Options, "labels"); len(labels) > 0 {
			opts = append(opts, onnx.WithLabels(labels))
		}
		if px, ok := optInt(entry.Options, "input_size"); ok {
			opts = append(opts, onnx.WithInputSize(px))
		}
		switch out := optString(entry.Options, "output"); out {
		case "", "logits":
		case "probabilities":
			opts = append(opts, onnx.WithProbabilities())
		default:
			return nil, fmt.Errorf("onnx: unknown output %q, want logits or probabilities", out)
		}
		c, err := onnx.New(entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return resilience.GuardClassifier(c, breaker("classifier/onnx")), nil
	})

	// ── Frame sources ─────────────────────────────────────────────────────────

	video := func(config.CaptureConfig) (framesource.Opener, error) { return opencv.Opener{}, nil }
	reg.RegisterSource(framesource.ModeVideo, video)
	reg.RegisterSource(framesource.ModeWebcam, video)
	reg.RegisterSource(framesource.ModeImages, func(cc config.CaptureConfig) (framesource.Opener, error) {
		return imagedir.Opener{MaxFrames: cc.MaxFrames, DrainLimit: cc.StopDrainLimit}, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the configured detector and classifier and the
// frame source router. Unlike optional providers, both inference providers
// are required: a service that cannot score frames must not start.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	det, err := reg.CreateDetector(cfg.Providers.Detector)
	if err != nil {
		return nil, fmt.Errorf("create detector %q: %w", cfg.Providers.Detector.Name, err)
	}
	slog.Info("provider created", "kind", "detector", "name", cfg.Providers.Detector.Name)

	cls, err := reg.CreateClassifier(cfg.Providers.Classifier)
	if err != nil {
		_ = det.Close()
		return nil, fmt.Errorf("create classifier %q: %w", cfg.Providers.Classifier.Name, err)
	}
	slog.Info("provider created", "kind", "classifier", "name", cfg.Providers.Classifier.Name)

	router, err := reg.CreateRouter(cfg.Capture)
	if err != nil {
		_ = det.Close()
		_ = cls.Close()
		return nil, err
	}
	return &app.Providers{Detector: det, Classifier: cls, Sources: router}, nil
}

func closeProviders(ps *app.Providers) {
	if err := ps.Detector.Close(); err != nil {
		slog.Warn("detector close error", "err", err)
	}
	if err := ps.Classifier.Close(); err != nil {
		slog.Warn("classifier close error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      engagemeter startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Detector", cfg.Providers.Detector.Name, cfg.Providers.Detector.Model)
	printProvider("Classifier", cfg.Providers.Classifier.Name, cfg.Providers.Classifier.Model)
	fmt.Printf("║  Alpha           : %-19.2f ║\n", cfg.Engagement.Alpha)
	fmt.Printf("║  Log dir         : %-19s ║\n", truncate(cfg.Storage.LogDir))
	fmt.Printf("║  Report dir      : %-19s ║\n", truncate(cfg.Storage.ReportDir))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if model != "" {
		value = name + " / " + model
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, truncate(value))
}

func truncate(s string) string {
	if len([]rune(s)) > 19 {
		return string([]rune(s)[:18]) + "…"
	}
	return s
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), v == float64(int(v))
	}
	return 0, false
}

// optFloat extracts a numeric option.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optDuration parses a duration option such as "10s".
func optDuration(opts map[string]any, key string) (time.Duration, bool) {
	s := optString(opts, key)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid duration option", "key", key, "value", s, "err", err)
		return 0, false
	}
	return d, true
}

// optStrings extracts a list of strings, skipping non-string items.
func optStrings(opts map[string]any, key string) []string {
	items, _ := opts[key].([]any)
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
