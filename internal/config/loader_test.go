package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/engagemeter/internal/config"
)

const validYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  cors_origins: ["http://localhost:3000"]
  shutdown_timeout: 5s
storage:
  log_dir: /tmp/logs
  report_dir: /tmp/reports
engagement:
  alpha: 0.5
  weights:
    happy: 1.0
    neutral: 0.5
providers:
  detector:
    name: remote
    base_url: http://inference:5000
  classifier:
    name: onnx
    model: models/emotion.onnx
    options:
      labels: [angry, happy, neutral]
capture:
  default_video_path: clips/demo.mp4
  webcam_device: 1
realtime:
  classify_concurrency: 8
  max_image_bytes: 2048
resilience:
  max_failures: 3
  reset_timeout: 1m
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("shutdown_timeout: got %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Engagement.Alpha != 0.5 || cfg.Engagement.Weights["neutral"] != 0.5 {
		t.Errorf("engagement: got %+v", cfg.Engagement)
	}
	if cfg.Providers.Detector.BaseURL != "http://inference:5000" {
		t.Errorf("detector base_url: got %q", cfg.Providers.Detector.BaseURL)
	}
	labels, ok := cfg.Providers.Classifier.Options["labels"].([]any)
	if !ok || len(labels) != 3 {
		t.Errorf("classifier labels: got %#v", cfg.Providers.Classifier.Options["labels"])
	}
	if cfg.Capture.WebcamDevice != 1 || cfg.Realtime.ClassifyConcurrency != 8 {
		t.Errorf("capture/realtime: got %+v / %+v", cfg.Capture, cfg.Realtime)
	}
	if cfg.Resilience.ResetTimeout != time.Minute {
		t.Errorf("reset_timeout: got %s", cfg.Resilience.ResetTimeout)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Errorf("cors_origins: got %v", cfg.Server.CORSOrigins)
	}
	if cfg.Storage.LogDir != config.DefaultLogDir || cfg.Storage.ReportDir != config.DefaultReportDir {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Engagement.Alpha != config.DefaultSmoothingAlpha {
		t.Errorf("alpha: got %v", cfg.Engagement.Alpha)
	}
	if cfg.Providers.Detector.Name != "haar" || cfg.Providers.Detector.Model == "" {
		t.Errorf("detector: got %+v", cfg.Providers.Detector)
	}
	if cfg.Providers.Classifier.Name != "remote" || cfg.Providers.Classifier.BaseURL != config.DefaultInferenceURL {
		t.Errorf("classifier: got %+v", cfg.Providers.Classifier)
	}
	if cfg.Capture.DefaultVideoPath != config.DefaultVideoPath {
		t.Errorf("default_video_path: got %q", cfg.Capture.DefaultVideoPath)
	}
	if cfg.Realtime.MaxImageBytes != config.DefaultMaxImageBytes {
		t.Errorf("max_image_bytes: got %d", cfg.Realtime.MaxImageBytes)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_port: 8000\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantSub string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantSub: "server.log_level",
		},
		{
			name:    "alpha out of range",
			yaml:    "engagement:\n  alpha: 1.5\n",
			wantSub: "engagement.alpha",
		},
		{
			name:    "unknown detector",
			yaml:    "providers:\n  detector:\n    name: yolo\n",
			wantSub: "providers.detector.name",
		},
		{
			name:    "remote with relative base url",
			yaml:    "providers:\n  classifier:\n    name: remote\n    base_url: /classify\n",
			wantSub: "providers.classifier.base_url",
		},
		{
			name:    "onnx without model",
			yaml:    "providers:\n  classifier:\n    name: onnx\n",
			wantSub: "providers.classifier.model",
		},
		{
			name:    "negative webcam",
			yaml:    "capture:\n  webcam_device: -1\n",
			wantSub: "capture.webcam_device",
		},
		{
			name:    "negative stop drain limit",
			yaml:    "capture:\n  stop_drain_limit: -1\n",
			wantSub: "capture.stop_drain_limit",
		},
		{
			name:    "negative concurrency",
			yaml:    "realtime:\n  classify_concurrency: -2\n",
			wantSub: "realtime.classify_concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error should mention %q, got: %v", tt.wantSub, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader(`
server:
  log_level: loud
engagement:
  alpha: -1
providers:
  detector:
    name: yolo
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, sub := range []string{"server.log_level", "engagement.alpha", "providers.detector.name"} {
		if !strings.Contains(err.Error(), sub) {
			t.Errorf("error should mention %q, got: %v", sub, err)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}
