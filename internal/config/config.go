// Package config provides the configuration schema, loader, and provider registry
// for the engagemeter service.
package config

import "time"

// LogLevel controls log verbosity for the engagemeter server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults] to unset fields.
const (
	DefaultListenAddr       = ":8000"
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultLogDir           = "output/logs"
	DefaultReportDir        = "output/reports"
	DefaultVideoPath        = "data/videos/sample.mp4"
	DefaultDetector         = "haar"
	DefaultClassifier       = "remote"
	DefaultInferenceURL     = "http://127.0.0.1:5000"
	DefaultConcurrency      = 4
	DefaultMaxImageBytes    = 10 << 20
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultSmoothingAlpha   = 0.6
	defaultCascadeModelPath = "models/haarcascade_frontalface_default.xml"
)

// Config is the root configuration structure for engagemeter.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Engagement EngagementConfig `yaml:"engagement"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Capture    CaptureConfig    `yaml:"capture"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings for the HTTP server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`

	// CORSOrigins lists the origins allowed to call the API from a browser.
	// "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`

	// ShutdownTimeout bounds how long graceful shutdown waits for running
	// sessions to flush.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig places session logs and rendered reports on disk.
type StorageConfig struct {
	LogDir    string `yaml:"log_dir"`
	ReportDir string `yaml:"report_dir"`
}

// EngagementConfig configures scoring. Both values are fixed for the process
// lifetime.
type EngagementConfig struct {
	// Alpha is the smoothing factor in (0, 1].
	Alpha float64 `yaml:"alpha"`

	// Weights maps emotion labels to engagement weights. Empty selects the
	// built-in table.
	Weights map[string]float64 `yaml:"weights"`
}

// ProvidersConfig selects the inference backends. Each entry names a provider
// registered in the [Registry].
type ProvidersConfig struct {
	Detector   ProviderEntry `yaml:"detector"`
	Classifier ProviderEntry `yaml:"classifier"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "haar", "remote").
	Name string `yaml:"name"`

	// BaseURL is the endpoint of a remote inference service.
	BaseURL string `yaml:"base_url"`

	// Model is a local model file (Haar cascade XML, ONNX network).
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// CaptureConfig configures polling capture sessions.
type CaptureConfig struct {
	// DefaultVideoPath is used when a video start request names no path.
	DefaultVideoPath string `yaml:"default_video_path"`

	// WebcamDevice is the capture device index for webcam sessions.
	WebcamDevice int `yaml:"webcam_device"`

	// MaxFrames caps how many images an image-directory session loads. Zero
	// means no cap.
	MaxFrames int `yaml:"max_frames"`

	// StopDrainLimit caps how many preloaded images an image-directory
	// session still analyses after a stop. Zero uses the source default.
	StopDrainLimit int `yaml:"stop_drain_limit"`
}

// RealtimeConfig configures the per-request analysis path.
type RealtimeConfig struct {
	ClassifyConcurrency int `yaml:"classify_concurrency"`
	MaxImageBytes       int `yaml:"max_image_bytes"`
}

// ResilienceConfig configures the circuit breakers around inference providers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// ApplyDefaults fills unset fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.CORSOrigins == nil {
		cfg.Server.CORSOrigins = []string{"*"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Storage.LogDir == "" {
		cfg.Storage.LogDir = DefaultLogDir
	}
	if cfg.Storage.ReportDir == "" {
		cfg.Storage.ReportDir = DefaultReportDir
	}
	if cfg.Engagement.Alpha == 0 {
		cfg.Engagement.Alpha = DefaultSmoothingAlpha
	}
	if cfg.Providers.Detector.Name == "" {
		cfg.Providers.Detector.Name = DefaultDetector
	}
	if cfg.Providers.Detector.Name == "haar" && cfg.Providers.Detector.Model == "" {
		cfg.Providers.Detector.Model = defaultCascadeModelPath
	}
	if cfg.Providers.Classifier.Name == "" {
		cfg.Providers.Classifier.Name = DefaultClassifier
	}
	for _, e := range []*ProviderEntry{&cfg.Providers.Detector, &cfg.Providers.Classifier} {
		if e.Name == "remote" && e.BaseURL == "" {
			e.BaseURL = DefaultInferenceURL
		}
	}
	if cfg.Capture.DefaultVideoPath == "" {
		cfg.Capture.DefaultVideoPath = DefaultVideoPath
	}
	if cfg.Realtime.ClassifyConcurrency == 0 {
		cfg.Realtime.ClassifyConcurrency = DefaultConcurrency
	}
	if cfg.Realtime.MaxImageBytes == 0 {
		cfg.Realtime.MaxImageBytes = DefaultMaxImageBytes
	}
	if cfg.Resilience.MaxFailures == 0 {
		cfg.Resilience.MaxFailures = DefaultMaxFailures
	}
	if cfg.Resilience.ResetTimeout == 0 {
		cfg.Resilience.ResetTimeout = DefaultResetTimeout
	}
}
