package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"detector":   {"haar", "remote"},
	"classifier": {"remote", "onnx"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Storage
	if cfg.Storage.LogDir == "" {
		errs = append(errs, errors.New("storage.log_dir is required"))
	}
	if cfg.Storage.ReportDir == "" {
		errs = append(errs, errors.New("storage.report_dir is required"))
	}

	// Engagement
	if a := cfg.Engagement.Alpha; !(a > 0 && a <= 1) {
		errs = append(errs, fmt.Errorf("engagement.alpha %v is out of range (0, 1]", a))
	}
	for _, label := range slices.Sorted(maps.Keys(cfg.Engagement.Weights)) {
		if w := cfg.Engagement.Weights[label]; math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("engagement.weights[%s] is not a finite number", label))
		}
	}

	// Providers
	errs = append(errs, validateProvider("detector", cfg.Providers.Detector)...)
	errs = append(errs, validateProvider("classifier", cfg.Providers.Classifier)...)

	// Capture
	if cfg.Capture.WebcamDevice < 0 {
		errs = append(errs, fmt.Errorf("capture.webcam_device %d must not be negative", cfg.Capture.WebcamDevice))
	}
	if cfg.Capture.MaxFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.max_frames %d must not be negative", cfg.Capture.MaxFrames))
	}
	if cfg.Capture.StopDrainLimit < 0 {
		errs = append(errs, fmt.Errorf("capture.stop_drain_limit %d must not be negative", cfg.Capture.StopDrainLimit))
	}

	// Realtime
	if cfg.Realtime.ClassifyConcurrency < 0 {
		errs = append(errs, fmt.Errorf("realtime.classify_concurrency %d must not be negative", cfg.Realtime.ClassifyConcurrency))
	}
	if cfg.Realtime.MaxImageBytes < 0 {
		errs = append(errs, fmt.Errorf("realtime.max_image_bytes %d must not be negative", cfg.Realtime.MaxImageBytes))
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("resilience.max_failures %d must not be negative", cfg.Resilience.MaxFailures))
	}
	if cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", cfg.Resilience.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProvider checks one provider entry. Names are checked against
// [ValidProviderNames]; backend-specific fields are checked for known names.
func validateProvider(kind string, e ProviderEntry) []error {
	prefix := "providers." + kind
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", prefix)}
	}
	known := ValidProviderNames[kind]
	if !slices.Contains(known, e.Name) {
		return []error{fmt.Errorf("%s.name %q is unknown; valid values: %v", prefix, e.Name, known)}
	}

	var errs []error
	switch e.Name {
	case "remote":
		u, err := url.Parse(e.BaseURL)
		if e.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s.base_url %q must be an absolute URL for the remote provider", prefix, e.BaseURL))
		}
	case "haar", "onnx":
		if e.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required for the %s provider", prefix, e.Name))
		}
	}
	if e.BaseURL != "" && e.Name != "remote" {
		slog.Warn("provider base_url is ignored", "kind", kind, "name", e.Name)
	}
	return errs
}

