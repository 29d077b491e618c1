package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/engagemeter/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Engagement: config.EngagementConfig{Weights: map[string]float64{"happy": 1}},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		wantLevel   bool
		wantRestart []string
	}{
		{name: "identical", mutate: func(*config.Config) {}},
		{
			name:      "log level only",
			mutate:    func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLevel: true,
		},
		{
			name:        "listen address",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			wantRestart: []string{"server"},
		},
		{
			name: "weights and provider",
			mutate: func(c *config.Config) {
				c.Engagement.Weights = map[string]float64{"happy": 0.5}
				c.Providers.Classifier.BaseURL = "http://elsewhere:5000"
			},
			wantRestart: []string{"engagement", "providers"},
		},
		{
			name: "level and realtime",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogError
				c.Realtime.ClassifyConcurrency = 1
			},
			wantLevel:   true,
			wantRestart: []string{"realtime"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, updated := baseConfig(), baseConfig()
			tt.mutate(updated)

			d := config.Diff(old, updated)
			if d.LogLevelChanged != tt.wantLevel {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLevel)
			}
			if tt.wantLevel && d.NewLogLevel != updated.Server.LogLevel {
				t.Errorf("NewLogLevel = %q, want %q", d.NewLogLevel, updated.Server.LogLevel)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			if d.Changed() != (tt.wantLevel || len(tt.wantRestart) > 0) {
				t.Errorf("Changed() = %v", d.Changed())
			}
		})
	}
}
