package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	chdirEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"StalenessWindowSec", cfg.StalenessWindowSec, 5},
		{"EvictionGraceSec", cfg.EvictionGraceSec, 30},
		{"RequestTimeoutSec", cfg.RequestTimeoutSec, 10},
		{"RateLimitBurst", cfg.RateLimitBurst, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
			}
		})
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if len(cfg.Widgets) != 0 {
		t.Errorf("Widgets = %d entries, want none without a config file", len(cfg.Widgets))
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdirEmpty(t)
	t.Setenv("DASHFETCH_STALENESS_WINDOW_SEC", "12")
	t.Setenv("DASHFETCH_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.StalenessWindowSec != 12 {
		t.Errorf("StalenessWindowSec = %d, want 12", cfg.StalenessWindowSec)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_WidgetsFromFile(t *testing.T) {
	writeConfig(t, `
widgets:
  - id: btc-card
    type: card
    url: https://api.example.com/price
    data_path: data
    refresh_interval_sec: 30
    fields:
      - key: price
        label: Price
        format: currency
  - id: history-chart
    type: chart
    url: https://api.example.com/history
    refresh_interval_sec: 0
`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if len(cfg.Widgets) != 2 {
		t.Fatalf("Widgets = %d entries, want 2", len(cfg.Widgets))
	}

	w := cfg.Widgets[0]
	if w.ID != "btc-card" || w.Type != "card" || w.DataPath != "data" {
		t.Errorf("unexpected first widget: %+v", w)
	}
	if w.RefreshIntervalSec != 30 {
		t.Errorf("RefreshIntervalSec = %d, want 30", w.RefreshIntervalSec)
	}
	if len(w.Fields) != 1 || w.Fields[0].Format != "currency" {
		t.Errorf("unexpected fields: %+v", w.Fields)
	}
}

func TestLoad_InvalidWidgetsRejected(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			"missing url",
			"widgets:\n  - id: w1\n    type: card\n",
		},
		{
			"bad type",
			"widgets:\n  - id: w1\n    type: gauge\n    url: https://x.test/\n",
		},
		{
			"duplicate ids",
			"widgets:\n  - id: w1\n    type: card\n    url: https://x.test/\n  - id: w1\n    type: table\n    url: https://y.test/\n",
		},
		{
			"negative interval",
			"widgets:\n  - id: w1\n    type: card\n    url: https://x.test/\n    refresh_interval_sec: -5\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, tt.yaml)
			if _, err := Load(); err == nil {
				t.Error("Load() = nil error, want validation failure")
			}
		})
	}
}

// chdirEmpty runs the test from an empty directory so no stray dashboard.yaml
// is picked up.
func chdirEmpty(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
}

// chdir changes into dir and restores the previous working directory when the
// test ends. (testing.T.Chdir needs Go 1.24.)
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}

func writeConfig(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "dashboard.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
}
