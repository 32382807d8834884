package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// FieldConfig describes how one extracted value is displayed.
type FieldConfig struct {
	Key    string `mapstructure:"key"`
	Label  string `mapstructure:"label"`
	Format string `mapstructure:"format"`
}

// WidgetConfig is one widget's persisted configuration: where to fetch from,
// which sub-path to extract, and how to present it.
type WidgetConfig struct {
	ID                 string        `mapstructure:"id"`
	Type               string        `mapstructure:"type"` // card, table, chart
	URL                string        `mapstructure:"url"`
	DataPath           string        `mapstructure:"data_path"`
	RefreshIntervalSec int           `mapstructure:"refresh_interval_sec"` // 0 = manual only
	Fields             []FieldConfig `mapstructure:"fields"`
}

// Config holds all configuration for the dashboard data layer.
type Config struct {
	// Cache tuning
	StalenessWindowSec int `mapstructure:"staleness_window_sec"`
	EvictionGraceSec   int `mapstructure:"eviction_grace_sec"`
	RequestTimeoutSec  int `mapstructure:"request_timeout_sec"`

	// Outbound politeness
	RateLimitPerSec float64 `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst  int     `mapstructure:"rate_limit_burst"`

	LogLevel string `mapstructure:"log_level"`

	Widgets []WidgetConfig `mapstructure:"widgets"`
}

var validWidgetTypes = map[string]bool{"card": true, "table": true, "chart": true}

// Load reads configuration from environment variables and an optional yaml
// config file. Environment variables take precedence over file values.
//
// Expected environment variables:
//   - DASHFETCH_STALENESS_WINDOW_SEC (optional, default 5)
//   - DASHFETCH_EVICTION_GRACE_SEC (optional, default 30)
//   - DASHFETCH_REQUEST_TIMEOUT_SEC (optional, default 10)
//   - DASHFETCH_RATE_LIMIT_PER_SEC (optional, default 4)
//   - DASHFETCH_LOG_LEVEL (optional, default "info")
//
// Widgets come from the config file ("dashboard.yaml" in the working
// directory or $HOME/.dashfetch).
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("DASHFETCH")
	v.AutomaticEnv()

	v.SetDefault("staleness_window_sec", 5)
	v.SetDefault("eviction_grace_sec", 30)
	v.SetDefault("request_timeout_sec", 10)
	v.SetDefault("rate_limit_per_sec", 4.0)
	v.SetDefault("rate_limit_burst", 2)
	v.SetDefault("log_level", "info")

	v.SetConfigName("dashboard")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.dashfetch")

	// Read config file (ignore if not found)
	_ = v.ReadInConfig()

	v.BindEnv("staleness_window_sec", "DASHFETCH_STALENESS_WINDOW_SEC")
	v.BindEnv("eviction_grace_sec", "DASHFETCH_EVICTION_GRACE_SEC")
	v.BindEnv("request_timeout_sec", "DASHFETCH_REQUEST_TIMEOUT_SEC")
	v.BindEnv("rate_limit_per_sec", "DASHFETCH_RATE_LIMIT_PER_SEC")
	v.BindEnv("rate_limit_burst", "DASHFETCH_RATE_LIMIT_BURST")
	v.BindEnv("log_level", "DASHFETCH_LOG_LEVEL")

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validate(c *Config) error {
	var problems []string
	seen := make(map[string]bool, len(c.Widgets))

	for i, w := range c.Widgets {
		where := fmt.Sprintf("widgets[%d]", i)
		if w.ID == "" {
			problems = append(problems, where+": missing id")
		} else if seen[w.ID] {
			problems = append(problems, where+": duplicate id "+w.ID)
		}
		seen[w.ID] = true

		if w.URL == "" {
			problems = append(problems, where+": missing url")
		}
		if !validWidgetTypes[w.Type] {
			problems = append(problems, fmt.Sprintf("%s: invalid type %q", where, w.Type))
		}
		if w.RefreshIntervalSec < 0 {
			problems = append(problems, where+": negative refresh_interval_sec")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
