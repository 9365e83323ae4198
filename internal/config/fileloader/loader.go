// Package fileloader loads refreshd configuration from an optional YAML file
// overlaid with REFRESHD_* environment variables.
package fileloader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/massimiliano76/AltStore/internal/config"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "REFRESHD"

// FileLoader implements config.Loader on top of viper.
type FileLoader struct {
	// path is the configuration file. Empty means environment and defaults only.
	path string
}

var _ config.Loader = (*FileLoader)(nil)

// NewFileLoader creates a FileLoader reading path.
func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path}
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("time_unit", time.Second)
	v.SetDefault("probe_window_units", 3)
	v.SetDefault("notification_delay_units", 5)
	v.SetDefault("self_app_id", "com.rileytestut.AltStore")
	v.SetDefault("fetch_interval", time.Hour)
	v.SetDefault("refresh_on_launch", false)
	v.SetDefault("exit_in_background", true)
	v.SetDefault("log_level", "info")

	v.SetDefault("budget.max_duration", 30*time.Second)
	v.SetDefault("budget.grants_per_hour", 12.0)
	v.SetDefault("budget.burst", 2)

	v.SetDefault("liveness.transport", string(config.LivenessMemory))
	v.SetDefault("liveness.dir", "")
	v.SetDefault("liveness.kafka.brokers", []string{})
	v.SetDefault("liveness.kafka.topic", "altstore-app-state")
	v.SetDefault("liveness.kafka.client_id", "refreshd")
	v.SetDefault("liveness.respond", []string{})

	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.seed_file", "")
	v.SetDefault("storage.migrations", "file://db/migrations")

	v.SetDefault("discovery.servers", []map[string]string{})
	v.SetDefault("discovery.dial_timeout", 2*time.Second)
	v.SetDefault("discovery.interval", 5*time.Second)

	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.timeout", 20*time.Second)
	v.SetDefault("catalog.max_retries", 3)

	v.SetDefault("installer.timeout", 2*time.Minute)
	v.SetDefault("installer.max_retries", 2)
	v.SetDefault("installer.requests_per_second", 0.0)

	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.sampling_ratio", 1.0)

	v.SetDefault("api.addr", "127.0.0.1:7788")
}

// Load reads the file, applies environment overrides and validates the result.
func (l *FileLoader) Load(ctx context.Context) (*config.Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
