// Package config defines the refresh daemon configuration.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// LivenessTransport selects how probe signals travel between processes.
type LivenessTransport string

const (
	LivenessMemory LivenessTransport = "memory"
	LivenessFS     LivenessTransport = "fs"
	LivenessKafka  LivenessTransport = "kafka"
)

// Config is the top-level configuration of refreshd.
type Config struct {
	// TimeUnit scales every protocol timing. One unit is one second in
	// production.
	TimeUnit               time.Duration `mapstructure:"time_unit" validate:"gt=0"`
	ProbeWindowUnits       int           `mapstructure:"probe_window_units" validate:"gt=0"`
	NotificationDelayUnits int           `mapstructure:"notification_delay_units" validate:"gte=0"`
	SelfAppID              string        `mapstructure:"self_app_id" validate:"required"`
	FetchInterval          time.Duration `mapstructure:"fetch_interval" validate:"gt=0"`
	RefreshOnLaunch        bool          `mapstructure:"refresh_on_launch"`
	ExitInBackground       bool          `mapstructure:"exit_in_background"`
	LogLevel               string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`

	Budget    BudgetConfig    `mapstructure:"budget"`
	Liveness  LivenessConfig  `mapstructure:"liveness"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Installer InstallerConfig `mapstructure:"installer"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	API       APIConfig       `mapstructure:"api"`
}

// APIConfig configures the control API. An empty Addr disables it.
type APIConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// BudgetConfig models the OS allowance for extended background execution.
type BudgetConfig struct {
	MaxDuration   time.Duration `mapstructure:"max_duration" validate:"gt=0"`
	GrantsPerHour float64       `mapstructure:"grants_per_hour" validate:"gte=0"`
	Burst         int           `mapstructure:"burst" validate:"gte=1"`
}

// LivenessConfig configures the probe transport.
type LivenessConfig struct {
	Transport LivenessTransport `mapstructure:"transport" validate:"oneof=memory fs kafka"`
	Dir       string            `mapstructure:"dir" validate:"required_if=Transport fs"`
	Kafka     KafkaConfig       `mapstructure:"kafka"`
	// Respond lists app IDs whose probes this process answers itself.
	Respond []string `mapstructure:"respond"`
}

// KafkaConfig locates the probe topic.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

// StorageConfig selects the app repository. A DSN selects postgres,
// otherwise apps are kept in memory and seeded from SeedFile.
type StorageConfig struct {
	DSN        string `mapstructure:"dsn"`
	SeedFile   string `mapstructure:"seed_file"`
	Migrations string `mapstructure:"migrations" validate:"required_with=DSN"`
}

// ServerConfig is one helper server candidate.
type ServerConfig struct {
	ID      string `mapstructure:"id" validate:"required"`
	Address string `mapstructure:"address" validate:"required,hostname_port"`
}

// DiscoveryConfig configures helper server discovery.
type DiscoveryConfig struct {
	Servers     []ServerConfig `mapstructure:"servers" validate:"dive"`
	DialTimeout time.Duration  `mapstructure:"dial_timeout" validate:"gt=0"`
	Interval    time.Duration  `mapstructure:"interval" validate:"gt=0"`
}

// CatalogConfig locates the app catalog.
type CatalogConfig struct {
	URL        string        `mapstructure:"url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries uint64        `mapstructure:"max_retries"`
}

// InstallerConfig controls install requests to the helper server.
type InstallerConfig struct {
	Timeout           time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries        uint64        `mapstructure:"max_retries"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gte=0"`
}

// TelemetryConfig enables OTLP export when Endpoint is set.
type TelemetryConfig struct {
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio" validate:"gte=0,lte=1"`
}

// ProbeWindow returns the probe deadline.
func (c *Config) ProbeWindow() time.Duration {
	return time.Duration(c.ProbeWindowUnits) * c.TimeUnit
}

// NotificationDelay returns the provisional notification delay.
func (c *Config) NotificationDelay() time.Duration {
	return time.Duration(c.NotificationDelayUnits) * c.TimeUnit
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks c for missing or out of range values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Liveness.Transport == LivenessKafka && (len(c.Liveness.Kafka.Brokers) == 0 || c.Liveness.Kafka.Topic == "") {
		return errors.New("invalid configuration: kafka liveness transport needs brokers and a topic")
	}
	return nil
}
