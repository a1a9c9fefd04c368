package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	appErrors "sensor-streamer/pkg/errors"
)

var validate = validator.New()

// Config is the fully resolved application configuration, assembled from
// .env plus environment variables the way the teacher's internal/config
// package assembles its Config.
type Config struct {
	Server      ServerConfig
	DebugServer DebugServerConfig
	Sensor      SensorConfig
	Queue       QueueConfig
	ClickHouse  ClickHouseConfig
}

type ServerConfig struct {
	Environment string
	AuthToken   string
}

// DebugServerConfig controls the local read-only HTTP status surface
// (internal/debugapi) — the Go-native stand-in for the mobile UI's
// observable subscription described in spec §4.6/§6.
type DebugServerConfig struct {
	Enabled bool
	Host    string
	Port    string
}

// SensorConfig resolves the SENSOR_* variables of spec §6.
type SensorConfig struct {
	StreamingEnabled bool
	RateHz           int `validate:"gt=0"`
	BatchMS          int `validate:"gte=50,lte=1000"`
}

// QueueConfig resolves retention knobs and location for the persistent queue.
type QueueConfig struct {
	Path                string `validate:"required"`
	AckedRetentionDays  int
	FailedRetentionDays int
}

// ClickHouseConfig resolves the CLICKHOUSE_* variables of spec §6.
type ClickHouseConfig struct {
	URL      string
	User     string
	Password string
}

const (
	defaultSensorRateHz   = 50
	defaultSensorBatchMS  = 200
	minSensorBatchMS      = 50
	maxSensorBatchMS      = 1000
	defaultAckedRetention = 3
	defaultFailRetention  = 7
)

func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AddConfigPath(".")
	if homeDir, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(homeDir)
	}
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("Warning: config file not found: %v. Falling back to environment variables only.", err)
	}

	viper.SetDefault("SENSOR_RATE_HZ", defaultSensorRateHz)
	viper.SetDefault("SENSOR_BATCH_MS", defaultSensorBatchMS)
	viper.SetDefault("SENSOR_SQLITE_RETENTION_DAYS", defaultAckedRetention)
	viper.SetDefault("SENSOR_FAILED_RETENTION_DAYS", defaultFailRetention)
	viper.SetDefault("SENSOR_QUEUE_PATH", "sensor_queue.db")
	viper.SetDefault("DEBUG_SERVER_ENABLED", true)
	viper.SetDefault("DEBUG_SERVER_HOST", "127.0.0.1")
	viper.SetDefault("DEBUG_SERVER_PORT", "8089")

	cfg := &Config{
		Server: ServerConfig{
			Environment: viper.GetString("ENVIRONMENT"),
			AuthToken:   viper.GetString("SENSOR_AUTH_TOKEN"),
		},
		DebugServer: DebugServerConfig{
			Enabled: viper.GetBool("DEBUG_SERVER_ENABLED"),
			Host:    viper.GetString("DEBUG_SERVER_HOST"),
			Port:    viper.GetString("DEBUG_SERVER_PORT"),
		},
		Sensor: SensorConfig{
			StreamingEnabled: parseBool(viper.GetString("SENSOR_STREAMING_ENABLED")),
			RateHz:           viper.GetInt("SENSOR_RATE_HZ"),
			BatchMS:          clamp(viper.GetInt("SENSOR_BATCH_MS"), minSensorBatchMS, maxSensorBatchMS),
		},
		Queue: QueueConfig{
			Path:                viper.GetString("SENSOR_QUEUE_PATH"),
			AckedRetentionDays:  viper.GetInt("SENSOR_SQLITE_RETENTION_DAYS"),
			FailedRetentionDays: viper.GetInt("SENSOR_FAILED_RETENTION_DAYS"),
		},
		ClickHouse: ClickHouseConfig{
			URL:      viper.GetString("CLICKHOUSE_URL"),
			User:     viper.GetString("CLICKHOUSE_USER"),
			Password: viper.GetString("CLICKHOUSE_PASSWORD"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return appErrors.NewAppError("INVALID_CONFIG", err.Error(), appErrors.ErrInvalidConfig)
	}
	if c.Sensor.StreamingEnabled && c.ClickHouse.URL == "" {
		return appErrors.NewAppError("INVALID_CONFIG", "CLICKHOUSE_URL is required when sensor streaming is enabled", appErrors.ErrInvalidConfig)
	}
	if c.Queue.AckedRetentionDays <= 0 {
		c.Queue.AckedRetentionDays = defaultAckedRetention
	}
	if c.Queue.FailedRetentionDays <= 0 {
		c.Queue.FailedRetentionDays = defaultFailRetention
	}
	return nil
}

// AckedRetention returns the acked-row retention as a duration.
func (c QueueConfig) AckedRetention() time.Duration {
	return time.Duration(c.AckedRetentionDays) * 24 * time.Hour
}

// FailedRetention returns the failed-row retention as a duration.
func (c QueueConfig) FailedRetention() time.Duration {
	return time.Duration(c.FailedRetentionDays) * 24 * time.Hour
}

func parseBool(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "true")
}

func clamp(v, lo, hi int) int {
	if v == 0 {
		return defaultSensorBatchMS
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
