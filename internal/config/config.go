// Package config provides configuration management for the grin-miner client.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// DeviceConfig describes one solver device to bring up at startup.
// Params are free-form tuning parameters passed through to the solver
// family untouched.
type DeviceConfig struct {
	Family string
	Index  int
	Params map[string]string
}

// Config holds the global configuration for the miner
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Node connection
	NodeAddr     string
	NodeLogin    string
	NodePassword string

	// Session behavior
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	KeepaliveInterval  time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	SubmitQueueSize    int

	// Orchestration
	GraceWindow       time.Duration
	CancelDeadline    time.Duration
	DeviceMaxRestarts int
	DeviceRestartBase time.Duration

	// Solver devices
	EdgeBits int
	Devices  []DeviceConfig

	// Stats
	StatsInterval time.Duration

	// Kafka event feed (optional, empty disables)
	KafkaBrokers []string

	// Telemetry stores (optional, empty disables each)
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "grin-miner"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Node defaults
		NodeAddr:     getEnv("NODE_ADDR", "127.0.0.1:13416"),
		NodeLogin:    getEnv("NODE_LOGIN", ""),
		NodePassword: getEnv("NODE_PASSWORD", ""),

		// Session defaults
		ReconnectBaseDelay: getEnvDuration("RECONNECT_BASE_DELAY", 500*time.Millisecond),
		ReconnectMaxDelay:  getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		KeepaliveInterval:  getEnvDuration("KEEPALIVE_INTERVAL", 30*time.Second),
		ReadTimeout:        getEnvDuration("READ_TIMEOUT", 90*time.Second),
		WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		SubmitQueueSize:    getEnvInt("SUBMIT_QUEUE_SIZE", 64),

		// Orchestration defaults
		GraceWindow:       getEnvDuration("GRACE_WINDOW", 5*time.Second),
		CancelDeadline:    getEnvDuration("CANCEL_DEADLINE", 2*time.Second),
		DeviceMaxRestarts: getEnvInt("DEVICE_MAX_RESTARTS", 3),
		DeviceRestartBase: getEnvDuration("DEVICE_RESTART_BASE", time.Second),

		// Solver defaults
		EdgeBits: getEnvInt("EDGE_BITS", 31),

		// Stats defaults
		StatsInterval: getEnvDuration("STATS_INTERVAL", time.Second),

		// Kafka defaults (empty = disabled)
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", nil),

		// Telemetry store defaults (empty = disabled)
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "grin-miner"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	devices, err := ParseDevices(getEnv("DEVICES", "cpu:0"))
	if err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	cfg.Devices = devices

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ParseDevices parses a device table of the form
// "family:index[:key=value;key=value],family:index".
func ParseDevices(spec string) ([]DeviceConfig, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("DEVICES cannot be empty")
	}

	var devices []DeviceConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, ":", 3)
		if len(parts) < 2 {
			return nil, fmt.Errorf("device entry %q must be family:index", entry)
		}

		family := strings.TrimSpace(parts[0])
		if family == "" {
			return nil, fmt.Errorf("device entry %q has empty family", entry)
		}

		index, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("device entry %q has invalid index", entry)
		}

		dev := DeviceConfig{Family: family, Index: index}

		if len(parts) == 3 && parts[2] != "" {
			dev.Params = make(map[string]string)
			for _, kv := range strings.Split(parts[2], ";") {
				key, value, found := strings.Cut(kv, "=")
				if !found || key == "" {
					return nil, fmt.Errorf("device entry %q has invalid param %q", entry, kv)
				}
				dev.Params[key] = value
			}
		}

		devices = append(devices, dev)
	}

	if len(devices) == 0 {
		return nil, fmt.Errorf("DEVICES resolved to no devices")
	}

	return devices, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if _, _, err := net.SplitHostPort(c.NodeAddr); err != nil {
		return fmt.Errorf("NODE_ADDR must be host:port: %w", err)
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY > 0")
	}

	if c.SubmitQueueSize <= 0 {
		return fmt.Errorf("SUBMIT_QUEUE_SIZE must be positive")
	}

	if c.GraceWindow <= 0 {
		return fmt.Errorf("GRACE_WINDOW must be positive")
	}

	if c.CancelDeadline <= 0 {
		return fmt.Errorf("CANCEL_DEADLINE must be positive")
	}

	if c.DeviceMaxRestarts < 0 {
		return fmt.Errorf("DEVICE_MAX_RESTARTS cannot be negative")
	}

	if c.EdgeBits < 10 || c.EdgeBits > 32 {
		return fmt.Errorf("EDGE_BITS must be between 10 and 32")
	}

	if len(c.Devices) == 0 {
		return fmt.Errorf("at least one device must be configured")
	}

	if c.StatsInterval <= 0 {
		return fmt.Errorf("STATS_INTERVAL must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
