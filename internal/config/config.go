package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the autopilot service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Platform   PlatformConfig
	Scheduler  SchedulerConfig
	StopLoss   StopLossConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// ClickHouseConfig configures the execution-history store.
type ClickHouseConfig struct {
	Enabled  bool
	Addr     string
	Database string
	User     string
	Password string
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// PlatformConfig configures the remote ad platform client, quota tracking
// and dispatch retry behavior.
type PlatformConfig struct {
	BaseURL        string
	RequestTimeout time.Duration

	// Quota tracking.
	CallBudget       int
	SafetyCeilingPct float64
	WaitStartPct     float64
	MaxWait          time.Duration
	UsageWindow      time.Duration

	// Dispatch retry bounds.
	MaxAttempts       int
	BatchSize         int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	ServerErrorBase   time.Duration
	ServerErrorMax    time.Duration
}

// SchedulerConfig tunes the schedule runner.
type SchedulerConfig struct {
	SweepInterval   time.Duration
	CleanupInterval time.Duration
}

// StopLossConfig tunes the stop-loss runner.
type StopLossConfig struct {
	SweepInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("AUTOPILOT_HTTP_ADDR", ":8080"),
			Env:             getEnv("AUTOPILOT_ENV", "development"),
			ShutdownTimeout: getDurationEnv("AUTOPILOT_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolEnv("AUTOPILOT_DB_ENABLED", false),
			Host:     getEnv("AUTOPILOT_DB_HOST", "localhost"),
			Port:     getIntEnv("AUTOPILOT_DB_PORT", 5432),
			User:     getEnv("AUTOPILOT_DB_USER", "autopilot"),
			Password: getEnv("AUTOPILOT_DB_PASSWORD", "autopilot_secret"),
			DBName:   getEnv("AUTOPILOT_DB_NAME", "autopilot"),
			SSLMode:  getEnv("AUTOPILOT_DB_SSLMODE", "disable"),
			MaxConns: getIntEnv("AUTOPILOT_DB_MAX_CONNS", 25),
			MinConns: getIntEnv("AUTOPILOT_DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getBoolEnv("AUTOPILOT_REDIS_ENABLED", false),
			Addr:     getEnv("AUTOPILOT_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("AUTOPILOT_REDIS_PASSWORD", ""),
			DB:       getIntEnv("AUTOPILOT_REDIS_DB", 0),
		},
		ClickHouse: ClickHouseConfig{
			Enabled:  getBoolEnv("AUTOPILOT_CLICKHOUSE_ENABLED", false),
			Addr:     getEnv("AUTOPILOT_CLICKHOUSE_ADDR", "localhost:9000"),
			Database: getEnv("AUTOPILOT_CLICKHOUSE_DB", "autopilot"),
			User:     getEnv("AUTOPILOT_CLICKHOUSE_USER", "default"),
			Password: getEnv("AUTOPILOT_CLICKHOUSE_PASSWORD", ""),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("AUTOPILOT_AUTH_ENABLED", true),
			MasterKey: getEnv("AUTOPILOT_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("AUTOPILOT_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("AUTOPILOT_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("AUTOPILOT_RATE_LIMIT_RPS", 100),
			Burst:   getIntEnv("AUTOPILOT_RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("AUTOPILOT_LOG_LEVEL", "info"),
			Format: getEnv("AUTOPILOT_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("AUTOPILOT_METRICS_ENABLED", true),
			Path:      getEnv("AUTOPILOT_METRICS_PATH", "/metrics"),
			Namespace: getEnv("AUTOPILOT_METRICS_NAMESPACE", "autopilot"),
		},
		Platform: PlatformConfig{
			BaseURL:        getEnv("AUTOPILOT_PLATFORM_BASE_URL", "https://graph.adplatform.example/v18.0"),
			RequestTimeout: getDurationEnv("AUTOPILOT_PLATFORM_TIMEOUT", 30*time.Second),

			CallBudget:       getIntEnv("AUTOPILOT_PLATFORM_CALL_BUDGET", 200),
			SafetyCeilingPct: getFloatEnv("AUTOPILOT_PLATFORM_SAFETY_CEILING_PCT", 95),
			WaitStartPct:     getFloatEnv("AUTOPILOT_PLATFORM_WAIT_START_PCT", 80),
			MaxWait:          getDurationEnv("AUTOPILOT_PLATFORM_MAX_WAIT", 60*time.Second),
			UsageWindow:      getDurationEnv("AUTOPILOT_PLATFORM_USAGE_WINDOW", time.Hour),

			MaxAttempts:       getIntEnv("AUTOPILOT_PLATFORM_MAX_ATTEMPTS", 3),
			BatchSize:         getIntEnv("AUTOPILOT_PLATFORM_BATCH_SIZE", 50),
			BackoffBase:       getDurationEnv("AUTOPILOT_PLATFORM_BACKOFF_BASE", 5*time.Second),
			BackoffMultiplier: getFloatEnv("AUTOPILOT_PLATFORM_BACKOFF_MULTIPLIER", 2),
			BackoffMax:        getDurationEnv("AUTOPILOT_PLATFORM_BACKOFF_MAX", 5*time.Minute),
			ServerErrorBase:   getDurationEnv("AUTOPILOT_PLATFORM_SERVER_ERROR_BASE", 2*time.Second),
			ServerErrorMax:    getDurationEnv("AUTOPILOT_PLATFORM_SERVER_ERROR_MAX", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			SweepInterval:   getDurationEnv("AUTOPILOT_SCHEDULER_SWEEP_INTERVAL", 5*time.Second),
			CleanupInterval: getDurationEnv("AUTOPILOT_SCHEDULER_CLEANUP_INTERVAL", 15*time.Minute),
		},
		StopLoss: StopLossConfig{
			SweepInterval: getDurationEnv("AUTOPILOT_STOPLOSS_SWEEP_INTERVAL", 5*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("AUTOPILOT_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("AUTOPILOT_PLATFORM_BASE_URL must not be empty")
	}
	if c.Platform.SafetyCeilingPct <= c.Platform.WaitStartPct {
		return fmt.Errorf("AUTOPILOT_PLATFORM_SAFETY_CEILING_PCT (%g) must exceed AUTOPILOT_PLATFORM_WAIT_START_PCT (%g)",
			c.Platform.SafetyCeilingPct, c.Platform.WaitStartPct)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
