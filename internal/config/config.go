// Package config loads process configuration from config/{ENV_NAME}.yaml
// plus environment overrides and an optional secrets overlay, following the
// shadow-struct-then-fill pattern the teacher uses for its weather-API
// config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the pipeline's runtime configuration.
type Config struct {
	Environment string // "development" or "production" (§6)
	TestingMode bool

	DatabaseURL string

	UpstreamToken      string // bearer token for the gridded-binary source (§6)
	SoundingOrigin     string
	SoundingReferer    string
	SoundingXAuth      string
	CollectorUserAgent string

	AdminUsername string
	AdminPassword string

	RateLimitPerMinute int // default 100 (§6)

	SchedulerEnabled       bool
	ForecastJobHoursUTC    []int // default 0,6,12,18
	ObservationJobHoursUTC []int // default 8,10,12,14,16,18
	MisfireGrace           time.Duration

	MatchTolerance time.Duration // T in §4.5, default 30m

	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	DBPoolMinConns int32
	DBPoolMaxConns int32

	SweepInterval time.Duration // §9 periodic sweep of rate-limiter/breaker state

	ServerPort string // for /healthz + /metrics (ambient ops surface)
}

type fileConfig struct {
	Environment string `yaml:"environment"`
	TestingMode *bool  `yaml:"testing_mode"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Upstream struct {
		SoundingOrigin  string `yaml:"sounding_origin"`
		SoundingReferer string `yaml:"sounding_referer"`
		UserAgent       string `yaml:"user_agent"`
	} `yaml:"upstream"`

	Admin struct {
		Username string `yaml:"username"`
	} `yaml:"admin"`

	Reliability struct {
		RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
		RequestTimeout     string `yaml:"request_timeout"`
		RetryMaxAttempts   int    `yaml:"retry_max_attempts"`
		RetryBaseDelay     string `yaml:"retry_base_delay"`
		RetryMaxDelay      string `yaml:"retry_max_delay"`
		SweepInterval      string `yaml:"sweep_interval"`
	} `yaml:"reliability"`

	Scheduler struct {
		Enabled          *bool  `yaml:"enabled"`
		ForecastHours    string `yaml:"forecast_hours_utc"`
		ObservationHours string `yaml:"observation_hours_utc"`
		MisfireGrace     string `yaml:"misfire_grace"`
	} `yaml:"scheduler"`

	Matching struct {
		Tolerance string `yaml:"tolerance"`
	} `yaml:"matching"`

	Storage struct {
		PoolMinConns int32 `yaml:"pool_min_conns"`
		PoolMaxConns int32 `yaml:"pool_max_conns"`
	} `yaml:"storage"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

type secretsFile struct {
	UpstreamToken string `yaml:"upstream_token"`
	SoundingXAuth string `yaml:"sounding_x_auth"`
	AdminPassword string `yaml:"admin_password"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default development)
// and config/secrets.yaml. Secrets may also come from env vars, which take
// precedence. Call from the project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "development"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{Environment: "development"}
	if fc.Environment != "" {
		cfg.Environment = fc.Environment
	}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = fc.Database.URL
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL required (set env or database.url in config)")
	}

	cfg.UpstreamToken = os.Getenv("UPSTREAM_TOKEN")
	cfg.SoundingXAuth = os.Getenv("SOUNDING_X_AUTH")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	if cfg.UpstreamToken == "" || cfg.SoundingXAuth == "" || cfg.AdminPassword == "" {
		secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
		secretsData, err := os.ReadFile(secretsPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read secrets file: %w", err)
			}
		} else {
			var sec secretsFile
			if err := yaml.Unmarshal(secretsData, &sec); err != nil {
				return nil, fmt.Errorf("parse secrets file: %w", err)
			}
			if cfg.UpstreamToken == "" {
				cfg.UpstreamToken = sec.UpstreamToken
			}
			if cfg.SoundingXAuth == "" {
				cfg.SoundingXAuth = sec.SoundingXAuth
			}
			if cfg.AdminPassword == "" {
				cfg.AdminPassword = sec.AdminPassword
			}
		}
	}
	// UpstreamToken absence is tolerated (§4.2.1); collection proceeds
	// unauthenticated. AdminPassword belongs to the out-of-scope read API; it
	// is loaded here since config is the one shared loader, but validate does
	// not check it and an empty value is accepted.

	cfg.SoundingOrigin = fc.Upstream.SoundingOrigin
	cfg.SoundingReferer = fc.Upstream.SoundingReferer
	cfg.CollectorUserAgent = fc.Upstream.UserAgent
	if cfg.CollectorUserAgent == "" {
		cfg.CollectorUserAgent = "forecast-reconciler/1.0"
	}

	cfg.AdminUsername = fc.Admin.Username

	cfg.RateLimitPerMinute = fc.Reliability.RateLimitPerMinute
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 100
	}
	cfg.RequestTimeout = parseDuration(fc.Reliability.RequestTimeout, 10*time.Second)
	cfg.RetryAttempts = fc.Reliability.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 200*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.SweepInterval = parseDuration(fc.Reliability.SweepInterval, 5*time.Minute)

	enabled := true
	if fc.Scheduler.Enabled != nil {
		enabled = *fc.Scheduler.Enabled
	}
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		enabled = v != "false" && v != "0"
	}
	cfg.SchedulerEnabled = enabled

	cfg.ForecastJobHoursUTC = parseHourList(fc.Scheduler.ForecastHours, []int{0, 6, 12, 18})
	cfg.ObservationJobHoursUTC = parseHourList(fc.Scheduler.ObservationHours, []int{8, 10, 12, 14, 16, 18})
	cfg.MisfireGrace = parseDuration(fc.Scheduler.MisfireGrace, 30*time.Minute)

	cfg.MatchTolerance = parseDuration(fc.Matching.Tolerance, 30*time.Minute)

	cfg.DBPoolMinConns = fc.Storage.PoolMinConns
	if cfg.DBPoolMinConns <= 0 {
		cfg.DBPoolMinConns = 5
	}
	cfg.DBPoolMaxConns = fc.Storage.PoolMaxConns
	if cfg.DBPoolMaxConns <= 0 {
		cfg.DBPoolMaxConns = 20
	}

	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseHourList parses a comma-separated list of UTC hours (e.g. "0,6,12,18")
// falling back to def on empty input or any unparsable entry.
func parseHourList(s string, def []int) []int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	parts := strings.Split(s, ",")
	hours := make([]int, 0, len(parts))
	for _, p := range parts {
		h, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || h < 0 || h > 23 {
			return def
		}
		hours = append(hours, h)
	}
	return hours
}

func parseDuration(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// validate performs post-load sanity checks.
func validate(cfg *Config) error {
	if cfg.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if cfg.DBPoolMinConns > cfg.DBPoolMaxConns {
		return fmt.Errorf("storage.pool_min_conns (%d) exceeds pool_max_conns (%d)", cfg.DBPoolMinConns, cfg.DBPoolMaxConns)
	}
	switch cfg.Environment {
	case "development", "production":
		// valid
	default:
		return fmt.Errorf("environment must be development or production, got %q", cfg.Environment)
	}
	return nil
}
