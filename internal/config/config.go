// Package config loads the loops server configuration from defaults, an
// optional config file and LOOPS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. LOOPS_LISTEN_ADDR.
const EnvPrefix = "LOOPS"

// Config holds the server configuration.
type Config struct {
	ListenAddr      string
	DBPath          string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	LogFormat     string // "json" (default) or "text"
	LogLevel      string // "debug", "info" (default), "warn", "error"
	LogFile       string // empty = stderr only
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	RateLimitPush  int // push and full sync per API key per minute
	RateLimitPull  int // pull per API key per minute
	RateLimitOther int // everything else per API key per minute

	CORSAllowedOrigins []string      // empty = disabled
	CORSMaxAge         time.Duration // preflight cache lifetime

	ConflictStrategy   string        // "lww" (default) or "client"
	TombstoneRetention time.Duration // soft-deleted rows older than this are purged
	PurgeSchedule      string        // cron expression for the purge job
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("db_path", "./data/loops.db")
	v.SetDefault("shutdown_timeout", "30s")
	v.SetDefault("request_timeout", "15s")

	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 10)
	v.SetDefault("log_max_age_days", 30)

	v.SetDefault("rate_limit_push", 60)
	v.SetDefault("rate_limit_pull", 120)
	v.SetDefault("rate_limit_other", 300)

	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("cors_max_age", "10m")

	v.SetDefault("conflict_strategy", "lww")
	v.SetDefault("tombstone_retention", "90d")
	v.SetDefault("purge_schedule", "@daily")
}

// Load reads the configuration. path names an explicit config file; when
// empty, loops.{yaml,json,toml,env} is looked up in the working directory
// and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("loops")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		ListenAddr:      v.GetString("listen_addr"),
		DBPath:          v.GetString("db_path"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		RequestTimeout:  v.GetDuration("request_timeout"),

		LogFormat:     strings.ToLower(v.GetString("log_format")),
		LogLevel:      strings.ToLower(v.GetString("log_level")),
		LogFile:       v.GetString("log_file"),
		LogMaxSizeMB:  v.GetInt("log_max_size_mb"),
		LogMaxBackups: v.GetInt("log_max_backups"),
		LogMaxAgeDays: v.GetInt("log_max_age_days"),

		RateLimitPush:  v.GetInt("rate_limit_push"),
		RateLimitPull:  v.GetInt("rate_limit_pull"),
		RateLimitOther: v.GetInt("rate_limit_other"),

		CORSAllowedOrigins: splitList(v.GetStringSlice("cors_allowed_origins")),
		CORSMaxAge:         v.GetDuration("cors_max_age"),

		ConflictStrategy: strings.ToLower(v.GetString("conflict_strategy")),
		PurgeSchedule:    v.GetString("purge_schedule"),
	}

	retention, err := ParseDaysDuration(v.GetString("tombstone_retention"))
	if err != nil {
		return Config{}, fmt.Errorf("tombstone_retention: %w", err)
	}
	cfg.TombstoneRetention = retention

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DBPath == "" {
		return errors.New("db_path is required")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format %q: want json or text", c.LogFormat)
	}
	for name, n := range map[string]int{
		"rate_limit_push":  c.RateLimitPush,
		"rate_limit_pull":  c.RateLimitPull,
		"rate_limit_other": c.RateLimitOther,
	} {
		if n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, n)
		}
	}
	if c.CORSMaxAge < 0 {
		return fmt.Errorf("cors_max_age must not be negative, got %s", c.CORSMaxAge)
	}
	if c.RequestTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return errors.New("request_timeout and shutdown_timeout must be positive")
	}
	switch c.ConflictStrategy {
	case "lww", "client":
	default:
		return fmt.Errorf("conflict_strategy %q: want lww or client", c.ConflictStrategy)
	}
	if c.PurgeSchedule != "" {
		if _, err := cron.ParseStandard(c.PurgeSchedule); err != nil {
			return fmt.Errorf("purge_schedule: %w", err)
		}
	}
	return nil
}

// ParseDaysDuration parses "90d" style day counts, falling back to
// time.ParseDuration. "0" and "" disable retention.
func ParseDaysDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return d, nil
}

// splitList flattens comma separated entries, as env vars carry lists
// in one string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
