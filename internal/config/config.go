// Package config loads the mirrorsync server configuration from YAML with
// MIRRORSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/mirrorsync/internal/sources"
)

const EnvPrefix = "MIRRORSYNC_"

type Config struct {
	Addr       string                  `yaml:"addr"`
	Logging    LoggingConfig           `yaml:"logging"`
	Store      StoreConfig             `yaml:"store"`
	Writeback  WritebackConfig         `yaml:"writeback"`
	Schedule   ScheduleConfig          `yaml:"schedule"`
	Auth       AuthConfig              `yaml:"auth"`
	HTTP       HTTPConfig              `yaml:"http"`
	Sources    map[string]SourceConfig `yaml:"sources"`
	Workspaces []WorkspaceSeed         `yaml:"workspaces"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

type StoreConfig struct {
	// DSN is memory://, sqlite://path or postgres://...
	DSN string `yaml:"dsn"`
}

type WritebackConfig struct {
	QueueDSN  string        `yaml:"queue_dsn"`
	QueueSize int           `yaml:"queue_size"`
	Workers   int           `yaml:"workers"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ScheduleConfig struct {
	SyncInterval        time.Duration `yaml:"sync_interval"`
	SnapshotInterval    time.Duration `yaml:"snapshot_interval"`
	SnapshotGranularity time.Duration `yaml:"snapshot_granularity"`
	SyncTimeout         time.Duration `yaml:"sync_timeout"`
	// SyncOnStart runs one full pass before the first tick.
	SyncOnStart bool `yaml:"sync_on_start"`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret"`
	WebhookSecret  string        `yaml:"webhook_secret"`
	WebhookMaxSkew time.Duration `yaml:"webhook_max_skew"`
}

type HTTPConfig struct {
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
	CORSOrigins  []string `yaml:"cors_origins"`
	// RateLimitMax caps requests per token subject per window; 0 disables.
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type SourceConfig struct {
	BaseURL    string        `yaml:"base_url"`
	UserAgent  string        `yaml:"user_agent"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxPages   int           `yaml:"max_pages"`
}

// WorkspaceSeed declares a workspace that is stored at startup when missing.
type WorkspaceSeed struct {
	ID                  string `yaml:"id"`
	Source              string `yaml:"source"`
	Label               string `yaml:"label"`
	Credential          string `yaml:"credential"`
	CredentialEnv       string `yaml:"credential_env"`
	ExternalWorkspaceID string `yaml:"external_workspace_id"`
	OwnerFilter         string `yaml:"owner_filter"`
	Active              *bool  `yaml:"active"`
}

// ResolvedCredential prefers the named env var over the inline value.
func (w WorkspaceSeed) ResolvedCredential(getenv func(string) string) string {
	if name := strings.TrimSpace(w.CredentialEnv); name != "" && getenv != nil {
		if value := strings.TrimSpace(getenv(name)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(w.Credential)
}

func (w WorkspaceSeed) IsActive() bool {
	return w.Active == nil || *w.Active
}

func Default() *Config {
	srcs := make(map[string]SourceConfig, len(sources.Names()))
	for _, name := range sources.Names() {
		srcs[name] = SourceConfig{}
	}
	return &Config{
		Addr: ":8080",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{DSN: "memory://"},
		Writeback: WritebackConfig{
			QueueDSN:  "memory://",
			QueueSize: 1024,
			Workers:   1,
			Timeout:   30 * time.Second,
		},
		Schedule: ScheduleConfig{
			SyncInterval:        15 * time.Minute,
			SnapshotInterval:    time.Hour,
			SnapshotGranularity: time.Hour,
			SyncTimeout:         5 * time.Minute,
		},
		Auth: AuthConfig{
			WebhookMaxSkew: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			MaxBodyBytes:    1 << 20,
			RateLimitWindow: time.Minute,
		},
		Sources: srcs,
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	defaults := cfg.Sources
	cfg.Sources = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// a sources block replaces the default set instead of merging into it
	if cfg.Sources == nil {
		cfg.Sources = defaults
	}
	return cfg, nil
}

// LoadWithEnv is Load followed by ApplyEnv and Validate.
func LoadWithEnv(path string, getenv func(string) string, logger zerolog.Logger) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv, logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with MIRRORSYNC_* variables. Unparseable
// numbers and durations keep the current value and are logged.
func (c *Config) ApplyEnv(getenv func(string) string, logger zerolog.Logger) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{getenv: getenv, log: logger}
	c.Addr = env.stringEnv("ADDR", c.Addr)
	c.Logging.Level = env.stringEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = env.stringEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.File = env.stringEnv("LOG_FILE", c.Logging.File)
	c.Store.DSN = env.stringEnv("STORE_DSN", c.Store.DSN)
	c.Writeback.QueueDSN = env.stringEnv("WRITEBACK_QUEUE_DSN", c.Writeback.QueueDSN)
	c.Writeback.QueueSize = env.intEnv("WRITEBACK_QUEUE_SIZE", c.Writeback.QueueSize)
	c.Writeback.Workers = env.intEnv("WRITEBACK_WORKERS", c.Writeback.Workers)
	c.Writeback.Timeout = env.durationEnv("WRITEBACK_TIMEOUT", c.Writeback.Timeout)
	c.Schedule.SyncInterval = env.durationEnv("SYNC_INTERVAL", c.Schedule.SyncInterval)
	c.Schedule.SnapshotInterval = env.durationEnv("SNAPSHOT_INTERVAL", c.Schedule.SnapshotInterval)
	c.Schedule.SnapshotGranularity = env.durationEnv("SNAPSHOT_GRANULARITY", c.Schedule.SnapshotGranularity)
	c.Schedule.SyncTimeout = env.durationEnv("SYNC_TIMEOUT", c.Schedule.SyncTimeout)
	c.Schedule.SyncOnStart = env.boolEnv("SYNC_ON_START", c.Schedule.SyncOnStart)
	c.Auth.JWTSecret = env.stringEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.WebhookSecret = env.stringEnv("WEBHOOK_SECRET", c.Auth.WebhookSecret)
	c.Auth.WebhookMaxSkew = env.durationEnv("WEBHOOK_MAX_SKEW", c.Auth.WebhookMaxSkew)
	c.HTTP.MaxBodyBytes = env.int64Env("MAX_BODY_BYTES", c.HTTP.MaxBodyBytes)
	c.HTTP.RateLimitMax = env.intEnv("RATE_LIMIT_MAX", c.HTTP.RateLimitMax)
	c.HTTP.RateLimitWindow = env.durationEnv("RATE_LIMIT_WINDOW", c.HTTP.RateLimitWindow)
	if raw := env.stringEnv("CORS_ORIGINS", ""); raw != "" {
		c.HTTP.CORSOrigins = splitList(raw)
	}
	if raw := env.stringEnv("SOURCES", ""); raw != "" {
		enabled := make(map[string]SourceConfig)
		for _, name := range splitList(raw) {
			name = strings.ToLower(name)
			enabled[name] = c.Sources[name]
		}
		c.Sources = enabled
	}
	for name, src := range c.Sources {
		key := "SOURCE_" + strings.ToUpper(name) + "_BASE_URL"
		src.BaseURL = env.stringEnv(key, src.BaseURL)
		c.Sources[name] = src
	}
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "addr is required")
	}
	if c.Schedule.SyncInterval <= 0 {
		problems = append(problems, "schedule.sync_interval must be positive")
	}
	if c.Schedule.SnapshotInterval <= 0 {
		problems = append(problems, "schedule.snapshot_interval must be positive")
	}
	if c.Schedule.SnapshotGranularity <= 0 {
		problems = append(problems, "schedule.snapshot_granularity must be positive")
	}
	if c.HTTP.RateLimitMax < 0 {
		problems = append(problems, "http.rate_limit_max must not be negative")
	}
	if c.Writeback.QueueSize < 0 || c.Writeback.Workers < 0 {
		problems = append(problems, "writeback.queue_size and writeback.workers must not be negative")
	}
	known := map[string]bool{}
	for _, name := range sources.Names() {
		known[name] = true
	}
	for _, name := range sortedSourceNames(c.Sources) {
		if !known[strings.ToLower(name)] {
			problems = append(problems, fmt.Sprintf("unknown source %q", name))
		}
	}
	seen := map[string]bool{}
	for i, ws := range c.Workspaces {
		switch {
		case strings.TrimSpace(ws.ID) == "":
			problems = append(problems, fmt.Sprintf("workspaces[%d].id is required", i))
		case seen[ws.ID]:
			problems = append(problems, fmt.Sprintf("workspaces[%d].id %q is duplicated", i, ws.ID))
		}
		seen[ws.ID] = true
		if _, ok := c.Sources[strings.ToLower(strings.TrimSpace(ws.Source))]; !ok {
			problems = append(problems, fmt.Sprintf("workspaces[%d].source %q is not enabled", i, ws.Source))
		}
		if strings.TrimSpace(ws.ExternalWorkspaceID) == "" {
			problems = append(problems, fmt.Sprintf("workspaces[%d].external_workspace_id is required", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SourceOptions maps the enabled sources onto adapter client options.
func (c *Config) SourceOptions() map[string]sources.ClientOptions {
	out := make(map[string]sources.ClientOptions, len(c.Sources))
	for name, src := range c.Sources {
		out[name] = sources.ClientOptions{
			BaseURL:    src.BaseURL,
			UserAgent:  src.UserAgent,
			MaxRetries: src.MaxRetries,
			BaseDelay:  src.BaseDelay,
			MaxDelay:   src.MaxDelay,
			MaxPages:   src.MaxPages,
		}
	}
	return out
}

func sortedSourceNames(in map[string]SourceConfig) []string {
	out := make([]string, 0, len(in))
	for name := range in {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

type envReader struct {
	getenv func(string) string
	log    zerolog.Logger
}

func (r envReader) raw(name string) string {
	return strings.TrimSpace(r.getenv(EnvPrefix + name))
}

func (r envReader) stringEnv(name, fallback string) string {
	if raw := r.raw(name); raw != "" {
		return raw
	}
	return fallback
}

func (r envReader) intEnv(name string, fallback int) int {
	raw := r.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.log.Warn().Str("env", EnvPrefix+name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func (r envReader) int64Env(name string, fallback int64) int64 {
	raw := r.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.log.Warn().Str("env", EnvPrefix+name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer, using fallback")
		return fallback
	}
	return value
}

func (r envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw := r.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.log.Warn().Str("env", EnvPrefix+name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration, using fallback")
		return fallback
	}
	return value
}

func (r envReader) boolEnv(name string, fallback bool) bool {
	raw := r.raw(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.log.Warn().Str("env", EnvPrefix+name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean, using fallback")
		return fallback
	}
	return value
}
