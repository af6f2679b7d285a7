// Package config provides application configuration loaded from built-in
// defaults, an optional YAML file and environment variables, with
// validation. It centralizes settings for the HTTP ops server, logging,
// storage backends, polling, reply delivery, collaborators and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/tbourn/play-review-bridge/internal/backoff"
)

// ErrConfiguration wraps every validation failure returned by Load.
var ErrConfiguration = errors.New("invalid configuration")

// DefaultConfigPaths lists the config files searched when CONFIG_PATH is
// unset. The first existing file wins.
var DefaultConfigPaths = []string{
	"review-bridge.yaml",
	"review-bridge.yml",
	"/etc/review-bridge/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// EnvPrefix marks structured overrides: BRIDGE_DATABASE__DRIVER=postgres
// sets database.driver.
const EnvPrefix = "BRIDGE_"

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Enabled           bool          `koanf:"enabled"`
	Port              string        `koanf:"port"`                // just the number
	ReadTimeout       time.Duration `koanf:"read_timeout"`        // e.g. 15s
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"` // e.g. 10s
	WriteTimeout      time.Duration `koanf:"write_timeout"`       // e.g. 20s
	IdleTimeout       time.Duration `koanf:"idle_timeout"`        // e.g. 60s
	MaxHeaderBytes    int           `koanf:"max_header_bytes"`    // bytes
	GinMode           string        `koanf:"gin_mode"`            // debug|release|test
	APIBasePath       string        `koanf:"api_base_path"`
	// WebhookToken, when set, must be presented as a Bearer token on the
	// inbound reply webhook.
	WebhookToken string `koanf:"webhook_token"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug|info|warn|error|fatal|panic
	Pretty bool   `koanf:"pretty"` // console writer instead of JSON
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver         string        `koanf:"driver"` // sqlite|postgres
	SQLitePath     string        `koanf:"sqlite_path"`
	BusyTimeout    time.Duration `koanf:"busy_timeout"`
	DSN            string        `koanf:"dsn"`
	MaxConns       int32         `koanf:"max_conns"`
	MinConns       int32         `koanf:"min_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	IdleTimeout    time.Duration `koanf:"idle_timeout"`
	Trace          bool          `koanf:"trace"` // gorm otel plugin (sqlite)
}

// ReplyConfig tunes the reply dispatch queue.
type ReplyConfig struct {
	MaxAttempts   int           `koanf:"max_attempts"`
	BaseDelay     time.Duration `koanf:"base_delay"`
	MaxDelay      time.Duration `koanf:"max_delay"`
	Multiplier    float64       `koanf:"multiplier"`
	Jitter        bool          `koanf:"jitter"`
	RatePerSecond float64       `koanf:"rate_per_second"` // outbound sends; 0 disables limiting
	Burst         int           `koanf:"burst"`
	PollInterval  time.Duration `koanf:"poll_interval"` // how often due jobs are picked up
	BatchSize     int           `koanf:"batch_size"`
	SendTimeout   time.Duration `koanf:"send_timeout"`
}

// Backoff returns the retry policy described by the reply settings.
func (r ReplyConfig) Backoff() backoff.Policy {
	return backoff.Policy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		MaxDelay:    r.MaxDelay,
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter,
	}
}

// PollingConfig holds the per-app polling defaults.
type PollingConfig struct {
	Interval          time.Duration `koanf:"interval"`
	MaxReviewsPerPoll int           `koanf:"max_reviews_per_poll"`
	LookbackDays      int           `koanf:"lookback_days"`
	CallTimeout       time.Duration `koanf:"call_timeout"` // per collaborator call
}

// RetentionConfig drives inactive user cleanup.
type RetentionConfig struct {
	UserInactivity time.Duration `koanf:"user_inactivity"`
	Interval       time.Duration `koanf:"interval"` // 0 disables the janitor
}

// AppConfig describes one bridged application.
type AppConfig struct {
	AppID             string        `koanf:"app_id"`
	DisplayName       string        `koanf:"display_name"`
	RoomID            string        `koanf:"room_id"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	MaxReviewsPerPoll int           `koanf:"max_reviews_per_poll"`
	LookbackDays      int           `koanf:"lookback_days"`
}

// GooglePlayConfig configures the review source adapter.
type GooglePlayConfig struct {
	CredentialsFile string        `koanf:"credentials_file"`
	Endpoint        string        `koanf:"endpoint"` // override for tests/emulators
	Timeout         time.Duration `koanf:"timeout"`
	// Circuit breaker around the API.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// ChatConfig configures the chat gateway client.
type ChatConfig struct {
	GatewayURL   string        `koanf:"gateway_url"`
	Token        string        `koanf:"token"`
	Timeout      time.Duration `koanf:"timeout"`
	PuppetPrefix string        `koanf:"puppet_prefix"`
}

// RateLimitConfig limits inbound ops API requests.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`   // tokens per second (>= 0)
	Burst int     `koanf:"burst"` // bucket size (>= 1)
}

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool          `koanf:"enable_hsts"`
	HSTSMaxAge time.Duration `koanf:"hsts_max_age"`
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    `koanf:"enabled"`      // OTEL_ENABLED
	Endpoint    string  `koanf:"endpoint"`     // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    `koanf:"insecure"`     // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  `koanf:"service_name"` // OTEL_SERVICE_NAME
	SampleRatio float64 `koanf:"sample_ratio"` // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Log        LogConfig        `koanf:"log"`
	Database   DatabaseConfig   `koanf:"database"`
	Reply      ReplyConfig      `koanf:"reply"`
	Polling    PollingConfig    `koanf:"polling"`
	Retention  RetentionConfig  `koanf:"retention"`
	Apps       []AppConfig      `koanf:"apps"`
	AppIDs     []string         `koanf:"app_ids"` // shorthand: apps with default settings
	GooglePlay GooglePlayConfig `koanf:"google_play"`
	Chat       ChatConfig       `koanf:"chat"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	CORS       CORSConfig       `koanf:"cors"`
	Security   SecurityConfig   `koanf:"security"`
	OTEL       OTELConfig       `koanf:"otel"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Enabled:           true,
			Port:              "8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      20 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
			GinMode:           "release",
			APIBasePath:       "/api/v1",
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:         "sqlite",
			SQLitePath:     "review-bridge.db",
			BusyTimeout:    5 * time.Second,
			MaxConns:       10,
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
		},
		Reply: ReplyConfig{
			MaxAttempts:   5,
			BaseDelay:     2 * time.Second,
			MaxDelay:      5 * time.Minute,
			Multiplier:    2.0,
			Jitter:        true,
			RatePerSecond: 2,
			Burst:         5,
			PollInterval:  time.Second,
			BatchSize:     20,
			SendTimeout:   30 * time.Second,
		},
		Polling: PollingConfig{
			Interval:          5 * time.Minute,
			MaxReviewsPerPoll: 100,
			LookbackDays:      7,
			CallTimeout:       time.Minute,
		},
		Retention: RetentionConfig{
			UserInactivity: 90 * 24 * time.Hour,
			Interval:       24 * time.Hour,
		},
		GooglePlay: GooglePlayConfig{
			Timeout:         30 * time.Second,
			BreakerFailures: 5,
			BreakerTimeout:  time.Minute,
		},
		Chat: ChatConfig{
			Timeout:      15 * time.Second,
			PuppetPrefix: "googleplay_",
		},
		RateLimit: RateLimitConfig{RPS: 5.0, Burst: 10},
		Security:  SecurityConfig{HSTSMaxAge: 180 * 24 * time.Hour},
		OTEL: OTELConfig{
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "play-review-bridge",
			SampleRatio: 1.0,
		},
	}
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from defaults, the optional config file and the
// environment (highest priority), normalizes values and validates the
// result. A .env file in the working directory is loaded first; variables
// already set in the process win.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFile(findConfigFile())
}

// LoadFile is Load with an explicit config file path ("" skips the file
// layer). The .env preload is not performed.
func LoadFile(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}
	if err := splitListFields(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal configuration: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "warning" {
		c.Log.Level = "warn"
	}
	c.Server.GinMode = strings.ToLower(c.Server.GinMode)
	switch c.Server.GinMode {
	case "debug", "release", "test":
	default:
		c.Server.GinMode = "release"
	}
	c.Server.APIBasePath = normalizeBasePath(c.Server.APIBasePath)
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))

	// Fill per-app defaults and expand the app_ids shorthand.
	seen := make(map[string]bool, len(c.Apps))
	for i := range c.Apps {
		c.Apps[i] = c.withAppDefaults(c.Apps[i])
		seen[c.Apps[i].AppID] = true
	}
	for _, id := range c.AppIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.Apps = append(c.Apps, c.withAppDefaults(AppConfig{AppID: id}))
	}
}

func (c *Config) withAppDefaults(a AppConfig) AppConfig {
	a.AppID = strings.TrimSpace(a.AppID)
	if a.DisplayName == "" {
		a.DisplayName = a.AppID
	}
	if a.PollInterval == 0 {
		a.PollInterval = c.Polling.Interval
	}
	if a.MaxReviewsPerPoll == 0 {
		a.MaxReviewsPerPoll = c.Polling.MaxReviewsPerPoll
	}
	if a.LookbackDays == 0 {
		a.LookbackDays = c.Polling.LookbackDays
	}
	return a
}

// Validate checks the configuration. Every error wraps ErrConfiguration.
func (c Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return invalid("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if c.Server.Enabled {
		if strings.TrimSpace(c.Server.Port) == "" {
			return invalid("PORT must not be empty")
		}
		if c.Server.ReadTimeout <= 0 || c.Server.ReadHeaderTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.IdleTimeout <= 0 {
			return invalid("timeouts must be positive durations")
		}
		if c.Server.MaxHeaderBytes <= 0 {
			return invalid("MAX_HEADER_BYTES must be > 0")
		}
	}

	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.SQLitePath) == "" {
			return invalid("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return invalid("DATABASE_URL must not be empty for the postgres driver")
		}
		if c.Database.MaxConns < 1 {
			return invalid("database.max_conns must be >= 1")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return invalid("database.min_conns must be in [0, max_conns]")
		}
	default:
		return invalid("database.driver must be one of: sqlite, postgres")
	}

	if c.Reply.MaxAttempts < 1 {
		return invalid("reply.max_attempts must be >= 1")
	}
	if c.Reply.BaseDelay <= 0 || c.Reply.MaxDelay < c.Reply.BaseDelay {
		return invalid("reply delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Reply.Multiplier < 1 {
		return invalid("reply.multiplier must be >= 1")
	}
	if c.Reply.RatePerSecond < 0 {
		return invalid("reply.rate_per_second must be >= 0")
	}
	if c.Reply.Burst < 1 {
		return invalid("reply.burst must be >= 1")
	}
	if c.Reply.PollInterval <= 0 || c.Reply.BatchSize < 1 {
		return invalid("reply.poll_interval and reply.batch_size must be positive")
	}

	if c.Retention.UserInactivity <= 0 {
		return invalid("retention.user_inactivity must be > 0")
	}
	if c.Retention.Interval < 0 {
		return invalid("retention.interval must be >= 0")
	}

	ids := make(map[string]bool, len(c.Apps))
	for _, a := range c.Apps {
		if a.AppID == "" {
			return invalid("apps[].app_id must not be empty")
		}
		if ids[a.AppID] {
			return invalid(fmt.Sprintf("app %q is configured twice", a.AppID))
		}
		ids[a.AppID] = true
		if a.PollInterval <= 0 {
			return invalid(fmt.Sprintf("app %q: poll_interval must be > 0", a.AppID))
		}
		if a.MaxReviewsPerPoll < 1 {
			return invalid(fmt.Sprintf("app %q: max_reviews_per_poll must be >= 1", a.AppID))
		}
		if a.LookbackDays < 0 {
			return invalid(fmt.Sprintf("app %q: lookback_days must be >= 0", a.AppID))
		}
	}

	if c.RateLimit.RPS < 0 {
		return invalid("RATE_RPS must be >= 0")
	}
	if c.RateLimit.Burst < 1 {
		return invalid("RATE_BURST must be >= 1")
	}
	if c.Security.HSTSMaxAge < 0 {
		return invalid("HSTS_MAX_AGE must be >= 0")
	}
	if c.OTEL.SampleRatio < 0 || c.OTEL.SampleRatio > 1 {
		return invalid("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, msg)
}

// ---- environment mapping ----

// flatEnv keeps the short variable names for the most common settings.
var flatEnv = map[string]string{
	"PORT":                           "server.port",
	"READ_TIMEOUT":                   "server.read_timeout",
	"READ_HEADER_TIMEOUT":            "server.read_header_timeout",
	"WRITE_TIMEOUT":                  "server.write_timeout",
	"IDLE_TIMEOUT":                   "server.idle_timeout",
	"MAX_HEADER_BYTES":               "server.max_header_bytes",
	"GIN_MODE":                       "server.gin_mode",
	"API_BASE_PATH":                  "server.api_base_path",
	"WEBHOOK_TOKEN":                  "server.webhook_token",
	"LOG_LEVEL":                      "log.level",
	"LOG_PRETTY":                     "log.pretty",
	"DB_DRIVER":                      "database.driver",
	"DB_PATH":                        "database.sqlite_path",
	"DATABASE_URL":                   "database.dsn",
	"RATE_RPS":                       "rate_limit.rps",
	"RATE_BURST":                     "rate_limit.burst",
	"CORS_ALLOWED_ORIGINS":           "cors.allowed_origins",
	"ENABLE_HSTS":                    "security.enable_hsts",
	"HSTS_MAX_AGE":                   "security.hsts_max_age",
	"GOOGLE_APPLICATION_CREDENTIALS": "google_play.credentials_file",
	"CHAT_GATEWAY_URL":               "chat.gateway_url",
	"CHAT_TOKEN":                     "chat.token",
	"OTEL_ENABLED":                   "otel.enabled",
	"OTEL_EXPORTER_OTLP_ENDPOINT":    "otel.endpoint",
	"OTEL_EXPORTER_OTLP_INSECURE":    "otel.insecure",
	"OTEL_SERVICE_NAME":              "otel.service_name",
	"OTEL_TRACES_SAMPLER_ARG":        "otel.sample_ratio",
}

// envKey maps an environment variable name to a koanf path, or "" to skip
// the variable.
func envKey(name string) string {
	if p, ok := flatEnv[name]; ok {
		return p
	}
	if !strings.HasPrefix(name, EnvPrefix) {
		return ""
	}
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// listFields are accepted as comma-separated strings from the environment.
var listFields = []string{"cors.allowed_origins", "app_ids"}

func splitListFields(k *koanf.Koanf) error {
	for _, path := range listFields {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, splitCSV(s)); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
