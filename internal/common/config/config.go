package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/esilink/pkg/trace"
)

type (
	// Config is the root configuration of the esilink service
	Config struct {
		Server   ServerConfig   `yaml:"server" toml:"server"`
		Database DatabaseConfig `yaml:"database" toml:"database"`
		Logger   LoggerConfig   `yaml:"logger" toml:"logger"`
		ESI      ESIConfig      `yaml:"esi" toml:"esi"`
		SSO      SSOConfig      `yaml:"sso" toml:"sso"`
		Tick     TickConfig     `yaml:"tick" toml:"tick"`
		Session  SessionConfig  `yaml:"session" toml:"session"`
		Live     LiveConfig     `yaml:"live" toml:"live"`
		Storage  StorageConfig  `yaml:"storage" toml:"storage"`
		Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
		Tracing  trace.Config   `yaml:"tracing" toml:"tracing"`
	}

	// ServerConfig represents the HTTP listener and cookie settings
	ServerConfig struct {
		Port         int    `yaml:"port" toml:"port"`
		BaseURL      string `yaml:"base_url" toml:"base_url"`
		CookieName   string `yaml:"cookie_name" toml:"cookie_name"`
		CookieSecure bool   `yaml:"cookie_secure" toml:"cookie_secure"`
		CORSOrigin   string `yaml:"cors_origin" toml:"cors_origin"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`
		Color      bool   `yaml:"color" toml:"color"`
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`
		TimeFormat string `yaml:"time_format" toml:"time_format"`
	}

	// ESIConfig describes the upstream game API
	ESIConfig struct {
		BaseURL      string        `yaml:"base_url" toml:"base_url"`
		Datasource   string        `yaml:"datasource" toml:"datasource"`
		UserAgent    string        `yaml:"user_agent" toml:"user_agent"`
		CallTimeout  time.Duration `yaml:"call_timeout" toml:"call_timeout"`
		ImageBaseURL string        `yaml:"image_base_url" toml:"image_base_url"`
	}

	// SSOConfig describes the OAuth-style login provider
	SSOConfig struct {
		ClientID     string        `yaml:"client_id" toml:"client_id"`
		ClientSecret string        `yaml:"client_secret" toml:"client_secret"`
		CallbackURL  string        `yaml:"callback_url" toml:"callback_url"`
		AuthorizeURL string        `yaml:"authorize_url" toml:"authorize_url"`
		TokenURL     string        `yaml:"token_url" toml:"token_url"`
		VerifyURL    string        `yaml:"verify_url" toml:"verify_url"`
		Scopes       []string      `yaml:"scopes" toml:"scopes"`
		StateSecret  string        `yaml:"state_secret" toml:"state_secret"`
		StateTTL     time.Duration `yaml:"state_ttl" toml:"state_ttl"`
		RelinkPolicy string        `yaml:"relink_policy" toml:"relink_policy"` // insert or update
	}

	// TickConfig controls the per-session refresh loop
	TickConfig struct {
		MinInterval     time.Duration `yaml:"min_interval" toml:"min_interval"`
		DefaultInterval time.Duration `yaml:"default_interval" toml:"default_interval"`
		FailureBackoff  time.Duration `yaml:"failure_backoff" toml:"failure_backoff"`
		MaxBackoff      time.Duration `yaml:"max_backoff" toml:"max_backoff"`
	}

	// SessionConfig controls optional idle eviction of session records.
	// A zero IdleTTL keeps records until they are deleted explicitly.
	SessionConfig struct {
		IdleTTL       time.Duration `yaml:"idle_ttl" toml:"idle_ttl"`
		SweepInterval time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	}

	// LiveConfig selects the live channel implementation
	LiveConfig struct {
		Type      string          `yaml:"type" toml:"type"` // memory or redis
		QueueSize int             `yaml:"queue_size" toml:"queue_size"`
		Redis     LiveRedisConfig `yaml:"redis" toml:"redis"`
	}

	// LiveRedisConfig represents the Redis connection used by redis live channels
	LiveRedisConfig struct {
		Addr     string `yaml:"addr" toml:"addr"`
		Username string `yaml:"username" toml:"username"`
		Password string `yaml:"password" toml:"password"`
		DB       int    `yaml:"db" toml:"db"`
		Prefix   string `yaml:"prefix" toml:"prefix"`
	}

	// StorageConfig represents binary asset storage
	StorageConfig struct {
		ImagesDir string `yaml:"images_dir" toml:"images_dir"`
	}

	// MetricsConfig represents the prometheus settings
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled"`
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}
)

const (
	RelinkInsert = "insert"
	RelinkUpdate = "update"

	LiveMemory = "memory"
	LiveRedis  = "redis"
)

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	data = resolveEnv(data)

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	setDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveEnv replaces ${VAR:default} placeholders in the raw file content
func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := envPattern.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5235
	}
	if cfg.Server.CookieName == "" {
		cfg.Server.CookieName = "esilink.sid"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
	if cfg.Database.Type == "sqlite" && cfg.Database.DBName == "" {
		cfg.Database.DBName = "./data/esilink.db"
	}

	if cfg.ESI.BaseURL == "" {
		cfg.ESI.BaseURL = "https://esi.evetech.net"
	}
	if cfg.ESI.Datasource == "" {
		cfg.ESI.Datasource = "tranquility"
	}
	if cfg.ESI.UserAgent == "" {
		cfg.ESI.UserAgent = "esilink"
	}
	if cfg.ESI.CallTimeout <= 0 {
		cfg.ESI.CallTimeout = 10 * time.Second
	}
	if cfg.ESI.ImageBaseURL == "" {
		cfg.ESI.ImageBaseURL = "https://images.evetech.net"
	}

	if cfg.SSO.AuthorizeURL == "" {
		cfg.SSO.AuthorizeURL = "https://login.eveonline.com/oauth/authorize"
	}
	if cfg.SSO.TokenURL == "" {
		cfg.SSO.TokenURL = "https://login.eveonline.com/oauth/token"
	}
	if cfg.SSO.VerifyURL == "" {
		cfg.SSO.VerifyURL = "https://login.eveonline.com/oauth/verify"
	}
	if len(cfg.SSO.Scopes) == 0 {
		cfg.SSO.Scopes = []string{"esi-location.read_location.v1", "esi-location.read_online.v1"}
	}
	if cfg.SSO.StateTTL <= 0 {
		cfg.SSO.StateTTL = 10 * time.Minute
	}
	if cfg.SSO.RelinkPolicy == "" {
		cfg.SSO.RelinkPolicy = RelinkInsert
	}

	if cfg.Tick.MinInterval <= 0 {
		cfg.Tick.MinInterval = 5 * time.Second
	}
	if cfg.Tick.DefaultInterval <= 0 {
		cfg.Tick.DefaultInterval = 10 * time.Second
	}
	if cfg.Tick.FailureBackoff <= 0 {
		cfg.Tick.FailureBackoff = 15 * time.Second
	}
	if cfg.Tick.MaxBackoff <= 0 {
		cfg.Tick.MaxBackoff = 5 * time.Minute
	}

	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = time.Minute
	}

	if cfg.Live.Type == "" {
		cfg.Live.Type = LiveMemory
	}
	if cfg.Live.QueueSize <= 0 {
		cfg.Live.QueueSize = 100
	}
	if cfg.Live.Redis.Prefix == "" {
		cfg.Live.Redis.Prefix = "esilink"
	}

	if cfg.Storage.ImagesDir == "" {
		cfg.Storage.ImagesDir = "./data/images"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "esilink"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "esilink"
	}
}
