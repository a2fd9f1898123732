package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/Tyrowin/groupchat/internal/logging"
)

// ConfigPathEnvVar names the environment variable holding the YAML config path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPath is tried when neither an explicit path nor CONFIG_PATH is set.
const DefaultConfigPath = "config.yaml"

// RateLimitConfig defines the parameters for per-connection message rate limiting
// and for the REST request limiter.
type RateLimitConfig struct {
	Burst                int           `koanf:"burst" validate:"gte=0"`
	RefillInterval       time.Duration `koanf:"refill_interval" validate:"gte=0"`
	APIRequestsPerMinute int           `koanf:"api_requests_per_minute" validate:"gte=0"`
}

// TLSConfig enables HTTPS when both files are set.
type TLSConfig struct {
	CertFile string `koanf:"cert_file" validate:"required_with=KeyFile"`
	KeyFile  string `koanf:"key_file" validate:"required_with=CertFile"`
}

// Enabled reports whether TLS is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// ChatConfig tunes the realtime core.
type ChatConfig struct {
	PresencePolicy string `koanf:"presence_policy" validate:"omitempty,oneof=per_connection any_disconnect"`
	HistoryLimit   int    `koanf:"history_limit" validate:"gte=0,lte=500"`
	SendBuffer     int    `koanf:"send_buffer" validate:"gte=0"`
}

// StoreConfig locates and tunes the embedded database.
type StoreConfig struct {
	DataDir        string        `koanf:"data_dir"`
	InMemory       bool          `koanf:"in_memory"`
	SyncWrites     bool          `koanf:"sync_writes"`
	SessionTTL     time.Duration `koanf:"session_ttl" validate:"gte=0"`
	GCInterval     time.Duration `koanf:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `koanf:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic disabled"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string          `koanf:"port"`
	AllowedOrigins  []string        `koanf:"allowed_origins"`
	MaxMessageSize  int64           `koanf:"max_message_size" validate:"gte=0"`
	ShutdownTimeout time.Duration   `koanf:"shutdown_timeout" validate:"gte=0"`
	RateLimit       RateLimitConfig `koanf:"rate_limit"`
	TLS             TLSConfig       `koanf:"tls"`
	Chat            ChatConfig      `koanf:"chat"`
	Store           StoreConfig     `koanf:"store"`
	Logging         LoggingConfig   `koanf:"logging"`
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize:  512,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			Burst:                5,
			RefillInterval:       time.Second,
			APIRequestsPerMinute: 120,
		},
		Chat: ChatConfig{
			PresencePolicy: "per_connection",
			HistoryLimit:   100,
			SendBuffer:     256,
		},
		Store: StoreConfig{
			DataDir:        "data",
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the configuration from defaults, an optional YAML file
// and environment variables, in increasing precedence. path may be empty.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(path); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
		logging.Info().Str("path", configPath).Msg("loaded config file")
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}
	if err := processDurationFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	sanitized := sanitizeConfig(*cfg)
	if err := sanitized.Validate(); err != nil {
		return nil, err
	}
	return &sanitized, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		return envPath
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// envMappings lists the environment variables understood by LoadConfig.
// Anything else in the environment is ignored.
var envMappings = map[string]string{
	"server_port":                "port",
	"allowed_origins":            "allowed_origins",
	"max_message_size":           "max_message_size",
	"shutdown_timeout":           "shutdown_timeout",
	"rate_limit_burst":           "rate_limit.burst",
	"rate_limit_refill_interval": "rate_limit.refill_interval",
	"api_rate_limit":             "rate_limit.api_requests_per_minute",
	"tls_cert_file":              "tls.cert_file",
	"tls_key_file":               "tls.key_file",
	"presence_policy":            "chat.presence_policy",
	"history_limit":              "chat.history_limit",
	"send_buffer":                "chat.send_buffer",
	"data_dir":                   "store.data_dir",
	"store_in_memory":            "store.in_memory",
	"store_sync_writes":          "store.sync_writes",
	"session_ttl":                "store.session_ttl",
	"store_gc_interval":          "store.gc_interval",
	"store_gc_discard_ratio":     "store.gc_discard_ratio",
	"log_level":                  "logging.level",
	"log_format":                 "logging.format",
	"log_caller":                 "logging.caller",
}

func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

var sliceConfigPaths = []string{
	"allowed_origins",
}

// processSliceFields splits comma-separated strings (from the environment)
// for the known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, parseOrigins(strVal)); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var durationConfigPaths = []string{
	"shutdown_timeout",
	"rate_limit.refill_interval",
	"store.session_ttl",
	"store.gc_interval",
}

// processDurationFields accepts bare integers as seconds, so that
// RATE_LIMIT_REFILL_INTERVAL=2 keeps meaning two seconds.
func processDurationFields(k *koanf.Koanf) error {
	for _, path := range durationConfigPaths {
		var seconds int
		switch v := k.Get(path).(type) {
		case int:
			seconds = v
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				continue
			}
			seconds = n
		default:
			continue
		}
		if err := k.Set(path, time.Duration(seconds)*time.Second); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sanitizeConfig replaces unusable zero or negative values with defaults and
// normalizes the origin list.
func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if cfg.RateLimit.APIRequestsPerMinute <= 0 {
		cfg.RateLimit.APIRequestsPerMinute = def.RateLimit.APIRequestsPerMinute
	}
	if cfg.Chat.PresencePolicy == "" {
		cfg.Chat.PresencePolicy = def.Chat.PresencePolicy
	}
	if cfg.Chat.HistoryLimit <= 0 {
		cfg.Chat.HistoryLimit = def.Chat.HistoryLimit
	}
	if cfg.Chat.SendBuffer <= 0 {
		cfg.Chat.SendBuffer = def.Chat.SendBuffer
	}
	if cfg.Store.DataDir == "" && !cfg.Store.InMemory {
		cfg.Store.DataDir = def.Store.DataDir
	}
	if cfg.Store.GCDiscardRatio <= 0 {
		cfg.Store.GCDiscardRatio = def.Store.GCDiscardRatio
	}

	normalized, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	if allowAll {
		normalized = append(normalized, "*")
	}
	cfg.AllowedOrigins = normalized
	return cfg
}
