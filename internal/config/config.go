// Package config handles flowmerce configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level flowmerce configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Storage      StorageConfig      `json:"storage"`
	Cache        CacheConfig        `json:"cache,omitempty"`
	Logging      LoggingConfig      `json:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit,omitempty"`
	Subscription SubscriptionConfig `json:"subscription,omitempty"`
	Assistant    AssistantConfig    `json:"assistant,omitempty"`
	Mail         MailConfig         `json:"mail,omitempty"`
	Mpesa        MpesaConfig        `json:"mpesa,omitempty"`
	Metrics      MetricsConfig      `json:"metrics,omitempty"`
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8000"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
	MediaDir       string   `json:"media_dir,omitempty"`       // product images; default "./media"
	MaxImageBytes  int64    `json:"max_image_bytes,omitempty"` // default 5MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	JWTSecret    string        `json:"jwt_secret"`
	AccessTTL    Duration      `json:"access_ttl,omitempty"`  // default 24h
	RefreshTTL   Duration      `json:"refresh_ttl,omitempty"` // default 7 days
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first superuser.
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "flowmerce.db" or ":memory:"
}

// CacheConfig selects the statistics cache backend.
type CacheConfig struct {
	Backend   string   `json:"backend,omitempty"` // "local" (default) or "redis"
	StatsTTL  Duration `json:"stats_ttl,omitempty"`
	RedisAddr string   `json:"redis_addr,omitempty"`
	RedisPass string   `json:"redis_password,omitempty"`
	RedisDB   int      `json:"redis_db,omitempty"`
	KeyPrefix string   `json:"key_prefix,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// SubscriptionConfig controls the subscription gate and sweeper.
type SubscriptionConfig struct {
	WarningDays   int    `json:"warning_days,omitempty"`   // default 5
	SweepSchedule string `json:"sweep_schedule,omitempty"` // cron expression; default "@hourly"
}

// AssistantConfig selects the LLM backing the business assistant.
type AssistantConfig struct {
	Provider     string   `json:"provider,omitempty"` // "ollama" (default), "openai" or "gemini"
	BaseURL      string   `json:"base_url,omitempty"`
	Model        string   `json:"model,omitempty"`
	APIKey       string   `json:"api_key,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// MailConfig holds SMTP settings. Disabled by default.
type MailConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"from_name,omitempty"`
}

// MpesaConfig holds Daraja credentials for STK push payments. Disabled by default.
type MpesaConfig struct {
	Enabled        bool   `json:"enabled,omitempty"`
	BaseURL        string `json:"base_url,omitempty"` // default sandbox
	ConsumerKey    string `json:"consumer_key,omitempty"`
	ConsumerSecret string `json:"consumer_secret,omitempty"`
	ShortCode      string `json:"short_code,omitempty"`
	Passkey        string `json:"passkey,omitempty"`
	CallbackURL    string `json:"callback_url,omitempty"`
	CallbackToken  string `json:"callback_token,omitempty"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overrides file values with FLOWMERCE_* variables.
func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"FLOWMERCE_ADDR", &c.Server.Addr},
		{"FLOWMERCE_JWT_SECRET", &c.Auth.JWTSecret},
		{"FLOWMERCE_DB_DRIVER", &c.Storage.Driver},
		{"FLOWMERCE_DB_DSN", &c.Storage.DSN},
		{"FLOWMERCE_REDIS_ADDR", &c.Cache.RedisAddr},
		{"FLOWMERCE_LLM_PROVIDER", &c.Assistant.Provider},
		{"FLOWMERCE_LLM_BASE_URL", &c.Assistant.BaseURL},
		{"FLOWMERCE_LLM_MODEL", &c.Assistant.Model},
		{"FLOWMERCE_LLM_API_KEY", &c.Assistant.APIKey},
		{"FLOWMERCE_SMTP_PASSWORD", &c.Mail.Password},
		{"FLOWMERCE_MPESA_CONSUMER_SECRET", &c.Mpesa.ConsumerSecret},
		{"FLOWMERCE_LOG_LEVEL", &c.Logging.Level},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.key); ok && v != "" {
			*s.dst = v
		}
	}
	if v := os.Getenv("FLOWMERCE_REDIS_ADDR"); v != "" && c.Cache.Backend == "" {
		c.Cache.Backend = "redis"
	}
	if v := os.Getenv("FLOWMERCE_METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLOWMERCE_METRICS_ENABLED: %w", err)
		}
		c.Metrics.Enabled = b
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Storage.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
	}
	switch c.Cache.Backend {
	case "", "local":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("cache.backend %q is not supported", c.Cache.Backend)
	}
	switch c.Assistant.Provider {
	case "", "ollama", "openai":
	case "gemini":
		if c.Assistant.APIKey == "" {
			return fmt.Errorf("assistant.api_key is required for gemini")
		}
	default:
		return fmt.Errorf("assistant.provider %q is not supported", c.Assistant.Provider)
	}
	if c.Mail.Enabled && c.Mail.Host == "" {
		return fmt.Errorf("mail.host is required when mail is enabled")
	}
	if c.Mpesa.Enabled {
		if c.Mpesa.ConsumerKey == "" || c.Mpesa.ConsumerSecret == "" {
			return fmt.Errorf("mpesa.consumer_key and mpesa.consumer_secret are required when mpesa is enabled")
		}
		if c.Mpesa.ShortCode == "" || c.Mpesa.Passkey == "" || c.Mpesa.CallbackURL == "" {
			return fmt.Errorf("mpesa.short_code, mpesa.passkey and mpesa.callback_url are required when mpesa is enabled")
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.AccessTTL.Duration == 0 {
		c.Auth.AccessTTL.Duration = 24 * time.Hour
	}
	if c.Auth.RefreshTTL.Duration == 0 {
		c.Auth.RefreshTTL.Duration = 7 * 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "flowmerce.db"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "local"
	}
	if c.Cache.StatsTTL.Duration == 0 {
		c.Cache.StatsTTL.Duration = 10 * time.Minute
	}
	if c.Cache.KeyPrefix == "" {
		c.Cache.KeyPrefix = "flowmerce:"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MediaDir == "" {
		c.Server.MediaDir = "./media"
	}
	if c.Server.MaxImageBytes == 0 {
		c.Server.MaxImageBytes = 5 * 1024 * 1024
	}
	if c.Subscription.WarningDays == 0 {
		c.Subscription.WarningDays = 5
	}
	if c.Subscription.SweepSchedule == "" {
		c.Subscription.SweepSchedule = "@hourly"
	}
	if c.Assistant.Provider == "" {
		c.Assistant.Provider = "ollama"
	}
	if c.Assistant.BaseURL == "" {
		switch c.Assistant.Provider {
		case "ollama":
			c.Assistant.BaseURL = "http://localhost:11434"
		case "openai":
			c.Assistant.BaseURL = "https://api.openai.com"
		}
	}
	if c.Assistant.Model == "" {
		switch c.Assistant.Provider {
		case "ollama":
			c.Assistant.Model = "llama3.2"
		case "openai":
			c.Assistant.Model = "gpt-4o-mini"
		case "gemini":
			c.Assistant.Model = "gemini-2.0-flash"
		}
	}
	if c.Assistant.Timeout.Duration == 0 {
		c.Assistant.Timeout.Duration = 2 * time.Minute
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Mail.FromName == "" {
		c.Mail.FromName = "Flowmerce"
	}
	if c.Mpesa.BaseURL == "" {
		c.Mpesa.BaseURL = "https://sandbox.safaricom.co.ke"
	}
}

// LoadDotEnv reads an optional .env file into the process environment.
// Variables already set are left untouched.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}
