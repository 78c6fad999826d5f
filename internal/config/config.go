package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Vault      VaultConfig      `yaml:"vault"`
	Google     GoogleConfig     `yaml:"google"`
	Microsoft  MicrosoftConfig  `yaml:"microsoft"`
	SES        SESConfig        `yaml:"ses"`
	Send       SendConfig       `yaml:"send"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Poller     PollerConfig     `yaml:"poller"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Classifier ClassifierConfig `yaml:"classifier"`
	CRM        CRMConfig        `yaml:"crm"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnLifetime returns the max connection lifetime as a duration
func (c DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Minute
}

// RedisConfig holds Redis connection settings. Redis backs distributed
// locks and CRM sync idempotency keys; the engine degrades to PG
// advisory locks if Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig holds token vault encryption settings.
// MasterKey is the passphrase for PBKDF2 key derivation; it is only
// ever read from the environment, never from the YAML file.
type VaultConfig struct {
	MasterKey       string `yaml:"-"`
	PBKDF2Iters     int    `yaml:"pbkdf2_iterations"`
	RefreshSkewSecs int    `yaml:"refresh_skew_seconds"`
	LockTTLSecs     int    `yaml:"lock_ttl_seconds"`
}

// RefreshSkew returns how long before expiry a token counts as expiring
func (c VaultConfig) RefreshSkew() time.Duration {
	return time.Duration(c.RefreshSkewSecs) * time.Second
}

// LockTTL returns the refresh lock TTL as a duration
func (c VaultConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSecs) * time.Second
}

// GoogleConfig holds Google OAuth app credentials for Gmail accounts
type GoogleConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c GoogleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MicrosoftConfig holds Microsoft OAuth app credentials for Outlook/Graph accounts
type MicrosoftConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Tenant         string `yaml:"tenant"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c MicrosoftConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SESConfig holds AWS SES credentials for send-only relay accounts
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SendConfig holds send pipeline settings
type SendConfig struct {
	QueueBatchSize      int `yaml:"queue_batch_size"`
	QueueIntervalSecs   int `yaml:"queue_interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	DefaultDailyLimit   int `yaml:"default_daily_limit"`
	DefaultMonthlyLimit int `yaml:"default_monthly_limit"`
}

// QueueInterval returns the send queue drain cadence as a duration
func (c SendConfig) QueueInterval() time.Duration {
	return time.Duration(c.QueueIntervalSecs) * time.Second
}

// TrackingConfig holds open/click tracking settings
type TrackingConfig struct {
	BaseURL    string `yaml:"base_url"`
	HMACSecret string `yaml:"-"`
	Enabled    bool   `yaml:"enabled"`
}

// PollerConfig holds inbox polling settings
type PollerConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	Concurrency     int `yaml:"concurrency"`
	PageSize        int `yaml:"page_size"`
	LookbackHours   int `yaml:"lookback_hours"`
}

// Interval returns the polling interval as a duration
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Lookback returns how far back a first poll reaches
func (c PollerConfig) Lookback() time.Duration {
	return time.Duration(c.LookbackHours) * time.Hour
}

// ScoringConfig holds reply correlation scoring weights. Each weight is
// the confidence contributed by one signal; Threshold is the minimum
// total for a message to count as a reply.
type ScoringConfig struct {
	SubjectPrefix    float64 `yaml:"subject_prefix"`
	ThreadingHeaders float64 `yaml:"threading_headers"`
	QuotedBody       float64 `yaml:"quoted_body"`
	KnownRecipient   float64 `yaml:"known_recipient"`
	ThreadSubject    float64 `yaml:"thread_subject"`
	Threshold        float64 `yaml:"threshold"`
}

// ClassifierConfig holds AWS Bedrock reply classification settings
type ClassifierConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	ModelID        string `yaml:"model_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CRMConfig holds CRM sync trigger settings
type CRMConfig struct {
	Enabled        bool   `yaml:"enabled"`
	WebhookURL     string `yaml:"webhook_url"`
	APIKey         string `yaml:"-"`
	QueueSize      int    `yaml:"queue_size"`
	Workers        int    `yaml:"workers"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	DedupeTTLHours int    `yaml:"dedupe_ttl_hours"`
}

// Timeout returns the configured timeout as a duration
func (c CRMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DedupeTTL returns how long a delivered sync event suppresses duplicates
func (c CRMConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLHours) * time.Hour
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.Vault.PBKDF2Iters == 0 {
		cfg.Vault.PBKDF2Iters = 200_000
	}
	if cfg.Vault.RefreshSkewSecs == 0 {
		cfg.Vault.RefreshSkewSecs = 120
	}
	if cfg.Vault.LockTTLSecs == 0 {
		cfg.Vault.LockTTLSecs = 30
	}
	if cfg.Google.TimeoutSeconds == 0 {
		cfg.Google.TimeoutSeconds = 30
	}
	if cfg.Microsoft.TimeoutSeconds == 0 {
		cfg.Microsoft.TimeoutSeconds = 30
	}
	if cfg.Microsoft.Tenant == "" {
		cfg.Microsoft.Tenant = "common"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.Send.QueueBatchSize == 0 {
		cfg.Send.QueueBatchSize = 50
	}
	if cfg.Send.QueueIntervalSecs == 0 {
		cfg.Send.QueueIntervalSecs = 15
	}
	if cfg.Send.MaxAttempts == 0 {
		cfg.Send.MaxAttempts = 3
	}
	if cfg.Send.DefaultDailyLimit == 0 {
		cfg.Send.DefaultDailyLimit = 50
	}
	if cfg.Send.DefaultMonthlyLimit == 0 {
		cfg.Send.DefaultMonthlyLimit = 1000
	}
	if cfg.Poller.IntervalSeconds == 0 {
		cfg.Poller.IntervalSeconds = 120
	}
	if cfg.Poller.Concurrency == 0 {
		cfg.Poller.Concurrency = 5
	}
	if cfg.Poller.PageSize == 0 {
		cfg.Poller.PageSize = 50
	}
	if cfg.Poller.LookbackHours == 0 {
		cfg.Poller.LookbackHours = 24
	}
	if cfg.Scoring.SubjectPrefix == 0 {
		cfg.Scoring.SubjectPrefix = 0.4
	}
	if cfg.Scoring.ThreadingHeaders == 0 {
		cfg.Scoring.ThreadingHeaders = 0.5
	}
	if cfg.Scoring.QuotedBody == 0 {
		cfg.Scoring.QuotedBody = 0.2
	}
	if cfg.Scoring.KnownRecipient == 0 {
		cfg.Scoring.KnownRecipient = 0.3
	}
	if cfg.Scoring.ThreadSubject == 0 {
		cfg.Scoring.ThreadSubject = 0.4
	}
	if cfg.Scoring.Threshold == 0 {
		cfg.Scoring.Threshold = 0.3
	}
	if cfg.Classifier.Region == "" {
		cfg.Classifier.Region = "us-east-1"
	}
	if cfg.Classifier.ModelID == "" {
		cfg.Classifier.ModelID = "anthropic.claude-3-sonnet-20240229-v1:0"
	}
	if cfg.Classifier.TimeoutSeconds == 0 {
		cfg.Classifier.TimeoutSeconds = 30
	}
	if cfg.CRM.QueueSize == 0 {
		cfg.CRM.QueueSize = 256
	}
	if cfg.CRM.Workers == 0 {
		cfg.CRM.Workers = 4
	}
	if cfg.CRM.TimeoutSeconds == 0 {
		cfg.CRM.TimeoutSeconds = 15
	}
	if cfg.CRM.DedupeTTLHours == 0 {
		cfg.CRM.DedupeTTLHours = 24
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Google.ClientSecret = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_ID"); v != "" {
		cfg.Microsoft.ClientID = v
	}
	if v := os.Getenv("MICROSOFT_CLIENT_SECRET"); v != "" {
		cfg.Microsoft.ClientSecret = v
	}
	if v := os.Getenv("MICROSOFT_TENANT"); v != "" {
		cfg.Microsoft.Tenant = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("CRM_WEBHOOK_URL"); v != "" {
		cfg.CRM.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("VAULT_PBKDF2_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Vault.PBKDF2Iters = n
		}
	}

	// Secrets only ever come from the environment
	cfg.Vault.MasterKey = os.Getenv("VAULT_MASTER_KEY")
	cfg.Tracking.HMACSecret = os.Getenv("TRACKING_HMAC_SECRET")
	cfg.CRM.APIKey = os.Getenv("CRM_API_KEY")

	return cfg, nil
}

// Validate checks that settings required at runtime are present.
// Called by the binaries after LoadFromEnv, not by Load, so tests can
// construct partial configs freely.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set DATABASE_URL)")
	}
	if c.Vault.MasterKey == "" {
		return fmt.Errorf("VAULT_MASTER_KEY is required")
	}
	if c.Vault.PBKDF2Iters < 100_000 {
		return fmt.Errorf("vault.pbkdf2_iterations must be at least 100000, got %d", c.Vault.PBKDF2Iters)
	}
	if c.Tracking.Enabled && c.Tracking.HMACSecret == "" {
		return fmt.Errorf("TRACKING_HMAC_SECRET is required when tracking is enabled")
	}
	if c.CRM.Enabled && c.CRM.WebhookURL == "" {
		return fmt.Errorf("crm.webhook_url is required when CRM sync is enabled")
	}
	return nil
}
