// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides settings for the HTTP server.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// EmailConfig provides settings for email sending.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetBrevoAPIKey() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
}

// NotificationConfig provides settings for the notification module.
type NotificationConfig interface {
	GetAppBaseURL() string
	GetOpsNotificationEmail() string
	GetOpsNotificationPhone() string
}

// SchedulerConfig provides Redis and asynq settings for background work.
type SchedulerConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetAsynqQueueName() string
	GetAsynqConcurrency() int
}

// WebhookConfig provides the shared secrets used to authenticate inbound
// webhook deliveries, keyed by provider.
type WebhookConfig interface {
	GetWebhookSecrets(provider string) []string
	GetWebhookTolerance() time.Duration
}

// StatusCacheConfig provides settings for the reconciliation status cache.
type StatusCacheConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
	GetStatusCacheTTL() time.Duration
}

// MinIOConfig provides settings for MinIO S3-compatible storage.
type MinIOConfig interface {
	GetMinIOEndpoint() string
	GetMinIOAccessKey() string
	GetMinIOSecretKey() string
	GetMinIOUseSSL() bool
	GetMinioBucketWebhookArchive() string
	IsMinIOEnabled() bool
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration values.
type Config struct {
	Env                       string
	HTTPAddr                  string
	DatabaseURL               string
	JWTAccessSecret           string
	CORSAllowAll              bool
	CORSOrigins               []string
	CORSAllowCreds            bool
	AppBaseURL                string
	EmailEnabled              bool
	BrevoAPIKey               string
	EmailFromName             string
	EmailFromAddress          string
	SMTPHost                  string
	SMTPPort                  int
	SMTPUsername              string
	SMTPPassword              string
	OpsNotificationEmail      string
	OpsNotificationPhone      string
	RedisURL                  string
	RedisTLSInsecure          bool
	AsynqQueueName            string
	AsynqConcurrency          int
	WebhookSecrets            map[string][]string
	WebhookTolerance          time.Duration
	StatusCacheTTL            time.Duration
	MinIOEndpoint             string
	MinIOAccessKey            string
	MinIOSecretKey            string
	MinIOUseSSL               bool
	MinioBucketWebhookArchive string
}

// =============================================================================
// Interface Implementations
// =============================================================================

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// JWTConfig implementation
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetBrevoAPIKey() string      { return c.BrevoAPIKey }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }

// NotificationConfig implementation
func (c *Config) GetAppBaseURL() string           { return c.AppBaseURL }
func (c *Config) GetOpsNotificationEmail() string { return c.OpsNotificationEmail }
func (c *Config) GetOpsNotificationPhone() string { return c.OpsNotificationPhone }

// SchedulerConfig implementation
func (c *Config) GetRedisURL() string       { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool { return c.RedisTLSInsecure }
func (c *Config) GetAsynqQueueName() string { return c.AsynqQueueName }
func (c *Config) GetAsynqConcurrency() int  { return c.AsynqConcurrency }

// WebhookConfig implementation
func (c *Config) GetWebhookSecrets(provider string) []string {
	return c.WebhookSecrets[provider]
}
func (c *Config) GetWebhookTolerance() time.Duration { return c.WebhookTolerance }

// StatusCacheConfig implementation
func (c *Config) GetStatusCacheTTL() time.Duration { return c.StatusCacheTTL }

// MinIOConfig implementation
func (c *Config) GetMinIOEndpoint() string  { return c.MinIOEndpoint }
func (c *Config) GetMinIOAccessKey() string { return c.MinIOAccessKey }
func (c *Config) GetMinIOSecretKey() string { return c.MinIOSecretKey }
func (c *Config) GetMinIOUseSSL() bool      { return c.MinIOUseSSL }
func (c *Config) GetMinioBucketWebhookArchive() string {
	return c.MinioBucketWebhookArchive
}
func (c *Config) IsMinIOEnabled() bool { return c.MinIOEndpoint != "" }

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	brevoAPIKey := getEnv("BREVO_API_KEY", "")
	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	cfg := &Config{
		Env:                  getEnv("APP_ENV", "development"),
		HTTPAddr:             getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		JWTAccessSecret:      getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:         corsAllowAll,
		CORSOrigins:          corsOrigins,
		CORSAllowCreds:       strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		AppBaseURL:           getEnv("APP_BASE_URL", "http://localhost:4200"),
		EmailEnabled:         emailEnabled && (brevoAPIKey != "" || smtpHost != ""),
		BrevoAPIKey:          brevoAPIKey,
		EmailFromName:        getEnv("EMAIL_FROM_NAME", "Lifecycle"),
		EmailFromAddress:     getEnv("EMAIL_FROM_ADDRESS", ""),
		SMTPHost:             smtpHost,
		SMTPPort:             mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:         getEnv("SMTP_USERNAME", ""),
		SMTPPassword:         getEnv("SMTP_PASSWORD", ""),
		OpsNotificationEmail: getEnv("OPS_NOTIFICATION_EMAIL", ""),
		OpsNotificationPhone: getEnv("OPS_NOTIFICATION_PHONE", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisTLSInsecure:     strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		AsynqQueueName:       getEnv("ASYNQ_QUEUE", "default"),
		AsynqConcurrency:     mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		WebhookSecrets: map[string][]string{
			"payments": splitCSV(getEnv("WEBHOOK_PAYMENTS_SECRETS", "")),
			"email":    splitCSV(getEnv("WEBHOOK_EMAIL_SECRETS", "")),
		},
		WebhookTolerance:          mustDuration(getEnv("WEBHOOK_TOLERANCE", "5m")),
		StatusCacheTTL:            mustDuration(getEnv("STATUS_CACHE_TTL", "24h")),
		MinIOEndpoint:             getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:            getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:            getEnv("MINIO_SECRET_KEY", ""),
		MinIOUseSSL:               strings.EqualFold(getEnv("MINIO_USE_SSL", "false"), "true"),
		MinioBucketWebhookArchive: getEnv("MINIO_BUCKET_WEBHOOK_ARCHIVE", "webhook-archive"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTAccessSecret == "" {
		return nil, fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	if len(cfg.WebhookSecrets["payments"]) == 0 && len(cfg.WebhookSecrets["email"]) == 0 {
		return nil, fmt.Errorf("at least one of WEBHOOK_PAYMENTS_SECRETS or WEBHOOK_EMAIL_SECRETS is required")
	}
	if cfg.WebhookTolerance <= 0 {
		return nil, fmt.Errorf("WEBHOOK_TOLERANCE must be a positive duration")
	}
	if cfg.EmailEnabled && cfg.EmailFromAddress == "" {
		return nil, fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}
	if cfg.CORSAllowAll && cfg.CORSAllowCreds {
		return nil, fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
