// Package config loads runtime settings from environment variables. Every
// setting has a default; Load overrides from the environment and Validate
// rejects inconsistent combinations before anything is wired.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ChannelQueueConfig holds the per-channel scheduling knobs of the delivery
// engine: worker-pool size, batching windows per priority tier, and the
// channel-global rate limit.
type ChannelQueueConfig struct {
	Concurrency     int
	NormalBatchSize int
	NormalFlush     time.Duration
	LowBatchSize    int
	LowFlush        time.Duration
	RatePerMinute   int
}

// RetryConfig holds the backoff policy for retryable delivery failures.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// SessionConfig holds in-app realtime session settings.
type SessionConfig struct {
	IdleTimeout      time.Duration
	ReconnectBacklog int
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	RatePerUserMin   int
}

// InboxConfig holds in-app inbox retention settings.
type InboxConfig struct {
	RetentionDays int
	SweepInterval time.Duration
}

// AdapterConfig holds the shared adapter call budget. The visibility timeout
// for in-flight reclaim derives from the call timeout.
type AdapterConfig struct {
	Timeout         time.Duration
	VisibilitySlack time.Duration
}

// WebhookConfig holds per-channel webhook shared secrets and the replay
// window for signed provider callbacks.
type WebhookConfig struct {
	EmailSecret  string
	SMSSecret    string
	PushSecret   string
	ReplayWindow time.Duration
}

// ProviderConfig holds outbound provider endpoints and credentials.
type ProviderConfig struct {
	EmailBaseURL       string
	EmailAPIKey        string
	EmailFromAddress   string
	SMSBaseURL         string
	SMSAPIKey          string
	SMSSenderID        string
	SMSDefaultCountry  string
	PushBaseURL        string
	PushAPIKey         string
	TokenDormancyDays  int
}

// Config is the root configuration for the courier process.
type Config struct {
	HTTPAddr    string
	DatabaseURL string
	RedisURL    string
	Environment string
	LogLevel    string
	LogFormat   string
	LogOutput   string

	Email ChannelQueueConfig
	SMS   ChannelQueueConfig
	Push  ChannelQueueConfig
	InApp ChannelQueueConfig

	Retry    RetryConfig
	Session  SessionConfig
	Inbox    InboxConfig
	Adapter  AdapterConfig
	Webhook  WebhookConfig
	Provider ProviderConfig

	DrainTimeout  time.Duration
	FetchInterval time.Duration
	FetchBatch    int
	BulkChunkSize int
}

// Default returns the configuration with the documented defaults: batching
// windows and concurrency per channel, 3 retry attempts with 1s base and
// 5m cap, 10s adapter timeout, 30s drain.
func Default() Config {
	return Config{
		HTTPAddr:    ":8080",
		RedisURL:    "redis://localhost:6379/0",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		LogOutput:   "stdout",

		Email: ChannelQueueConfig{
			Concurrency:     20,
			NormalBatchSize: 50,
			NormalFlush:     30 * time.Second,
			LowBatchSize:    100,
			LowFlush:        60 * time.Second,
			RatePerMinute:   300,
		},
		SMS: ChannelQueueConfig{
			Concurrency:     5,
			NormalBatchSize: 20,
			NormalFlush:     15 * time.Second,
			LowBatchSize:    50,
			LowFlush:        30 * time.Second,
			RatePerMinute:   100,
		},
		Push: ChannelQueueConfig{
			Concurrency:     15,
			NormalBatchSize: 100,
			NormalFlush:     10 * time.Second,
			LowBatchSize:    200,
			LowFlush:        30 * time.Second,
			RatePerMinute:   1000,
		},
		InApp: ChannelQueueConfig{
			// In-app never batches; batch sizes of 1 make every tier
			// dispatch immediately.
			Concurrency:     50,
			NormalBatchSize: 1,
			LowBatchSize:    1,
		},

		Retry: RetryConfig{
			MaxAttempts: 3,
			Base:        1 * time.Second,
			Cap:         5 * time.Minute,
		},
		Session: SessionConfig{
			IdleTimeout:      5 * time.Minute,
			ReconnectBacklog: 50,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
			RatePerUserMin:   500,
		},
		Inbox: InboxConfig{
			RetentionDays: 90,
			SweepInterval: 1 * time.Hour,
		},
		Adapter: AdapterConfig{
			Timeout:         10 * time.Second,
			VisibilitySlack: 20 * time.Second,
		},
		Webhook: WebhookConfig{
			ReplayWindow: 5 * time.Minute,
		},
		Provider: ProviderConfig{
			SMSDefaultCountry: "1",
			TokenDormancyDays: 30,
		},

		DrainTimeout:  30 * time.Second,
		FetchInterval: 100 * time.Millisecond,
		FetchBatch:    64,
		BulkChunkSize: 500,
	}
}

// Load loads configuration from environment variables on top of the
// defaults. Required variables: DATABASE_URL.
func Load() Config {
	cfg := Default()

	cfg.HTTPAddr = envOr("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DatabaseURL = envRequired("DATABASE_URL")
	cfg.RedisURL = envOr("REDIS_URL", cfg.RedisURL)
	cfg.Environment = envOr("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.LogOutput = envOr("LOG_OUTPUT", cfg.LogOutput)

	loadChannel("EMAIL", &cfg.Email)
	loadChannel("SMS", &cfg.SMS)
	loadChannel("PUSH", &cfg.Push)
	loadChannel("IN_APP", &cfg.InApp)

	envInt("RETRY_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDurationMS("RETRY_BASE_MS", &cfg.Retry.Base)
	envDurationMS("RETRY_CAP_MS", &cfg.Retry.Cap)

	envDurationMS("SESSION_IDLE_TIMEOUT_MS", &cfg.Session.IdleTimeout)
	envInt("SESSION_RECONNECT_BACKLOG", &cfg.Session.ReconnectBacklog)
	envInt("RATE_IN_APP_PER_USER_MIN", &cfg.Session.RatePerUserMin)

	envInt("INBOX_RETENTION_DAYS", &cfg.Inbox.RetentionDays)

	envDurationMS("ADAPTER_TIMEOUT_MS", &cfg.Adapter.Timeout)
	envDurationMS("DRAIN_TIMEOUT_MS", &cfg.DrainTimeout)
	envInt("BULK_CHUNK_SIZE", &cfg.BulkChunkSize)

	cfg.Webhook.EmailSecret = envOr("WEBHOOK_EMAIL_SECRET", "")
	cfg.Webhook.SMSSecret = envOr("WEBHOOK_SMS_SECRET", "")
	cfg.Webhook.PushSecret = envOr("WEBHOOK_PUSH_SECRET", "")
	envDurationMS("WEBHOOK_REPLAY_WINDOW_MS", &cfg.Webhook.ReplayWindow)

	cfg.Provider.EmailBaseURL = envOr("EMAIL_PROVIDER_URL", cfg.Provider.EmailBaseURL)
	cfg.Provider.EmailAPIKey = envOr("EMAIL_PROVIDER_API_KEY", "")
	cfg.Provider.EmailFromAddress = envOr("EMAIL_FROM_ADDRESS", "no-reply@courier.local")
	cfg.Provider.SMSBaseURL = envOr("SMS_PROVIDER_URL", cfg.Provider.SMSBaseURL)
	cfg.Provider.SMSAPIKey = envOr("SMS_PROVIDER_API_KEY", "")
	cfg.Provider.SMSSenderID = envOr("SMS_SENDER_ID", "")
	cfg.Provider.SMSDefaultCountry = envOr("SMS_DEFAULT_COUNTRY_CODE", cfg.Provider.SMSDefaultCountry)
	cfg.Provider.PushBaseURL = envOr("PUSH_PROVIDER_URL", cfg.Provider.PushBaseURL)
	cfg.Provider.PushAPIKey = envOr("PUSH_PROVIDER_API_KEY", "")
	envInt("PUSH_TOKEN_DORMANCY_DAYS", &cfg.Provider.TokenDormancyDays)

	return cfg
}

// loadChannel overrides one channel's queue settings from the environment.
// Keys follow QUEUE_{CHANNEL}_CONCURRENCY, QUEUE_{CHANNEL}_BATCH_{TIER},
// QUEUE_{CHANNEL}_FLUSH_{TIER}_MS, RATE_{CHANNEL}_PER_MIN.
func loadChannel(name string, c *ChannelQueueConfig) {
	envInt("QUEUE_"+name+"_CONCURRENCY", &c.Concurrency)
	envInt("QUEUE_"+name+"_BATCH_NORMAL", &c.NormalBatchSize)
	envInt("QUEUE_"+name+"_BATCH_LOW", &c.LowBatchSize)
	envDurationMS("QUEUE_"+name+"_FLUSH_NORMAL_MS", &c.NormalFlush)
	envDurationMS("QUEUE_"+name+"_FLUSH_LOW_MS", &c.LowFlush)
	envInt("RATE_"+name+"_PER_MIN", &c.RatePerMinute)
}

// Validate checks that all required configuration is present and valid.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	if c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("retry backoff requires 0 < base <= cap")
	}
	for _, ch := range []struct {
		name string
		cfg  ChannelQueueConfig
	}{
		{"email", c.Email}, {"sms", c.SMS}, {"push", c.Push}, {"in_app", c.InApp},
	} {
		if ch.cfg.Concurrency < 1 {
			return fmt.Errorf("queue.concurrency.%s must be at least 1", ch.name)
		}
		if ch.cfg.NormalBatchSize < 1 || ch.cfg.LowBatchSize < 1 {
			return fmt.Errorf("queue.batch_size.%s must be at least 1", ch.name)
		}
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain.timeout_ms must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envRequired(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("WARNING: %s is not set. This is required in production.\n", key)
	}
	return value
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDurationMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
