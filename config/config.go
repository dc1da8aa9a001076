package config

import (
	"os"
	"time"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	JWT        JWTConfig
	PayPal     PayPalConfig
	Retry      RetryConfig
	Membership MembershipConfig
}

type ServerConfig struct {
	Port         string
	Env          string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	Issuer        string
}

// PayPalConfig for the REST API (orders v2). Leave ClientID empty to run with the
// stub provider in development.
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	WebhookID    string
}

// RetryConfig bounds the capture retry loop.
type RetryConfig struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration
}

// Plan is a purchasable premium period.
type Plan struct {
	Duration time.Duration
	Value    string
	Currency string
}

type MembershipConfig struct {
	Plans map[string]Plan
}

// Plan returns the plan for id, if configured.
func (m *MembershipConfig) Plan(id string) (Plan, bool) {
	p, ok := m.Plans[id]
	return p, ok
}

func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         envOr("PORT", "8090"),
			Env:          envOr("APP_ENV", "development"),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:             envOr("DATABASE_DSN", "comuna:comuna@tcp(localhost:3306)/comuna?charset=utf8mb4&parseTime=True&loc=Local"),
			MaxIdleConns:    10,
			MaxOpenConns:    100,
			ConnMaxLifetime: time.Hour,
		},
		JWT: JWTConfig{
			AccessSecret:  envOr("JWT_ACCESS_SECRET", "change-me-in-production"),
			RefreshSecret: envOr("JWT_REFRESH_SECRET", "change-me-refresh"),
			AccessExpiry:  15 * time.Minute,
			RefreshExpiry: 168 * time.Hour,
			Issuer:        "comuna",
		},
		PayPal: PayPalConfig{
			BaseURL:      envOr("PAYPAL_BASE_URL", "https://api-m.sandbox.paypal.com"),
			ClientID:     os.Getenv("PAYPAL_CLIENT_ID"),
			ClientSecret: os.Getenv("PAYPAL_CLIENT_SECRET"),
			WebhookID:    os.Getenv("PAYPAL_WEBHOOK_ID"),
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelay:         1000 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			PerAttemptTimeout: 30 * time.Second,
		},
		Membership: MembershipConfig{
			Plans: map[string]Plan{
				"mensual": {Duration: 30 * 24 * time.Hour, Value: "9.99", Currency: "USD"},
				"anual":   {Duration: 365 * 24 * time.Hour, Value: "89.99", Currency: "USD"},
			},
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
