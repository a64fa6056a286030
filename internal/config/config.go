// config.go

// Environment variable loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ticketera/auth/internal/token"
)

// Config holds all env configuration for the auth service.
type Config struct {
	Port         string     `env:"PORT" envDefault:"7865"`
	LogLevel     slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	CookieDomain string     `env:"COOKIE_DOMAIN"`

	// StoreDriver selects the account store: postgres (default) or sqlite.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"auth.db"`

	// RedisURL is optional. Empty disables rate limiting and the mail queue.
	RedisURL string `env:"REDIS_URL"`

	// JWTSecret is the base64 HS512 key; JWTKey is its decoded form.
	JWTSecret string `env:"JWT_SECRET,required"`
	JWTKey    []byte `env:"-"`

	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"168h"`
	VerificationTTL  time.Duration `env:"VERIFICATION_TTL" envDefault:"24h"`
	PasswordResetTTL time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"1h"`
	CleanupInterval  time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Outbound email. Disabled means notifications are rendered and dropped.
	EmailEnabled        bool   `env:"EMAIL_ENABLED" envDefault:"false"`
	EmailTransport      string `env:"EMAIL_TRANSPORT" envDefault:"smtp"`
	EmailFrom           string `env:"EMAIL_FROM"`
	VerifyURL           string `env:"VERIFY_URL"`
	ResetURL            string `env:"RESET_URL"`
	MailAppName         string `env:"MAIL_APP_NAME" envDefault:"Ticketera"`
	MailQueueMax        int64  `env:"MAIL_QUEUE_MAX" envDefault:"1000"`
	NotifyFailurePolicy string `env:"NOTIFY_FAILURE_POLICY" envDefault:"fail"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     string `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	AWSRegion          string `env:"AWS_REGION"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	// Rate limit policy for login attempts per email.
	RateLoginMax     int           `env:"RATE_LOGIN_MAX" envDefault:"10"`
	RateLoginWindow  time.Duration `env:"RATE_LOGIN_WINDOW" envDefault:"10m"`
	RateLoginLockout time.Duration `env:"RATE_LOGIN_LOCKOUT" envDefault:"15m"`

	// Rate limit policy for password reset requests per email.
	RateResetMax     int           `env:"RATE_RESET_MAX" envDefault:"3"`
	RateResetWindow  time.Duration `env:"RATE_RESET_WINDOW" envDefault:"1h"`
	RateResetLockout time.Duration `env:"RATE_RESET_LOCKOUT" envDefault:"1h"`

	// Google OAuth. All three or none.
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// TurnstileSecret enables CAPTCHA on signup and reset requests.
	TurnstileSecret string `env:"TURNSTILE_SECRET"`

	// OTelEndpoint is the OTLP/HTTP collector URL, e.g. http://otel-collector:4318. Empty disables tracing.
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// LoadConfig reads environment variables and returns a validated Config.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GoogleEnabled reports whether Google OAuth is configured.
func (c *Config) GoogleEnabled() bool { return c.GoogleClientID != "" }

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			return errors.New("SQLITE_PATH must not be empty when STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or sqlite, got %q", c.StoreDriver)
	}

	key, err := token.DecodeSecret(c.JWTSecret)
	if err != nil {
		return fmt.Errorf("JWT_SECRET: %w", err)
	}
	if len(key) < token.MinKeyLen {
		return fmt.Errorf("JWT_SECRET must decode to at least %d bytes", token.MinKeyLen)
	}
	c.JWTKey = key

	for name, d := range map[string]time.Duration{
		"ACCESS_TOKEN_TTL":   c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":  c.RefreshTokenTTL,
		"VERIFICATION_TTL":   c.VerificationTTL,
		"PASSWORD_RESET_TTL": c.PasswordResetTTL,
		"CLEANUP_INTERVAL":   c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	// A zero max disables a policy; negative values are a typo.
	if c.RateLoginMax < 0 || c.RateResetMax < 0 {
		return errors.New("RATE_*_MAX must not be negative")
	}

	switch c.NotifyFailurePolicy {
	case "fail", "log":
	default:
		return fmt.Errorf("NOTIFY_FAILURE_POLICY must be fail or log, got %q", c.NotifyFailurePolicy)
	}

	if c.EmailEnabled {
		if err := c.validateEmail(); err != nil {
			return err
		}
	}

	set := 0
	for _, v := range []string{c.GoogleClientID, c.GoogleClientSecret, c.GoogleRedirectURL} {
		if v != "" {
			set++
		}
	}
	if set != 0 && set != 3 {
		return errors.New("GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL must be set together")
	}
	return nil
}

func (c *Config) validateEmail() error {
	if c.EmailFrom == "" {
		return errors.New("EMAIL_FROM is required when EMAIL_ENABLED=true")
	}
	// Tokens in verify/reset links must not travel over plain HTTP.
	if !strings.HasPrefix(c.VerifyURL, "https://") {
		return errors.New("VERIFY_URL must be set and start with https://")
	}
	if !strings.HasPrefix(c.ResetURL, "https://") {
		return errors.New("RESET_URL must be set and start with https://")
	}
	switch c.EmailTransport {
	case "smtp":
		if c.SMTPHost == "" {
			return errors.New("SMTP_HOST is required when EMAIL_TRANSPORT=smtp")
		}
	case "ses":
		if c.AWSRegion == "" {
			return errors.New("AWS_REGION is required when EMAIL_TRANSPORT=ses")
		}
	default:
		return fmt.Errorf("EMAIL_TRANSPORT must be smtp or ses, got %q", c.EmailTransport)
	}
	return nil
}
