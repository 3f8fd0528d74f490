package banklink

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/grana-app/banklink/claims"
	"github.com/grana-app/banklink/providers/tink"
)

// Config holds server configuration.
type Config struct {
	// ClientRedirectURL is the web client URL the callback redirects back
	// to, with connected=true or error=<reason> appended (required).
	ClientRedirectURL string

	// StateSecret signs the state tokens carried through the provider
	// redirect (required).
	StateSecret string

	// StateMaxAge bounds state token validity. Default: 10 minutes.
	StateMaxAge time.Duration

	// Claims configures the claim TTL windows.
	Claims claims.Config

	// SweepInterval is how often stale processing claims are swept when the
	// store supports sweeping. Zero disables the background sweeper.
	SweepInterval time.Duration

	// RateLimit configures per-IP limiting on the HTTP endpoints.
	RateLimit RateLimitConfig

	// TrustProxy enables client IP extraction from forwarding headers.
	TrustProxy bool

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// Logger for structured logging (optional, uses slog.Default if nil).
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.StateSecret == "" {
		return fmt.Errorf("config: state secret is required")
	}
	if c.ClientRedirectURL == "" {
		return fmt.Errorf("config: client redirect URL is required")
	}
	return nil
}

// EnvConfig is the environment surface of the service. Duration values use
// Go duration syntax (e.g. "10m", "2h").
type EnvConfig struct {
	StateSecret       string `env:"BANKLINK_STATE_SECRET"`
	ClientRedirectURL string `env:"BANKLINK_CLIENT_REDIRECT_URL"`

	StateMaxAge   time.Duration `env:"BANKLINK_STATE_MAX_AGE" envDefault:"10m"`
	ProcessingTTL time.Duration `env:"BANKLINK_PROCESSING_TTL" envDefault:"10m"`
	ProcessedTTL  time.Duration `env:"BANKLINK_PROCESSED_TTL" envDefault:"2h"`
	SweepInterval time.Duration `env:"BANKLINK_SWEEP_INTERVAL" envDefault:"5m"`

	ValkeyAddress  string `env:"BANKLINK_VALKEY_ADDRESS"`
	ValkeyPassword string `env:"BANKLINK_VALKEY_PASSWORD"`

	TinkClientID     string `env:"TINK_CLIENT_ID"`
	TinkClientSecret string `env:"TINK_CLIENT_SECRET"`
	TinkRedirectURI  string `env:"TINK_REDIRECT_URI"`
	TinkBaseURL      string `env:"TINK_BASE_URL"`

	RateLimitRate  int  `env:"BANKLINK_RATE_LIMIT" envDefault:"10"`
	RateLimitBurst int  `env:"BANKLINK_RATE_LIMIT_BURST" envDefault:"20"`
	TrustProxy     bool `env:"BANKLINK_TRUST_PROXY"`
	AuditEnabled   bool `env:"BANKLINK_AUDIT_ENABLED"`
}

// ConfigFromEnv loads configuration from the environment, reading a .env
// file first when one is present.
func ConfigFromEnv() (*EnvConfig, error) {
	// Best effort: a missing .env file is not an error.
	_ = godotenv.Load()

	var cfg EnvConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	return &cfg, nil
}

// ServerConfig builds the server Config from environment values.
func (e *EnvConfig) ServerConfig() Config {
	return Config{
		ClientRedirectURL: e.ClientRedirectURL,
		StateSecret:       e.StateSecret,
		StateMaxAge:       e.StateMaxAge,
		Claims: claims.Config{
			ProcessingTTL: e.ProcessingTTL,
			ProcessedTTL:  e.ProcessedTTL,
		},
		SweepInterval: e.SweepInterval,
		RateLimit: RateLimitConfig{
			Rate:  e.RateLimitRate,
			Burst: e.RateLimitBurst,
		},
		TrustProxy:   e.TrustProxy,
		AuditEnabled: e.AuditEnabled,
	}
}

// TinkConfig builds the Tink provider config from environment values.
func (e *EnvConfig) TinkConfig() *tink.Config {
	return &tink.Config{
		ClientID:     e.TinkClientID,
		ClientSecret: e.TinkClientSecret,
		RedirectURI:  e.TinkRedirectURI,
		BaseURL:      e.TinkBaseURL,
	}
}
