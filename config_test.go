package banklink

import (
	"testing"
	"time"

	"github.com/grana-app/banklink/internal/testutil"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  Config{StateSecret: "s", ClientRedirectURL: "https://app.example.com"},
		},
		{
			name:    "missing state secret",
			cfg:     Config{ClientRedirectURL: "https://app.example.com"},
			wantErr: true,
		},
		{
			name:    "missing redirect URL",
			cfg:     Config{StateSecret: "s"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("BANKLINK_STATE_SECRET", "env-secret")
	t.Setenv("BANKLINK_CLIENT_REDIRECT_URL", "https://app.example.com/settings/banks")
	t.Setenv("BANKLINK_PROCESSED_TTL", "4h")
	t.Setenv("TINK_CLIENT_ID", "tink-client")
	t.Setenv("TINK_CLIENT_SECRET", "tink-secret")
	t.Setenv("TINK_REDIRECT_URI", "https://app.example.com/api/bank/callback")
	t.Setenv("BANKLINK_RATE_LIMIT", "5")
	t.Setenv("BANKLINK_AUDIT_ENABLED", "true")

	env, err := ConfigFromEnv()
	testutil.AssertNoError(t, err)

	if env.StateSecret != "env-secret" {
		t.Errorf("StateSecret = %q", env.StateSecret)
	}
	if env.ProcessedTTL != 4*time.Hour {
		t.Errorf("ProcessedTTL = %v, want 4h", env.ProcessedTTL)
	}
	// Unset durations fall back to the documented defaults.
	if env.ProcessingTTL != 10*time.Minute {
		t.Errorf("ProcessingTTL = %v, want 10m default", env.ProcessingTTL)
	}
	if env.StateMaxAge != 10*time.Minute {
		t.Errorf("StateMaxAge = %v, want 10m default", env.StateMaxAge)
	}

	cfg := env.ServerConfig()
	if cfg.StateSecret != "env-secret" {
		t.Errorf("ServerConfig StateSecret = %q", cfg.StateSecret)
	}
	if cfg.Claims.ProcessedTTL != 4*time.Hour {
		t.Errorf("ServerConfig Claims.ProcessedTTL = %v", cfg.Claims.ProcessedTTL)
	}
	if cfg.RateLimit.Rate != 5 {
		t.Errorf("ServerConfig RateLimit.Rate = %d, want 5", cfg.RateLimit.Rate)
	}
	if !cfg.AuditEnabled {
		t.Error("ServerConfig AuditEnabled = false")
	}

	tinkCfg := env.TinkConfig()
	if tinkCfg.ClientID != "tink-client" || tinkCfg.ClientSecret != "tink-secret" {
		t.Errorf("TinkConfig = %+v", tinkCfg)
	}
}

func TestConfigFromEnvBadDuration(t *testing.T) {
	t.Setenv("BANKLINK_STATE_SECRET", "env-secret")
	t.Setenv("BANKLINK_CLIENT_REDIRECT_URL", "https://app.example.com")
	t.Setenv("BANKLINK_PROCESSING_TTL", "not-a-duration")

	_, err := ConfigFromEnv()
	testutil.AssertError(t, err)
}
