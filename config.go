package realtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for a realtime
// session.
type Config struct {
	// APIBase is the REST API root, e.g. "https://api.campus.example".
	APIBase string `env:"CAMPUSHUB_API_BASE"`

	// WSBase is the socket base URL, e.g. "wss://api.campus.example".
	// Derived from APIBase when empty.
	WSBase string `env:"CAMPUSHUB_WS_BASE"`

	// Token is the session's bearer token, issued by the auth layer.
	Token string `env:"CAMPUSHUB_TOKEN"`

	// UserID scopes the notification and chat channels.
	UserID int64 `env:"CAMPUSHUB_USER_ID"`

	// PollInterval is the pull-path fetch cadence.
	PollInterval time.Duration `env:"CAMPUSHUB_POLL_INTERVAL" envDefault:"45s"`

	// Retained caps the reconciled notification set.
	Retained int `env:"CAMPUSHUB_RETAINED_NOTIFICATIONS" envDefault:"20"`

	// Reconnect backoff knobs.
	BackoffBase time.Duration `env:"CAMPUSHUB_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap  time.Duration `env:"CAMPUSHUB_BACKOFF_CAP" envDefault:"30s"`
	MaxAttempts int           `env:"CAMPUSHUB_MAX_ATTEMPTS" envDefault:"8"`

	// StatePath overrides the on-disk state location
	// (~/.campushub/realtime.db by default).
	StatePath string `env:"CAMPUSHUB_STATE_PATH"`

	// DisablePersistence runs the session without on-disk state: the
	// pull cursor and read states then live only as long as the session.
	DisablePersistence bool `env:"CAMPUSHUB_DISABLE_PERSISTENCE" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from environment variables. It first
// attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("CAMPUSHUB_API_BASE is required")
	}

	if !strings.HasPrefix(c.APIBase, "http://") && !strings.HasPrefix(c.APIBase, "https://") {
		return fmt.Errorf("CAMPUSHUB_API_BASE must start with http:// or https://")
	}

	if c.WSBase == "" {
		// wss for https, ws for http.
		c.WSBase = "ws" + strings.TrimPrefix(c.APIBase, "http")
	}

	if !strings.HasPrefix(c.WSBase, "ws://") && !strings.HasPrefix(c.WSBase, "wss://") {
		return fmt.Errorf("CAMPUSHUB_WS_BASE must start with ws:// or wss://")
	}

	if c.Token == "" {
		return fmt.Errorf("CAMPUSHUB_TOKEN is required")
	}

	if c.UserID <= 0 {
		return fmt.Errorf("CAMPUSHUB_USER_ID is required")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CAMPUSHUB_POLL_INTERVAL must be positive")
	}

	if c.Retained <= 0 {
		return fmt.Errorf("CAMPUSHUB_RETAINED_NOTIFICATIONS must be positive")
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("CAMPUSHUB_MAX_ATTEMPTS must be positive")
	}

	c.APIBase = strings.TrimRight(c.APIBase, "/")
	c.WSBase = strings.TrimRight(c.WSBase, "/")

	return nil
}
