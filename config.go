package pennant

import (
	"time"
)

// Config holds all engine configuration.
type Config struct {
	// RefreshInterval determines how often the cache reloads flags from
	// the store.
	RefreshInterval time.Duration

	// CacheTTL bounds how old a cached snapshot may be before it counts
	// as stale. Stale entries keep serving until the grace window below
	// also expires.
	CacheTTL time.Duration

	// StalenessGrace extends CacheTTL during store outages. Once
	// CacheTTL+StalenessGrace has passed without a successful reload,
	// the flag becomes unknown.
	StalenessGrace time.Duration

	// InitialTimeout is the timeout for the initial flag load.
	InitialTimeout time.Duration

	// MetricsTimeout bounds success-criteria metric reads. A timeout
	// counts as criteria failure.
	MetricsTimeout time.Duration

	// CircuitBreaker configuration for store refreshes.
	CircuitThreshold int
	CircuitTimeout   time.Duration

	// Ristretto sizing.
	CacheNumCounters int64
	CacheMaxCost     int64
	CacheBufferItems int64

	// Webhook invalidation server.
	WebhookEnabled bool
	WebhookPort    int
	WebhookPath    string
	WebhookSecret  string

	// Admin HTTP API.
	AdminEnabled bool
	AdminPort    int
	AdminPath    string
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval:  60 * time.Second,
		CacheTTL:         2 * time.Minute,
		StalenessGrace:   5 * time.Minute,
		InitialTimeout:   10 * time.Second,
		MetricsTimeout:   10 * time.Second,
		CircuitThreshold: 3,
		CircuitTimeout:   30 * time.Second,
		CacheNumCounters: 1e6,
		CacheMaxCost:     1 << 26,
		CacheBufferItems: 64,
		WebhookPath:      "/webhook",
		AdminPath:        "/admin",
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return &ConfigError{Field: "RefreshInterval", Message: "must be positive"}
	}
	if c.CacheTTL < c.RefreshInterval {
		return &ConfigError{Field: "CacheTTL", Message: "must be at least the refresh interval"}
	}
	if c.StalenessGrace < 0 {
		return &ConfigError{Field: "StalenessGrace", Message: "must not be negative"}
	}
	if c.MetricsTimeout <= 0 {
		return &ConfigError{Field: "MetricsTimeout", Message: "must be positive"}
	}
	if c.CircuitThreshold <= 0 {
		return &ConfigError{Field: "CircuitThreshold", Message: "must be positive"}
	}
	if c.WebhookEnabled && (c.WebhookPort <= 0 || c.WebhookPort > 65535) {
		return &ConfigError{Field: "WebhookPort", Message: "must be a valid port"}
	}
	if c.AdminEnabled && (c.AdminPort <= 0 || c.AdminPort > 65535) {
		return &ConfigError{Field: "AdminPort", Message: "must be a valid port"}
	}
	return nil
}
