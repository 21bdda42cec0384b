package pennant

import (
	"fmt"
	"log/slog"
	"time"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithStore sets the persisted flag store collaborator. Required.
func WithStore(store FlagStore) Option {
	return func(e *Engine) error {
		if store == nil {
			return fmt.Errorf("store cannot be nil")
		}
		e.store = store
		return nil
	}
}

// WithMetricsSource sets the metrics collaborator used for rollout success
// criteria. Without one, automatic advancement treats any criteria as
// failed.
func WithMetricsSource(source MetricsSource) Option {
	return func(e *Engine) error {
		e.metricsSource = source
		return nil
	}
}

// WithNotifier sets the notification collaborator invoked on rollback and
// emergency disable.
func WithNotifier(notifier Notifier) Option {
	return func(e *Engine) error {
		if notifier == nil {
			return fmt.Errorf("notifier cannot be nil")
		}
		e.notifier = notifier
		return nil
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		e.logger = logger
		return nil
	}
}

// WithConfig applies a full Config struct. Options applied after this one
// override individual fields.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		e.cfg = cfg
		return nil
	}
}

// WithRefreshInterval sets how often flags reload from the store.
// Default: 60 seconds.
func WithRefreshInterval(interval time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.RefreshInterval = interval
		if e.cfg.CacheTTL < interval {
			e.cfg.CacheTTL = 2 * interval
		}
		return nil
	}
}

// WithCacheTTL sets the snapshot staleness bound.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.CacheTTL = ttl
		return nil
	}
}

// WithStalenessGrace sets how long stale snapshots keep serving during
// store outages. Default: 5 minutes.
func WithStalenessGrace(grace time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.StalenessGrace = grace
		return nil
	}
}

// WithInitialTimeout sets the timeout for the initial flag load.
// Default: 10 seconds.
func WithInitialTimeout(timeout time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.InitialTimeout = timeout
		return nil
	}
}

// WithMetricsTimeout bounds success-criteria metric reads.
// Default: 10 seconds.
func WithMetricsTimeout(timeout time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.MetricsTimeout = timeout
		return nil
	}
}

// WithCircuitBreaker configures the refresh circuit breaker.
//
// Example: pennant.WithCircuitBreaker(3, 30*time.Second)
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(e *Engine) error {
		e.cfg.CircuitThreshold = threshold
		e.cfg.CircuitTimeout = timeout
		return nil
	}
}

// WebhookConfig configures the invalidation webhook server.
type WebhookConfig struct {
	// Port the webhook server listens on.
	Port int

	// Path of the webhook endpoint. Default "/webhook".
	Path string

	// Secret is a shared secret checked against the X-Webhook-Secret
	// header. Empty disables the check.
	Secret string
}

// WithWebhookInvalidation enables the webhook server, so the flag store
// can push change notifications instead of waiting for the next refresh.
//
// The endpoint accepts POST payloads:
//
//	{"event": "flag.updated", "flag_keys": ["flag1", "flag2"]}
func WithWebhookInvalidation(cfg WebhookConfig) Option {
	return func(e *Engine) error {
		if cfg.Port <= 0 || cfg.Port > 65535 {
			return fmt.Errorf("webhook port must be a valid port")
		}
		e.cfg.WebhookEnabled = true
		e.cfg.WebhookPort = cfg.Port
		if cfg.Path != "" {
			e.cfg.WebhookPath = cfg.Path
		}
		e.cfg.WebhookSecret = cfg.Secret
		return nil
	}
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	// Port the admin server listens on.
	Port int

	// Path prefix for admin endpoints. Default "/admin".
	Path string
}

// WithAdminServer enables the admin HTTP API: health, cache stats and
// invalidation, plus the rollout control surface.
func WithAdminServer(cfg AdminConfig) Option {
	return func(e *Engine) error {
		if cfg.Port <= 0 || cfg.Port > 65535 {
			return fmt.Errorf("admin port must be a valid port")
		}
		e.cfg.AdminEnabled = true
		e.cfg.AdminPort = cfg.Port
		if cfg.Path != "" {
			e.cfg.AdminPath = cfg.Path
		}
		return nil
	}
}
