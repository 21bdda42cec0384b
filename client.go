// Package pennant is a feature flag evaluation and progressive rollout
// engine. It mirrors a persisted flag store into a TTL-bounded in-memory
// cache, resolves flags against per-call contexts with deterministic
// percentage bucketing, and drives staged rollouts from 0% to 100% with
// optional metric-gated automatic advancement.
package pennant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine is the main entry point. It owns the flag cache, the rule
// resolver and the rollout orchestrator.
//
// Example:
//
//	engine, err := pennant.New(
//	    pennant.WithStore(store),
//	    pennant.WithRefreshInterval(time.Minute),
//	)
type Engine struct {
	cfg           Config
	store         FlagStore
	metricsSource MetricsSource
	notifier      Notifier
	logger        *slog.Logger

	cache    *flagCache
	resolver *resolver

	tracer      trace.Tracer
	evaluations metric.Int64Counter
	transitions metric.Int64Counter

	// Rollout orchestration state.
	rolloutMu sync.Mutex
	rollouts  map[string]*rollout

	webhookServer *http.Server
	adminServer   *http.Server
	wg            sync.WaitGroup
}

// New creates an engine with the given options. WithStore is required.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      DefaultConfig(),
		notifier: noopNotifier{},
		logger:   slog.Default(),
		rollouts: make(map[string]*rollout),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if e.store == nil {
		return nil, &ConfigError{Field: "Store", Message: "a flag store is required"}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}

	cache, err := newFlagCache(e.store, e.cfg, e.logger)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	e.resolver = newResolver(newConditionEvaluator(e.logger))
	e.tracer = otel.Tracer(tracerName)

	meter := otel.Meter(meterName)
	if e.evaluations, err = meter.Int64Counter("pennant.evaluations"); err != nil {
		return nil, err
	}
	if e.transitions, err = meter.Int64Counter("pennant.rollout.transitions"); err != nil {
		return nil, err
	}

	return e, nil
}

// Start loads the initial flag snapshot, begins background refresh and
// starts the optional webhook and admin servers. It must be called before
// evaluating flags.
func (e *Engine) Start(ctx context.Context) error {
	_, span := e.tracer.Start(ctx, "engine.start")
	defer span.End()

	if err := e.cache.start(); err != nil {
		span.RecordError(err)
		return err
	}

	if e.cfg.WebhookEnabled {
		if err := e.startWebhookServer(); err != nil {
			return fmt.Errorf("failed to start webhook server: %w", err)
		}
	}
	if e.cfg.AdminEnabled {
		if err := e.startAdminServer(); err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
	}
	return nil
}

// Stop cancels rollout timers, shuts down the servers and releases the
// cache.
func (e *Engine) Stop() error {
	e.rolloutMu.Lock()
	for _, r := range e.rollouts {
		r.stopTimer()
	}
	e.rolloutMu.Unlock()

	for _, srv := range []*http.Server{e.webhookServer, e.adminServer} {
		if srv == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(ctx)
		cancel()
	}
	e.wg.Wait()

	e.cache.stop()
	return nil
}

// Evaluate resolves a flag for the given context. It never returns an
// error: a broken or unknown flag cannot break the feature it gates. For
// an unknown flag the optional fallback is returned, or a type-neutral off
// value when none is supplied.
func (e *Engine) Evaluate(ctx context.Context, flagKey string, evalCtx Context, fallback ...Value) Value {
	ctx, span := e.tracer.Start(ctx, "engine.evaluate",
		trace.WithAttributes(
			attribute.String("flag.key", flagKey),
			attribute.String("subject.id", evalCtx.SubjectID),
		),
	)
	defer span.End()

	flag, ok := e.cache.get(ctx, flagKey)
	if !ok {
		span.SetAttributes(attribute.Bool("cache.hit", false))
		e.evaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("flag.key", flagKey),
			attribute.String("reason", "flag unknown"),
		))
		e.logger.Debug("flag unknown, returning fallback", "flag", flagKey)
		if len(fallback) > 0 {
			return fallback[0]
		}
		return Value{}
	}

	value, reason := e.resolver.resolve(flag, evalCtx)
	span.SetAttributes(
		attribute.Bool("cache.hit", true),
		attribute.String("evaluation.reason", reason),
	)
	e.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", flagKey),
		attribute.String("reason", reason),
	))
	return value
}

// Bool evaluates a flag and returns its boolean value. Returns false when
// the flag is unknown or not boolean.
func (e *Engine) Bool(ctx context.Context, flagKey string, evalCtx Context) bool {
	return e.Evaluate(ctx, flagKey, evalCtx).Bool()
}

// String evaluates a flag and returns its string value, or defaultVal when
// the flag is unknown.
func (e *Engine) String(ctx context.Context, flagKey string, evalCtx Context, defaultVal string) string {
	return e.Evaluate(ctx, flagKey, evalCtx, StringValue(defaultVal)).String()
}

// Number evaluates a flag and returns its numeric value, or defaultVal
// when the flag is unknown.
func (e *Engine) Number(ctx context.Context, flagKey string, evalCtx Context, defaultVal float64) float64 {
	return e.Evaluate(ctx, flagKey, evalCtx, NumberValue(defaultVal)).Number()
}

// JSON evaluates a flag and returns its raw JSON value, or an empty object
// when the flag is unknown.
func (e *Engine) JSON(ctx context.Context, flagKey string, evalCtx Context) []byte {
	return e.Evaluate(ctx, flagKey, evalCtx).JSON()
}

// Refresh forces an immediate reload of all flags from the store.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.cache.refresh(ctx)
}

// InvalidateFlag removes a flag from the cache. It is re-fetched on the
// next refresh.
func (e *Engine) InvalidateFlag(flagKey string) {
	e.cache.invalidate(flagKey)
}

// InvalidateAll clears the cache.
func (e *Engine) InvalidateAll() {
	e.cache.invalidateAll()
}

// CacheStats returns current cache statistics.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.stats()
}

// SetEnabled flips a flag on or off through the store and eagerly reloads
// the cache entry.
func (e *Engine) SetEnabled(ctx context.Context, flagKey string, enabled bool) error {
	return e.mutateFlag(ctx, flagKey, func(f *Flag) error {
		f.Enabled = enabled
		return nil
	})
}

// SetRolloutPercentage writes the flag's global rollout percentage. While
// a staged rollout is active the orchestrator is the only intended writer
// of this field; a manual write alongside it is logged as a misuse and
// proceeds last-write-wins.
func (e *Engine) SetRolloutPercentage(ctx context.Context, flagKey string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return &ConfigError{Field: "percentage", Message: "must be between 0 and 100"}
	}

	e.rolloutMu.Lock()
	if r, ok := e.rollouts[flagKey]; ok && r.state == RolloutActive {
		e.logger.Warn("manual percentage write while a staged rollout is active",
			"flag", flagKey, "percentage", percentage, "rollout_id", r.id)
	}
	e.rolloutMu.Unlock()

	return e.writeGlobalPercentage(ctx, flagKey, percentage)
}

// SetRuleRolloutPercentage dials a single targeting rule's exposure.
func (e *Engine) SetRuleRolloutPercentage(ctx context.Context, flagKey, ruleID string, percentage int) error {
	if percentage < 0 || percentage > 100 {
		return &ConfigError{Field: "percentage", Message: "must be between 0 and 100"}
	}
	return e.mutateFlag(ctx, flagKey, func(f *Flag) error {
		for i := range f.TargetingRules {
			if f.TargetingRules[i].ID == ruleID {
				p := percentage
				f.TargetingRules[i].RolloutPercentage = &p
				return nil
			}
		}
		return &ConfigurationError{FlagKey: flagKey, RuleID: ruleID, Detail: "rule not found"}
	})
}

func (e *Engine) writeGlobalPercentage(ctx context.Context, flagKey string, percentage int) error {
	return e.mutateFlag(ctx, flagKey, func(f *Flag) error {
		p := percentage
		f.GlobalRolloutPercentage = &p
		return nil
	})
}

// mutateFlag performs a read-modify-write against the store with a version
// bump, then eagerly reloads the cache entry, so writes become visible
// without waiting for the next refresh tick.
func (e *Engine) mutateFlag(ctx context.Context, flagKey string, mutate func(*Flag) error) error {
	flag, err := e.store.Get(ctx, flagKey)
	if err != nil {
		return err
	}

	if err := mutate(flag); err != nil {
		return err
	}
	flag.Version++
	flag.UpdatedAt = time.Now()

	if err := e.store.Put(ctx, flag); err != nil {
		return &StoreUnavailableError{Op: "put", Err: err}
	}

	if err := e.cache.reload(ctx, flagKey); err != nil {
		e.logger.Warn("cache reload after write failed, next refresh will converge",
			"flag", flagKey, "error", err)
	}
	return nil
}
