package pennant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	meterName  = "pennant"
	tracerName = "pennant"
)

// cachedFlag is one cache entry: an immutable flag snapshot plus the time
// it was loaded from the store.
type cachedFlag struct {
	flag      *Flag
	fetchedAt time.Time
}

// flagCache is the process-wide, TTL-bounded mirror of the flag store.
// Readers only ever see whole snapshots: entries are replaced atomically,
// never mutated in place. Refresh is serialized; concurrent triggers
// collapse into the one in flight.
type flagCache struct {
	store  FlagStore
	cfg    Config
	logger *slog.Logger

	data *ristretto.Cache

	// OpenTelemetry
	tracer         trace.Tracer
	meter          metric.Meter
	hits           metric.Int64Counter
	misses         metric.Int64Counter
	refreshSuccess metric.Int64Counter
	refreshFailure metric.Int64Counter
	refreshLatency metric.Float64Histogram
	cacheSize      metric.Int64ObservableGauge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// refreshMu serializes refreshes; TryLock collapses concurrent ones.
	refreshMu sync.Mutex

	mu               sync.RWMutex
	keys             map[string]struct{}
	lastRefresh      time.Time
	consecutiveFails int
	circuitOpen      bool
	circuitTimer     *time.Timer
}

// CacheStats is a snapshot of cache health and storage metrics.
type CacheStats struct {
	Flags            int       `json:"flags"`
	KeysAdded        uint64    `json:"keys_added"`
	KeysEvicted      uint64    `json:"keys_evicted"`
	HitRatio         float64   `json:"hit_ratio"`
	LastRefresh      time.Time `json:"last_refresh"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	CircuitOpen      bool      `json:"circuit_open"`
}

func newFlagCache(store FlagStore, cfg Config, logger *slog.Logger) (*flagCache, error) {
	data, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.CacheNumCounters,
		MaxCost:     cfg.CacheMaxCost,
		BufferItems: cfg.CacheBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &flagCache{
		store:  store,
		cfg:    cfg,
		logger: logger,
		data:   data,
		tracer: otel.Tracer(tracerName),
		meter:  otel.Meter(meterName),
		ctx:    ctx,
		cancel: cancel,
		keys:   make(map[string]struct{}),
	}

	if err := c.initMetrics(); err != nil {
		cancel()
		data.Close()
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return c, nil
}

// start performs the initial synchronous load and begins the background
// refresh loop.
func (c *flagCache) start() error {
	loadCtx, cancel := context.WithTimeout(c.ctx, c.cfg.InitialTimeout)
	defer cancel()

	if err := c.refresh(loadCtx); err != nil {
		return fmt.Errorf("initial flag load failed: %w", err)
	}

	c.wg.Add(1)
	go c.refreshLoop()
	return nil
}

// stop cancels the refresh loop and any pending circuit reset, then
// releases the cache.
func (c *flagCache) stop() {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	if c.circuitTimer != nil {
		c.circuitTimer.Stop()
		c.circuitTimer = nil
	}
	c.mu.Unlock()

	c.data.Close()
}

// get returns the cached snapshot for a key. Entries older than
// TTL+grace count as unknown: evaluation never blocks on the store.
func (c *flagCache) get(ctx context.Context, key string) (*Flag, bool) {
	value, found := c.data.Get(key)
	if !found {
		c.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", key)))
		return nil, false
	}

	entry := value.(cachedFlag)
	if time.Since(entry.fetchedAt) > c.cfg.CacheTTL+c.cfg.StalenessGrace {
		c.misses.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", key)))
		c.logger.Warn("cached flag expired beyond grace window, treating as unknown",
			"flag", key, "fetched_at", entry.fetchedAt)
		return nil, false
	}

	c.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("flag.key", key)))
	return entry.flag, true
}

// refreshLoop reloads flags on the configured interval.
func (c *flagCache) refreshLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, span := c.tracer.Start(c.ctx, "cache.refresh_tick")
			if err := c.refresh(ctx); err != nil {
				span.RecordError(err)
				c.logger.Warn("flag refresh failed, serving last good snapshot", "error", err)
			}
			span.End()
		}
	}
}

// refresh replaces the cache contents with the store's current flag set.
// Idempotent and safe to call concurrently with reads; a refresh already
// in flight absorbs concurrent triggers.
func (c *flagCache) refresh(ctx context.Context) error {
	if !c.refreshMu.TryLock() {
		return nil
	}
	defer c.refreshMu.Unlock()

	ctx, span := c.tracer.Start(ctx, "cache.refresh")
	defer span.End()

	start := time.Now()
	defer func() {
		c.refreshLatency.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	c.mu.RLock()
	open := c.circuitOpen
	c.mu.RUnlock()
	if open {
		span.SetAttributes(attribute.Bool("circuit_breaker.open", true))
		return &CircuitOpenError{Message: "refresh suppressed"}
	}

	flags, err := c.store.List(ctx)
	if err != nil {
		c.refreshFailure.Add(ctx, 1)
		c.handleRefreshError(err)
		if !errors.Is(err, context.Canceled) {
			err = &StoreUnavailableError{Op: "list", Err: err}
		}
		span.RecordError(err)
		return err
	}

	now := time.Now()
	fresh := make(map[string]struct{}, len(flags))
	for i := range flags {
		flag := flags[i].Clone()
		c.data.Set(flag.Key, cachedFlag{flag: flag, fetchedAt: now}, 1)
		fresh[flag.Key] = struct{}{}
	}
	c.data.Wait()

	c.mu.Lock()
	for key := range c.keys {
		if _, ok := fresh[key]; !ok {
			c.data.Del(key)
		}
	}
	c.keys = fresh
	c.lastRefresh = now
	c.consecutiveFails = 0
	c.circuitOpen = false
	c.mu.Unlock()

	c.refreshSuccess.Add(ctx, 1)
	span.SetAttributes(attribute.Int("flags.count", len(flags)))
	return nil
}

// reload fetches a single flag from the store and replaces its entry.
// Used after writes and webhook notifications for eager consistency.
func (c *flagCache) reload(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "cache.reload",
		trace.WithAttributes(attribute.String("flag.key", key)))
	defer span.End()

	flag, err := c.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.invalidate(key)
			return nil
		}
		span.RecordError(err)
		return &StoreUnavailableError{Op: "get", Err: err}
	}

	c.data.Set(key, cachedFlag{flag: flag.Clone(), fetchedAt: time.Now()}, 1)
	c.data.Wait()

	c.mu.Lock()
	c.keys[key] = struct{}{}
	c.mu.Unlock()
	return nil
}

// invalidate drops a single flag from the cache.
func (c *flagCache) invalidate(key string) {
	c.data.Del(key)
	c.mu.Lock()
	delete(c.keys, key)
	c.mu.Unlock()
}

// invalidateAll clears the cache.
func (c *flagCache) invalidateAll() {
	c.data.Clear()
	c.mu.Lock()
	c.keys = make(map[string]struct{})
	c.mu.Unlock()
}

// stats returns current cache statistics.
func (c *flagCache) stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.data.Metrics
	return CacheStats{
		Flags:            len(c.keys),
		KeysAdded:        m.KeysAdded(),
		KeysEvicted:      m.KeysEvicted(),
		HitRatio:         m.Ratio(),
		LastRefresh:      c.lastRefresh,
		ConsecutiveFails: c.consecutiveFails,
		CircuitOpen:      c.circuitOpen,
	}
}

// handleRefreshError counts consecutive failures and opens the circuit
// breaker past the threshold.
func (c *flagCache) handleRefreshError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFails++
	if c.consecutiveFails >= c.cfg.CircuitThreshold && !c.circuitOpen {
		c.circuitOpen = true
		c.logger.Warn("refresh circuit breaker opened",
			"consecutive_fails", c.consecutiveFails, "error", err)
		c.circuitTimer = time.AfterFunc(c.cfg.CircuitTimeout, func() {
			c.mu.Lock()
			c.circuitOpen = false
			c.circuitTimer = nil
			c.mu.Unlock()
		})
	}
}

func (c *flagCache) initMetrics() error {
	var err error

	c.hits, err = c.meter.Int64Counter("pennant.cache.hits")
	if err != nil {
		return err
	}

	c.misses, err = c.meter.Int64Counter("pennant.cache.misses")
	if err != nil {
		return err
	}

	c.refreshSuccess, err = c.meter.Int64Counter("pennant.refresh.success")
	if err != nil {
		return err
	}

	c.refreshFailure, err = c.meter.Int64Counter("pennant.refresh.failure")
	if err != nil {
		return err
	}

	c.refreshLatency, err = c.meter.Float64Histogram("pennant.refresh.duration")
	if err != nil {
		return err
	}

	c.cacheSize, err = c.meter.Int64ObservableGauge("pennant.cache.size",
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			c.mu.RLock()
			n := len(c.keys)
			c.mu.RUnlock()
			observer.Observe(int64(n))
			return nil
		}),
	)
	return err
}
