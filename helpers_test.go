package pennant

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is a FlagStore with injectable failures and call counting.
type fakeStore struct {
	mu        sync.Mutex
	flags     map[string]*Flag
	listErr   error
	getErr    error
	putErr    error
	listCalls int
	putCalls  int
}

func newFakeStore(flags ...*Flag) *fakeStore {
	s := &fakeStore{flags: make(map[string]*Flag)}
	for _, f := range flags {
		s.flags[f.Key] = f.Clone()
	}
	return s
}

func (s *fakeStore) Get(ctx context.Context, key string) (*Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	flag, ok := s.flags[key]
	if !ok {
		return nil, &NotFoundError{FlagKey: key}
	}
	return flag.Clone(), nil
}

func (s *fakeStore) List(ctx context.Context) ([]Flag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	flags := make([]Flag, 0, len(s.flags))
	for _, f := range s.flags {
		flags = append(flags, *f.Clone())
	}
	return flags, nil
}

func (s *fakeStore) Put(ctx context.Context, flag *Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.putErr != nil {
		return s.putErr
	}
	s.flags[flag.Key] = flag.Clone()
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flags, key)
	return nil
}

func (s *fakeStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *fakeStore) setPutErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

func (s *fakeStore) stored(key string) *Flag {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flags[key]; ok {
		return f.Clone()
	}
	return nil
}

// fakeMetrics is a MetricsSource returning canned values.
type fakeMetrics struct {
	mu     sync.Mutex
	values map[string]float64
	err    error
	delay  time.Duration
}

func (m *fakeMetrics) MetricValue(ctx context.Context, name string) (float64, error) {
	m.mu.Lock()
	err, delay := m.err, m.delay
	value := m.values[name]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// fakeNotifier records delivered events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) Notify(ctx context.Context, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) received() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

func pct(n int) *int { return &n }

func boolFlag(key string, enabled bool, def bool, rules ...TargetingRule) *Flag {
	return &Flag{
		Key:            key,
		ValueType:      BooleanFlag,
		Enabled:        enabled,
		DefaultValue:   BoolValue(def),
		TargetingRules: rules,
		Version:        1,
		UpdatedAt:      time.Now(),
	}
}

func segmentRule(id, segment string, value bool) TargetingRule {
	return TargetingRule{
		ID: id,
		Conditions: []Condition{
			{Attribute: "segment", Operator: OpEquals, Value: segment},
		},
		Value: BoolValue(value),
	}
}

// newTestEngine builds and starts an engine over the store with a config
// suitable for tests. Stop is registered as cleanup.
func newTestEngine(t *testing.T, store FlagStore, opts ...Option) *Engine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.RefreshInterval = time.Hour
	cfg.CacheTTL = 2 * time.Hour
	cfg.MetricsTimeout = time.Second

	engine, err := New(append([]Option{WithStore(store), WithConfig(cfg), WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Stop() })
	return engine
}
