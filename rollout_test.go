package pennant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hours(d time.Duration) float64 { return d.Hours() }

func storedPercentage(t *testing.T, store *fakeStore, key string) int {
	t.Helper()
	flag := store.stored(key)
	require.NotNil(t, flag)
	require.NotNil(t, flag.GlobalRolloutPercentage)
	return *flag.GlobalRolloutPercentage
}

func TestStartRolloutValidation(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))
	ctx := context.Background()

	var cfgErr *ConfigError
	_, err := engine.StartRollout(ctx, "f", nil)
	require.ErrorAs(t, err, &cfgErr)

	_, err = engine.StartRollout(ctx, "f", StagesFrom([]int{10, 120}))
	require.ErrorAs(t, err, &cfgErr)

	_, err = engine.StartRollout(ctx, "f", StagesFrom([]int{-1}))
	require.ErrorAs(t, err, &cfgErr)
}

func TestStartRolloutUnknownFlag(t *testing.T) {
	engine := newTestEngine(t, newFakeStore())
	_, err := engine.StartRollout(context.Background(), "missing", StagesFrom(AggressiveStages))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartRolloutWritesFirstStage(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)

	status, err := engine.StartRollout(context.Background(), "f", StagesFrom(ConservativeStages))
	require.NoError(t, err)

	assert.NotEmpty(t, status.ID)
	assert.Equal(t, RolloutActive, status.State)
	assert.Equal(t, 0, status.StageIndex)
	assert.Equal(t, 1, status.LastWritten)
	assert.False(t, status.AutoAdvance)
	assert.Equal(t, 1, storedPercentage(t, store, "f"))
}

func TestStartRolloutRejectsActiveDuplicate(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)

	_, err = engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	var stateErr *RolloutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, RolloutActive, stateErr.State)
}

func TestStartRolloutReplacesFinishedRollout(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))
	ctx := context.Background()

	first, err := engine.StartRollout(ctx, "f", StagesFrom([]int{100}))
	require.NoError(t, err)
	assert.Equal(t, RolloutComplete, first.State)

	second, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, RolloutActive, second.State)
}

func TestAdvanceStageManual(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)

	status, err := engine.AdvanceStage(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 1, status.StageIndex)
	assert.Equal(t, RolloutActive, status.State)
	assert.Equal(t, 50, storedPercentage(t, store, "f"))

	status, err = engine.AdvanceStage(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, RolloutComplete, status.State)
	assert.Equal(t, 100, storedPercentage(t, store, "f"))

	// Past the last stage there is nowhere to go.
	_, err = engine.AdvanceStage(ctx, "f")
	var stateErr *RolloutStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestAdvanceStageWithoutRollout(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))

	_, err := engine.AdvanceStage(context.Background(), "f")
	var stateErr *RolloutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, RolloutNotStarted, stateErr.State)
}

func TestRollbackStepsToPreviousStage(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	notifier := &fakeNotifier{}
	engine := newTestEngine(t, store, WithNotifier(notifier))
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(ConservativeStages))
	require.NoError(t, err)
	_, err = engine.AdvanceStage(ctx, "f") // 5%
	require.NoError(t, err)
	_, err = engine.AdvanceStage(ctx, "f") // 10%
	require.NoError(t, err)

	status, err := engine.Rollback(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, RolloutRolledBack, status.State)
	assert.Equal(t, 1, status.StageIndex)
	assert.Equal(t, 5, status.LastWritten)
	assert.Equal(t, 5, storedPercentage(t, store, "f"))
	assert.Contains(t, notifier.received(), EventRollback)
}

func TestRollbackRetryAfterStoreFailure(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(ConservativeStages))
	require.NoError(t, err)
	_, err = engine.AdvanceStage(ctx, "f") // 5%
	require.NoError(t, err)
	_, err = engine.AdvanceStage(ctx, "f") // 10%
	require.NoError(t, err)

	store.setPutErr(errors.New("store down"))
	_, err = engine.Rollback(ctx, "f")
	require.Error(t, err)

	// The failed write must not move the stage index; the rollout is
	// still active at stage 2 and a retry steps back exactly one stage.
	status, ok := engine.Rollout("f")
	require.True(t, ok)
	assert.Equal(t, RolloutActive, status.State)
	assert.Equal(t, 2, status.StageIndex)
	assert.Equal(t, 10, status.LastWritten)

	store.setPutErr(nil)
	status, err = engine.Rollback(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, RolloutRolledBack, status.State)
	assert.Equal(t, 1, status.StageIndex)
	assert.Equal(t, 5, status.LastWritten)
	assert.Equal(t, 5, storedPercentage(t, store, "f"))
}

func TestRollbackAtFirstStageGoesToZero(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(ConservativeStages))
	require.NoError(t, err)

	status, err := engine.Rollback(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, 0, status.StageIndex)
	assert.Equal(t, 0, status.LastWritten)
	assert.Equal(t, 0, storedPercentage(t, store, "f"))
}

func TestResume(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)
	_, err = engine.Rollback(ctx, "f")
	require.NoError(t, err)

	status, err := engine.Resume(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, RolloutActive, status.State)

	// Resuming an already active rollout is a state error.
	_, err = engine.Resume(ctx, "f")
	var stateErr *RolloutStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestAutoAdvanceWithoutCriteria(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)

	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(20 * time.Millisecond)},
		{Percentage: 50, DurationHours: hours(20 * time.Millisecond)},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutComplete
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100, storedPercentage(t, store, "f"))
}

func TestAutoAdvanceCriteriaPass(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	metrics := &fakeMetrics{values: map[string]float64{"error_rate": 0.002}}
	engine := newTestEngine(t, store, WithMetricsSource(metrics))

	criteria := &SuccessCriteria{Metric: "error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutComplete
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 100, storedPercentage(t, store, "f"))
}

func TestAutoAdvanceCriteriaFailureHaltsInPlace(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	metrics := &fakeMetrics{values: map[string]float64{"error_rate": 0.05}}
	notifier := &fakeNotifier{}
	engine := newTestEngine(t, store, WithMetricsSource(metrics), WithNotifier(notifier))

	criteria := &SuccessCriteria{Metric: "error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 1, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 5},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutRolledBack
	}, 2*time.Second, 10*time.Millisecond)

	// A refused advance leaves the exposure where it was; nobody new is
	// let in and nobody already in is flipped off.
	status, _ := engine.Rollout("f")
	assert.Equal(t, 0, status.StageIndex)
	assert.Equal(t, 1, status.LastWritten)
	assert.Equal(t, 1, storedPercentage(t, store, "f"))
	assert.Contains(t, notifier.received(), EventRollback)
}

func TestAutoAdvanceWithoutMetricsSourceHalts(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)

	criteria := &SuccessCriteria{Metric: "error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutRolledBack
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 10, storedPercentage(t, store, "f"))
}

func TestAutoAdvanceMetricsTimeoutHalts(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	metrics := &fakeMetrics{
		values: map[string]float64{"error_rate": 0.001},
		delay:  time.Second,
	}
	engine := newTestEngine(t, store,
		WithMetricsSource(metrics),
		WithMetricsTimeout(30*time.Millisecond),
	)

	criteria := &SuccessCriteria{Metric: "error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	// An unreachable metric can never prove the stage healthy.
	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutRolledBack
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResumeAfterCriteriaFailure(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	metrics := &fakeMetrics{values: map[string]float64{"error_rate": 0.05}}
	engine := newTestEngine(t, store, WithMetricsSource(metrics))

	criteria := &SuccessCriteria{Metric: "error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(context.Background(), "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutRolledBack
	}, 2*time.Second, 10*time.Millisecond)

	// The incident resolves, the metric recovers, the operator resumes.
	metrics.mu.Lock()
	metrics.values["error_rate"] = 0.001
	metrics.mu.Unlock()

	_, err = engine.Resume(context.Background(), "f")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := engine.Rollout("f")
		return ok && status.State == RolloutComplete
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 100, storedPercentage(t, store, "f"))
}

func TestRollbackCancelsPendingTimer(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	stages := []RolloutStage{
		{Percentage: 10, DurationHours: hours(50 * time.Millisecond)},
		{Percentage: 100},
	}
	_, err := engine.StartRollout(ctx, "f", stages, WithAutoAdvance())
	require.NoError(t, err)

	_, err = engine.Rollback(ctx, "f")
	require.NoError(t, err)

	// The scheduled advance must not fire after the rollback.
	time.Sleep(150 * time.Millisecond)
	status, ok := engine.Rollout("f")
	require.True(t, ok)
	assert.Equal(t, RolloutRolledBack, status.State)
	assert.Equal(t, 0, status.StageIndex)
	assert.Equal(t, 0, storedPercentage(t, store, "f"))
}

func TestEmergencyDisable(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	notifier := &fakeNotifier{}
	engine := newTestEngine(t, store, WithNotifier(notifier))
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)

	require.NoError(t, engine.EmergencyDisable(ctx, "f", "checkout errors spiking"))

	stored := store.stored("f")
	assert.False(t, stored.Enabled)

	status, ok := engine.Rollout("f")
	require.True(t, ok)
	assert.Equal(t, RolloutEmergencyDisabled, status.State)
	assert.Contains(t, notifier.received(), EventEmergencyDisable)

	// Idempotent: disabling again succeeds without a second transition.
	require.NoError(t, engine.EmergencyDisable(ctx, "f", "again"))
	status, _ = engine.Rollout("f")
	assert.Equal(t, RolloutEmergencyDisabled, status.State)

	// Disabled evaluation serves the default immediately.
	assert.True(t, engine.Bool(ctx, "f", NewContext("user-1")))
}

func TestEmergencyDisableWithoutRollout(t *testing.T) {
	store := newFakeStore(boolFlag("f", true, true))
	engine := newTestEngine(t, store)

	require.NoError(t, engine.EmergencyDisable(context.Background(), "f", "incident"))
	assert.False(t, store.stored("f").Enabled)

	_, ok := engine.Rollout("f")
	assert.False(t, ok)
}

func TestRollbackAfterEmergencyDisable(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)
	require.NoError(t, engine.EmergencyDisable(ctx, "f", "incident"))

	_, err = engine.Rollback(ctx, "f")
	var stateErr *RolloutStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, RolloutEmergencyDisabled, stateErr.State)
}

// gatedStore holds Put calls in flight once armed, so tests can observe
// what stays responsive while a store write is slow.
type gatedStore struct {
	*fakeStore
	gateMu  sync.Mutex
	gated   bool
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Put(ctx context.Context, flag *Flag) error {
	s.gateMu.Lock()
	gated := s.gated
	s.gateMu.Unlock()
	if gated {
		s.entered <- struct{}{}
		<-s.release
	}
	return s.fakeStore.Put(ctx, flag)
}

func (s *gatedStore) arm(gated bool) {
	s.gateMu.Lock()
	s.gated = gated
	s.gateMu.Unlock()
}

func TestAdvanceReleasesLockDuringStoreWrite(t *testing.T) {
	store := &gatedStore{
		fakeStore: newFakeStore(boolFlag("f", true, true)),
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	engine := newTestEngine(t, store)
	ctx := context.Background()

	_, err := engine.StartRollout(ctx, "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)

	store.arm(true)
	done := make(chan error, 1)
	go func() {
		_, err := engine.AdvanceStage(ctx, "f")
		done <- err
	}()
	<-store.entered

	// With the percentage write held open, status queries must answer
	// immediately rather than queue behind the slow store.
	statusCh := make(chan RolloutStatus, 1)
	go func() {
		status, _ := engine.Rollout("f")
		statusCh <- status
	}()
	select {
	case status := <-statusCh:
		assert.Equal(t, 0, status.StageIndex)
		assert.Equal(t, RolloutActive, status.State)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("rollout status blocked behind an in-flight store write")
	}

	store.arm(false)
	close(store.release)
	require.NoError(t, <-done)

	status, ok := engine.Rollout("f")
	require.True(t, ok)
	assert.Equal(t, 1, status.StageIndex)
	assert.Equal(t, 50, storedPercentage(t, store.fakeStore, "f"))
}

func TestRolloutStatusSnapshotIsolated(t *testing.T) {
	engine := newTestEngine(t, newFakeStore(boolFlag("f", true, true)))

	status, err := engine.StartRollout(context.Background(), "f", StagesFrom(AggressiveStages))
	require.NoError(t, err)

	// Mutating a returned snapshot must not corrupt orchestrator state.
	status.Stages[0].Percentage = 99

	fresh, ok := engine.Rollout("f")
	require.True(t, ok)
	assert.Equal(t, 10, fresh.Stages[0].Percentage)
}
