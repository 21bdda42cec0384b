package pennant

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCheckoutScenario walks the canonical targeting setup: a boolean flag
// that is off by default, on for the beta segment, and gated to 0% of the
// general population.
func TestCheckoutScenario(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	zero := 0
	require.NoError(t, store.Put(ctx, &Flag{
		Key:          "new-checkout",
		ValueType:    BooleanFlag,
		Enabled:      true,
		DefaultValue: BoolValue(false),
		TargetingRules: []TargetingRule{
			{
				ID:         "beta-testers",
				Conditions: []Condition{{Attribute: "segment", Operator: OpEquals, Value: "beta"}},
				Value:      BoolValue(true),
			},
		},
		GlobalRolloutPercentage: &zero,
		Version:                 1,
		UpdatedAt:               time.Now(),
	}))

	engine := newTestEngine(t, store)

	beta := NewContext("u1").WithAttribute("segment", "beta")
	assert.True(t, engine.Bool(ctx, "new-checkout", beta))

	general := NewContext("u2").WithAttribute("segment", "general")
	assert.False(t, engine.Bool(ctx, "new-checkout", general))
}

// TestStagedRolloutGrowsCohortMonotonically drives a full manual rollout
// and checks that each advance only ever adds subjects to the cohort.
func TestStagedRolloutGrowsCohortMonotonically(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, boolFlag("search-v2", true, true)))

	engine := newTestEngine(t, store)

	const population = 2000
	admittedAt := func() map[string]bool {
		admitted := make(map[string]bool)
		for i := 0; i < population; i++ {
			subject := fmt.Sprintf("user-%d", i)
			if engine.Bool(ctx, "search-v2", NewContext(subject)) {
				admitted[subject] = true
			}
		}
		return admitted
	}

	_, err := engine.StartRollout(ctx, "search-v2", StagesFrom(ConservativeStages))
	require.NoError(t, err)

	previous := admittedAt()
	previousCount := len(previous)
	assert.Less(t, previousCount, population/10)

	for {
		status, err := engine.AdvanceStage(ctx, "search-v2")
		require.NoError(t, err)

		current := admittedAt()
		for subject := range previous {
			assert.True(t, current[subject], "subject %s dropped out on advance", subject)
		}
		assert.GreaterOrEqual(t, len(current), previousCount)
		previous, previousCount = current, len(current)

		if status.State == RolloutComplete {
			break
		}
	}
	assert.Equal(t, population, previousCount)
}

// TestRolloutIncidentFlow exercises the operator path: automatic rollout,
// metric regression, halt, rollback, fix, resume to completion.
func TestRolloutIncidentFlow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, boolFlag("payments-v3", true, true)))

	metrics := &fakeMetrics{values: map[string]float64{"payment_error_rate": 0.002}}
	notifier := &fakeNotifier{}
	engine := newTestEngine(t, store,
		WithMetricsSource(metrics),
		WithNotifier(notifier),
	)

	criteria := &SuccessCriteria{Metric: "payment_error_rate", Threshold: 0.01, Operator: CriteriaLessThan}
	stages := []RolloutStage{
		{Percentage: 5, DurationHours: hours(20 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 25, DurationHours: hours(300 * time.Millisecond), SuccessCriteria: criteria},
		{Percentage: 100},
	}

	_, err := engine.StartRollout(ctx, "payments-v3", stages, WithAutoAdvance())
	require.NoError(t, err)

	// First stage is healthy and advances; then the error rate spikes.
	require.Eventually(t, func() bool {
		status, _ := engine.Rollout("payments-v3")
		return status.StageIndex == 1
	}, 2*time.Second, 5*time.Millisecond)

	metrics.mu.Lock()
	metrics.values["payment_error_rate"] = 0.08
	metrics.mu.Unlock()

	require.Eventually(t, func() bool {
		status, _ := engine.Rollout("payments-v3")
		return status.State == RolloutRolledBack
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, notifier.received(), EventRollback)

	// The operator pulls exposure back a stage while investigating.
	status, err := engine.Rollback(ctx, "payments-v3")
	require.NoError(t, err)
	assert.Equal(t, 5, status.LastWritten)

	// Fix ships, metric recovers, rollout resumes and completes.
	metrics.mu.Lock()
	metrics.values["payment_error_rate"] = 0.001
	metrics.mu.Unlock()

	_, err = engine.Resume(ctx, "payments-v3")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _ := engine.Rollout("payments-v3")
		return status.State == RolloutComplete
	}, 2*time.Second, 5*time.Millisecond)

	flag, err := store.Get(ctx, "payments-v3")
	require.NoError(t, err)
	assert.Equal(t, 100, *flag.GlobalRolloutPercentage)
}

// TestEvaluationSurvivesStoreOutage checks the availability contract: a
// store outage after a successful load degrades nothing within the grace
// window.
func TestEvaluationSurvivesStoreOutage(t *testing.T) {
	store := newFakeStore(boolFlag("feature", true, true))
	engine := newTestEngine(t, store)
	ctx := context.Background()

	require.True(t, engine.Bool(ctx, "feature", NewContext("user-1")))

	store.setListErr(fmt.Errorf("connection refused"))
	require.Error(t, engine.Refresh(ctx))

	for i := 0; i < 100; i++ {
		assert.True(t, engine.Bool(ctx, "feature", NewContext("user-1")))
	}
}
