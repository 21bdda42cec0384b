package pennant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var errNoMetricsSource = errors.New("no metrics source configured")

// rollout is the orchestrator's bookkeeping for one staged rollout. The
// flag's global rollout percentage in the store remains the single source
// of truth for evaluation; this state only drives progression.
//
// All fields are guarded by Engine.rolloutMu. gen increments on every
// transition, so a stale timer callback can detect it lost the race.
type rollout struct {
	id          string
	flagKey     string
	stages      []RolloutStage
	stageIndex  int
	state       RolloutState
	auto        bool
	gen         uint64
	lastWritten int
	startedAt   time.Time
	updatedAt   time.Time
	timer       *time.Timer
}

func (r *rollout) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *rollout) status() RolloutStatus {
	stages := append([]RolloutStage(nil), r.stages...)
	return RolloutStatus{
		ID:          r.id,
		FlagKey:     r.flagKey,
		Stages:      stages,
		StageIndex:  r.stageIndex,
		State:       r.state,
		AutoAdvance: r.auto,
		StartedAt:   r.startedAt,
		UpdatedAt:   r.updatedAt,
		LastWritten: r.lastWritten,
	}
}

// RolloutOption configures a staged rollout at start time.
type RolloutOption func(*rollout)

// WithAutoAdvance opts the rollout into timer-driven progression. Stages
// with a positive duration advance automatically once their success
// criteria (if any) pass. The default is manual advancement only, so a
// broken feature is never silently exposed to everyone.
func WithAutoAdvance() RolloutOption {
	return func(r *rollout) { r.auto = true }
}

// StartRollout begins a staged rollout for a flag and writes the first
// stage's percentage. A flag can have at most one rollout that is not
// finished; starting over a completed or rolled back one replaces it.
func (e *Engine) StartRollout(ctx context.Context, flagKey string, stages []RolloutStage, opts ...RolloutOption) (RolloutStatus, error) {
	if len(stages) == 0 {
		return RolloutStatus{}, &ConfigError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, stage := range stages {
		if stage.Percentage < 0 || stage.Percentage > 100 {
			return RolloutStatus{}, &ConfigError{
				Field:   "stages",
				Message: "stage percentages must be between 0 and 100",
			}
		}
		if i > 0 && stage.Percentage < stages[i-1].Percentage {
			e.logger.Warn("rollout stages are not monotonically increasing",
				"flag", flagKey, "stage", i)
		}
	}

	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	if existing, ok := e.rollouts[flagKey]; ok && existing.state == RolloutActive {
		return RolloutStatus{}, &RolloutStateError{
			FlagKey: flagKey,
			State:   existing.state,
			Reason:  "a rollout is already active",
		}
	}

	now := time.Now()
	r := &rollout{
		id:        uuid.NewString(),
		flagKey:   flagKey,
		stages:    append([]RolloutStage(nil), stages...),
		state:     RolloutActive,
		startedAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := e.writeGlobalPercentage(ctx, flagKey, stages[0].Percentage); err != nil {
		return RolloutStatus{}, err
	}
	r.lastWritten = stages[0].Percentage

	if len(stages) == 1 {
		r.state = RolloutComplete
	}

	e.rollouts[flagKey] = r
	e.recordTransition(ctx, r, "started")
	e.scheduleLocked(r)
	return r.status(), nil
}

// AdvanceStage moves an active rollout one stage forward and writes the
// new percentage. Manual advancement skips success criteria: the operator
// is the judge. Advancing past the last stage is an error.
func (e *Engine) AdvanceStage(ctx context.Context, flagKey string) (RolloutStatus, error) {
	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	r, ok := e.rollouts[flagKey]
	if !ok {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: RolloutNotStarted, Reason: "no rollout exists"}
	}
	if r.state != RolloutActive {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: r.state, Reason: "only active rollouts can advance"}
	}
	if r.stageIndex >= len(r.stages)-1 {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: r.state, Reason: "already at the final stage"}
	}

	if err := e.advance(ctx, r); err != nil {
		return RolloutStatus{}, err
	}
	return r.status(), nil
}

// Rollback steps an unfinished rollout back: the percentage returns to the
// previous stage's value (0 when already at the first stage) and
// automatic progression halts until Resume.
func (e *Engine) Rollback(ctx context.Context, flagKey string) (RolloutStatus, error) {
	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	r, ok := e.rollouts[flagKey]
	if !ok {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: RolloutNotStarted, Reason: "no rollout exists"}
	}
	if r.state == RolloutEmergencyDisabled {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: r.state, Reason: "flag is emergency disabled"}
	}

	previous := 0
	if r.stageIndex > 0 {
		previous = r.stages[r.stageIndex-1].Percentage
	}

	// The index only moves once the store write has succeeded; a failed
	// rollback can be retried and still steps back exactly one stage.
	if err := e.writeGlobalPercentage(ctx, flagKey, previous); err != nil {
		return RolloutStatus{}, err
	}
	if r.stageIndex > 0 {
		r.stageIndex--
	}
	r.lastWritten = previous
	e.transition(ctx, r, RolloutRolledBack, "operator rollback")
	e.notify(ctx, EventRollback, map[string]any{
		"flag_key":   flagKey,
		"rollout_id": r.id,
		"percentage": previous,
		"reason":     "operator rollback",
	})
	return r.status(), nil
}

// Resume re-activates a rolled back rollout at its current stage and, for
// automatic rollouts, restarts the stage timer.
func (e *Engine) Resume(ctx context.Context, flagKey string) (RolloutStatus, error) {
	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	r, ok := e.rollouts[flagKey]
	if !ok {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: RolloutNotStarted, Reason: "no rollout exists"}
	}
	if r.state != RolloutRolledBack {
		return RolloutStatus{}, &RolloutStateError{FlagKey: flagKey, State: r.state, Reason: "only rolled back rollouts can resume"}
	}

	e.transition(ctx, r, RolloutActive, "operator resume")
	e.scheduleLocked(r)
	return r.status(), nil
}

// EmergencyDisable turns the flag off unconditionally, bypassing the stage
// list. It is available in every state, idempotent, and intended for
// incident response: evaluation falls back to the flag's default value
// immediately.
func (e *Engine) EmergencyDisable(ctx context.Context, flagKey, reason string) error {
	if err := e.SetEnabled(ctx, flagKey, false); err != nil {
		return err
	}

	e.rolloutMu.Lock()
	if r, ok := e.rollouts[flagKey]; ok && r.state != RolloutEmergencyDisabled {
		e.transition(ctx, r, RolloutEmergencyDisabled, reason)
	}
	e.rolloutMu.Unlock()

	e.notify(ctx, EventEmergencyDisable, map[string]any{
		"flag_key": flagKey,
		"reason":   reason,
	})
	e.logger.Warn("flag emergency disabled", "flag", flagKey, "reason", reason)
	return nil
}

// Rollout returns the current status of a flag's staged rollout.
func (e *Engine) Rollout(flagKey string) (RolloutStatus, bool) {
	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	r, ok := e.rollouts[flagKey]
	if !ok {
		return RolloutStatus{}, false
	}
	return r.status(), true
}

// advance moves to the next stage and writes its percentage. Caller holds
// rolloutMu and has verified a next stage exists. The store round-trips
// run without the lock so a slow store cannot stall other rollout
// operations; the rollout is re-verified before the state commits.
func (e *Engine) advance(ctx context.Context, r *rollout) error {
	next := r.stageIndex + 1
	pct := r.stages[next].Percentage
	key := r.flagKey
	gen := r.gen
	expected := r.lastWritten

	e.rolloutMu.Unlock()
	e.warnOnDivergence(ctx, key, expected)
	err := e.writeGlobalPercentage(ctx, key, pct)
	e.rolloutMu.Lock()

	if err != nil {
		return err
	}
	if r.gen != gen || r.state != RolloutActive {
		// Another operation transitioned the rollout while the write was
		// in flight; its outcome stands.
		return nil
	}
	r.stageIndex = next
	r.lastWritten = pct

	if next == len(r.stages)-1 {
		e.transition(ctx, r, RolloutComplete, "final stage reached")
		return nil
	}
	e.transition(ctx, r, RolloutActive, "advanced")
	e.scheduleLocked(r)
	return nil
}

// scheduleLocked arms the auto-advance timer for the current stage. Caller
// holds rolloutMu. Manual rollouts and stages without a duration are never
// scheduled.
func (e *Engine) scheduleLocked(r *rollout) {
	r.stopTimer()
	if !r.auto || r.state != RolloutActive || r.stageIndex >= len(r.stages)-1 {
		return
	}
	d := r.stages[r.stageIndex].duration()
	if d <= 0 {
		return
	}

	id, gen := r.id, r.gen
	r.timer = time.AfterFunc(d, func() {
		e.autoAdvance(r.flagKey, id, gen)
	})
}

// autoAdvance is the timer callback: it re-checks the rollout is still in
// the state it was scheduled for, evaluates the current stage's success
// criteria, and either advances or rolls back.
func (e *Engine) autoAdvance(flagKey, rolloutID string, gen uint64) {
	ctx, span := e.tracer.Start(context.Background(), "rollout.auto_advance",
		trace.WithAttributes(attribute.String("flag.key", flagKey)))
	defer span.End()

	e.rolloutMu.Lock()
	r, ok := e.rollouts[flagKey]
	if !ok || r.id != rolloutID || r.gen != gen || r.state != RolloutActive {
		e.rolloutMu.Unlock()
		return
	}
	stage := r.stages[r.stageIndex]
	e.rolloutMu.Unlock()

	// Criteria evaluation does network I/O; do it without the lock.
	var criteriaErr error
	if stage.SuccessCriteria != nil {
		criteriaErr = e.checkCriteria(ctx, *stage.SuccessCriteria)
	}

	e.rolloutMu.Lock()
	defer e.rolloutMu.Unlock()

	// The world may have moved while we were fetching metrics.
	if r.gen != gen || r.state != RolloutActive {
		return
	}

	if criteriaErr != nil {
		// Refusing the advance leaves the percentage at the current
		// stage's value; the rollout halts until an operator resumes.
		e.transition(ctx, r, RolloutRolledBack, "success criteria failed")
		e.logger.Warn("automatic advance refused, rollout halted",
			"flag", flagKey, "stage", r.stageIndex, "error", criteriaErr)
		e.notify(ctx, EventRollback, map[string]any{
			"flag_key":   flagKey,
			"rollout_id": r.id,
			"percentage": r.lastWritten,
			"reason":     criteriaErr.Error(),
		})
		return
	}

	if err := e.advance(ctx, r); err != nil {
		e.logger.Warn("automatic advance failed to write percentage, retrying next interval",
			"flag", flagKey, "error", err)
		// Re-arm the timer so a transient store outage does not strand
		// the rollout.
		r.gen++
		e.scheduleLocked(r)
	}
}

// checkCriteria fetches the metric with a bounded timeout and compares it
// against the threshold. Timeouts and fetch errors count as failure,
// never as success.
func (e *Engine) checkCriteria(ctx context.Context, criteria SuccessCriteria) error {
	if e.metricsSource == nil {
		return &MetricsUnavailableError{Metric: criteria.Metric, Err: errNoMetricsSource}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.MetricsTimeout)
	defer cancel()

	value, err := e.metricsSource.MetricValue(ctx, criteria.Metric)
	if err != nil {
		return &MetricsUnavailableError{Metric: criteria.Metric, Err: err}
	}
	if !criteria.met(value) {
		return fmt.Errorf("criteria not met: %s=%v, want %s %v",
			criteria.Metric, value, criteria.Operator, criteria.Threshold)
	}
	return nil
}

// warnOnDivergence compares the stored percentage against the last value
// the orchestrator wrote. A mismatch means another writer touched the
// field mid-rollout; that is logged, not arbitrated.
func (e *Engine) warnOnDivergence(ctx context.Context, flagKey string, lastWritten int) {
	flag, err := e.store.Get(ctx, flagKey)
	if err != nil {
		return
	}
	if flag.GlobalRolloutPercentage == nil || *flag.GlobalRolloutPercentage != lastWritten {
		current := -1
		if flag.GlobalRolloutPercentage != nil {
			current = *flag.GlobalRolloutPercentage
		}
		e.logger.Warn("rollout percentage diverged from orchestrator state; proceeding last-write-wins",
			"flag", flagKey, "expected", lastWritten, "stored", current)
	}
}

// transition applies a state change, bumps the generation (cancelling any
// stale timer callback) and records it.
func (e *Engine) transition(ctx context.Context, r *rollout, state RolloutState, reason string) {
	r.stopTimer()
	r.gen++
	r.state = state
	r.updatedAt = time.Now()
	e.recordTransition(ctx, r, reason)
}

func (e *Engine) recordTransition(ctx context.Context, r *rollout, reason string) {
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("flag.key", r.flagKey),
		attribute.String("rollout.state", string(r.state)),
		attribute.String("reason", reason),
	))
	e.logger.Info("rollout transition",
		"flag", r.flagKey,
		"rollout_id", r.id,
		"state", string(r.state),
		"stage", r.stageIndex,
		"percentage", r.lastWritten,
		"reason", reason,
	)
}

// notify delivers a rollout event, logging delivery failures. Paging the
// operator is best effort; the state change itself has already happened.
func (e *Engine) notify(ctx context.Context, event string, payload map[string]any) {
	if err := e.notifier.Notify(ctx, event, payload); err != nil {
		e.logger.Warn("notification delivery failed", "event", event, "error", err)
	}
}
