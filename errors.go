package pennant

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a flag key does not exist.
var ErrNotFound = errors.New("flag not found")

// ConfigurationError indicates a malformed flag definition (unknown
// operator, invalid regex). It is logged and treated as a non-match during
// evaluation, never returned to evaluation callers.
type ConfigurationError struct {
	FlagKey string
	RuleID  string
	Detail  string
}

func (e *ConfigurationError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("configuration error in flag %s rule %s: %s", e.FlagKey, e.RuleID, e.Detail)
	}
	return fmt.Sprintf("configuration error in flag %s: %s", e.FlagKey, e.Detail)
}

// NotFoundError indicates an unknown flag key.
type NotFoundError struct {
	FlagKey string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("flag not found: %s", e.FlagKey)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// StoreUnavailableError indicates the external flag store could not be
// reached. The cache keeps serving the last good snapshot until the grace
// window expires.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("flag store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// MetricsUnavailableError indicates a success-criteria metric could not be
// fetched in time. Treated as criteria failure, never as success.
type MetricsUnavailableError struct {
	Metric string
	Err    error
}

func (e *MetricsUnavailableError) Error() string {
	return fmt.Sprintf("metric %s unavailable: %v", e.Metric, e.Err)
}

func (e *MetricsUnavailableError) Unwrap() error { return e.Err }

// RolloutStateError indicates a rollout operation was requested in a state
// that does not allow it.
type RolloutStateError struct {
	FlagKey string
	State   RolloutState
	Reason  string
}

func (e *RolloutStateError) Error() string {
	return fmt.Sprintf("rollout for flag %s in state %s: %s", e.FlagKey, e.State, e.Reason)
}

// CircuitOpenError indicates the refresh circuit breaker is open.
type CircuitOpenError struct {
	Message string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open: %s", e.Message)
}

// ConfigError indicates invalid engine configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}
