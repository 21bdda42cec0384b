package pennant

import "context"

// FlagStore is the persisted flag store collaborator. Flag authoring
// happens outside the engine; the engine reads snapshots and calls Put only
// to change Enabled or rollout percentages.
//
// Get returns an error wrapping ErrNotFound for unknown keys.
type FlagStore interface {
	Get(ctx context.Context, key string) (*Flag, error)
	List(ctx context.Context) ([]Flag, error)
	Put(ctx context.Context, flag *Flag) error
	Delete(ctx context.Context, key string) error
}

// MetricsSource supplies current metric values for rollout success
// criteria.
type MetricsSource interface {
	MetricValue(ctx context.Context, name string) (float64, error)
}

// Notifier receives rollout events: emergency disables and rollbacks.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any) error
}

// Notification event names passed to the Notifier.
const (
	EventRollback         = "rollout.rolled_back"
	EventEmergencyDisable = "flag.emergency_disabled"
)

// noopNotifier is used when no Notifier is configured.
type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, map[string]any) error { return nil }
