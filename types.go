package pennant

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ValueType identifies the type of value a flag yields.
type ValueType string

const (
	BooleanFlag ValueType = "boolean"
	StringFlag  ValueType = "string"
	NumberFlag  ValueType = "number"
	JSONFlag    ValueType = "json"
)

// Value is a typed flag value. Exactly one of the payload fields is
// meaningful, selected by Type. A zero Value has no type and reads as the
// neutral off value through every accessor.
type Value struct {
	Type ValueType
	b    bool
	s    string
	n    float64
	j    json.RawMessage
}

// BoolValue returns a boolean Value.
func BoolValue(v bool) Value { return Value{Type: BooleanFlag, b: v} }

// StringValue returns a string Value.
func StringValue(v string) Value { return Value{Type: StringFlag, s: v} }

// NumberValue returns a numeric Value.
func NumberValue(v float64) Value { return Value{Type: NumberFlag, n: v} }

// JSONValue returns a JSON Value holding the given raw document.
func JSONValue(raw json.RawMessage) Value { return Value{Type: JSONFlag, j: raw} }

// Bool returns the boolean payload, or false for any other type.
func (v Value) Bool() bool { return v.Type == BooleanFlag && v.b }

// String returns the string payload, or "" for any other type.
func (v Value) String() string {
	if v.Type == StringFlag {
		return v.s
	}
	return ""
}

// Number returns the numeric payload, or 0 for any other type.
func (v Value) Number() float64 {
	if v.Type == NumberFlag {
		return v.n
	}
	return 0
}

// JSON returns the raw JSON payload, or an empty object for any other type.
func (v Value) JSON() json.RawMessage {
	if v.Type == JSONFlag && v.j != nil {
		return v.j
	}
	return json.RawMessage(`{}`)
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case BooleanFlag:
		return v.b == other.b
	case StringFlag:
		return v.s == other.s
	case NumberFlag:
		return v.n == other.n
	case JSONFlag:
		return string(v.JSON()) == string(other.JSON())
	}
	return true
}

// MarshalJSON encodes the payload as a plain JSON value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Type {
	case BooleanFlag:
		return json.Marshal(v.b)
	case StringFlag:
		return json.Marshal(v.s)
	case NumberFlag:
		return json.Marshal(v.n)
	case JSONFlag:
		return v.JSON(), nil
	}
	return []byte("null"), nil
}

// decodeValue interprets a raw JSON document as a Value of the given type.
// Type mismatches are rejected at this boundary rather than coerced.
func decodeValue(raw json.RawMessage, t ValueType) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return offValue(t), nil
	}
	switch t {
	case BooleanFlag:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Value{}, fmt.Errorf("expected boolean value: %w", err)
		}
		return BoolValue(b), nil
	case StringFlag:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Value{}, fmt.Errorf("expected string value: %w", err)
		}
		return StringValue(s), nil
	case NumberFlag:
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return Value{}, fmt.Errorf("expected numeric value: %w", err)
		}
		return NumberValue(n), nil
	case JSONFlag:
		return JSONValue(append(json.RawMessage(nil), raw...)), nil
	}
	return Value{}, fmt.Errorf("unknown value type %q", t)
}

// offValue returns the type-appropriate "off" value: false, "", 0 or {}.
func offValue(t ValueType) Value {
	switch t {
	case BooleanFlag:
		return BoolValue(false)
	case StringFlag:
		return StringValue("")
	case NumberFlag:
		return NumberValue(0)
	case JSONFlag:
		return JSONValue(json.RawMessage(`{}`))
	}
	return Value{}
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpMatches     Operator = "matches"
)

// Condition is a single attribute comparison. Attribute supports dotted
// paths into the evaluation context (e.g. "device.type"). ValueEnd turns
// the numeric operators into an inclusive range check.
type Condition struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
	ValueEnd  any      `json:"value_end,omitempty"`
}

// TargetingRule is an ordered override: when every condition matches (an
// empty condition list always matches) and the optional rollout gate admits
// the subject, the rule's value is returned and no later rule applies.
type TargetingRule struct {
	ID                string      `json:"id"`
	Name              string      `json:"name,omitempty"`
	Conditions        []Condition `json:"conditions"`
	Value             Value       `json:"value"`
	RolloutPercentage *int        `json:"rollout_percentage,omitempty"`
}

// Flag is a named, typed toggle with optional targeting rules and an
// optional global rollout percentage. Version and UpdatedAt advance
// monotonically on every write and drive cache staleness detection.
type Flag struct {
	Key                     string          `json:"key"`
	ValueType               ValueType       `json:"value_type"`
	Enabled                 bool            `json:"enabled"`
	DefaultValue            Value           `json:"default_value"`
	GlobalRolloutPercentage *int            `json:"global_rollout_percentage,omitempty"`
	TargetingRules          []TargetingRule `json:"targeting_rules,omitempty"`
	Version                 int64           `json:"version"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// flagWire mirrors Flag with raw JSON values, so typed values can be
// decoded against the declared value type.
type flagWire struct {
	Key                     string          `json:"key"`
	ValueType               ValueType       `json:"value_type"`
	Enabled                 bool            `json:"enabled"`
	DefaultValue            json.RawMessage `json:"default_value"`
	GlobalRolloutPercentage *int            `json:"global_rollout_percentage,omitempty"`
	TargetingRules          []ruleWire      `json:"targeting_rules,omitempty"`
	Version                 int64           `json:"version"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

type ruleWire struct {
	ID                string          `json:"id"`
	Name              string          `json:"name,omitempty"`
	Conditions        []Condition     `json:"conditions"`
	Value             json.RawMessage `json:"value"`
	RolloutPercentage *int            `json:"rollout_percentage,omitempty"`
}

// UnmarshalJSON decodes a flag record, checking typed values against the
// declared value type.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var w flagWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	def, err := decodeValue(w.DefaultValue, w.ValueType)
	if err != nil {
		return fmt.Errorf("flag %s: default value: %w", w.Key, err)
	}

	var rules []TargetingRule
	for _, rw := range w.TargetingRules {
		rv, err := decodeValue(rw.Value, w.ValueType)
		if err != nil {
			return fmt.Errorf("flag %s: rule %s: %w", w.Key, rw.ID, err)
		}
		rules = append(rules, TargetingRule{
			ID:                rw.ID,
			Name:              rw.Name,
			Conditions:        rw.Conditions,
			Value:             rv,
			RolloutPercentage: rw.RolloutPercentage,
		})
	}

	*f = Flag{
		Key:                     w.Key,
		ValueType:               w.ValueType,
		Enabled:                 w.Enabled,
		DefaultValue:            def,
		GlobalRolloutPercentage: w.GlobalRolloutPercentage,
		TargetingRules:          rules,
		Version:                 w.Version,
		UpdatedAt:               w.UpdatedAt,
	}
	return nil
}

// Clone returns a deep copy, so cached snapshots are never shared with
// store-owned records.
func (f *Flag) Clone() *Flag {
	cp := *f
	if f.GlobalRolloutPercentage != nil {
		p := *f.GlobalRolloutPercentage
		cp.GlobalRolloutPercentage = &p
	}
	if f.TargetingRules != nil {
		cp.TargetingRules = make([]TargetingRule, len(f.TargetingRules))
		for i, r := range f.TargetingRules {
			rc := r
			if r.RolloutPercentage != nil {
				p := *r.RolloutPercentage
				rc.RolloutPercentage = &p
			}
			if r.Conditions != nil {
				rc.Conditions = append([]Condition(nil), r.Conditions...)
			}
			cp.TargetingRules[i] = rc
		}
	}
	return &cp
}

// Context holds the per-call evaluation context. SubjectID is the stable
// identifier used for bucketing; callers without a user id should fall back
// to a session id rather than leaving it empty.
type Context struct {
	SubjectID  string
	Attributes map[string]any
}

// NewContext creates an evaluation context for the given subject.
func NewContext(subjectID string) Context {
	return Context{SubjectID: subjectID, Attributes: make(map[string]any)}
}

// WithAttribute adds an attribute to the context (fluent interface).
func (c Context) WithAttribute(key string, value any) Context {
	if c.Attributes == nil {
		c.Attributes = make(map[string]any)
	}
	c.Attributes[key] = value
	return c
}

// Attribute resolves a possibly dotted path against the attribute map.
// A literal key wins over path traversal; intermediate segments must be
// string-keyed maps.
func (c Context) Attribute(path string) (any, bool) {
	if c.Attributes == nil {
		return nil, false
	}
	if v, ok := c.Attributes[path]; ok {
		return v, true
	}
	var cur any = c.Attributes
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// CriteriaOperator compares a metric value against a threshold.
type CriteriaOperator string

const (
	CriteriaLessThan    CriteriaOperator = "less_than"
	CriteriaGreaterThan CriteriaOperator = "greater_than"
)

// SuccessCriteria gates automatic advancement of a rollout stage on a
// metric threshold.
type SuccessCriteria struct {
	Metric    string           `json:"metric"`
	Threshold float64          `json:"threshold"`
	Operator  CriteriaOperator `json:"operator"`
}

// met reports whether the observed metric value satisfies the criteria.
func (s SuccessCriteria) met(value float64) bool {
	switch s.Operator {
	case CriteriaLessThan:
		return value < s.Threshold
	case CriteriaGreaterThan:
		return value > s.Threshold
	}
	return false
}

// RolloutStage is one step of a staged rollout. DurationHours only matters
// for automatic advancement; zero means the stage never advances on its
// own.
type RolloutStage struct {
	Percentage      int              `json:"percentage"`
	DurationHours   float64          `json:"duration_hours,omitempty"`
	SuccessCriteria *SuccessCriteria `json:"success_criteria,omitempty"`
}

func (s RolloutStage) duration() time.Duration {
	return time.Duration(s.DurationHours * float64(time.Hour))
}

// RolloutState is the lifecycle state of a staged rollout.
type RolloutState string

const (
	RolloutNotStarted        RolloutState = "not_started"
	RolloutActive            RolloutState = "active"
	RolloutComplete          RolloutState = "complete"
	RolloutRolledBack        RolloutState = "rolled_back"
	RolloutEmergencyDisabled RolloutState = "emergency_disabled"
)

// RolloutStatus is a point-in-time snapshot of a staged rollout.
type RolloutStatus struct {
	ID          string         `json:"id"`
	FlagKey     string         `json:"flag_key"`
	Stages      []RolloutStage `json:"stages"`
	StageIndex  int            `json:"stage_index"`
	State       RolloutState   `json:"state"`
	AutoAdvance bool           `json:"auto_advance"`
	StartedAt   time.Time      `json:"started_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	LastWritten int            `json:"last_written_percentage"`
}

// Stage presets. Documented starting points, not enforced.
var (
	// ConservativeStages ramps slowly with room to observe each step.
	ConservativeStages = []int{1, 5, 10, 25, 50, 75, 100}

	// AggressiveStages is for low-risk changes.
	AggressiveStages = []int{10, 50, 100}
)

// StagesFrom builds plain stages from a percentage preset.
func StagesFrom(percentages []int) []RolloutStage {
	stages := make([]RolloutStage, len(percentages))
	for i, p := range percentages {
		stages[i] = RolloutStage{Percentage: p}
	}
	return stages
}
