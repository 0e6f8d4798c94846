package models

import (
	"strings"
	"time"
)

// Phase is the auto-learning controller state.
type Phase string

const (
	PhaseStable        Phase = "STABLE"
	PhaseExperimenting Phase = "EXPERIMENTING"
	// PhaseRollingBack is transient and never persisted.
	PhaseRollingBack Phase = "ROLLING-BACK"
)

// Default auto-learning settings.
const (
	DefaultMaxChangesPerWeek = 2
	DefaultRollbackThreshold = 0.02
	DefaultRollbackWindow    = 20
)

// ReasonRollback and ReasonOperator tag learning events not produced by a policy.
const (
	ReasonRollback = "rollback"
	ReasonOperator = "operator"
)

// ParameterSet maps a content-strategy parameter name to its value.
type ParameterSet map[string]string

// Clone returns an independent copy. A nil set clones to an empty one.
func (p ParameterSet) Clone() ParameterSet {
	out := make(ParameterSet, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Equal reports whether both sets hold the same keys and values.
func (p ParameterSet) Equal(o ParameterSet) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		if ov, ok := o[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// AutoLearningConfig bounds what the controller may do for a project.
type AutoLearningConfig struct {
	ProjectID           string    `json:"project_id" yaml:"project_id"`
	MaxChangesPerWeek   int       `json:"max_changes_per_week" yaml:"max_changes_per_week"`
	RollbackThreshold   float64   `json:"rollback_threshold" yaml:"rollback_threshold"`
	RollbackWindow      int       `json:"rollback_window" yaml:"rollback_window"`
	ProtectedParameters []string  `json:"protected_parameters" yaml:"protected_parameters"`
	UpdatedAt           time.Time `json:"updated_at" yaml:"-"`
}

// DefaultAutoLearningConfig returns the settings used before an operator
// configures a project.
func DefaultAutoLearningConfig(projectID string) AutoLearningConfig {
	return AutoLearningConfig{
		ProjectID:           projectID,
		MaxChangesPerWeek:   DefaultMaxChangesPerWeek,
		RollbackThreshold:   DefaultRollbackThreshold,
		RollbackWindow:      DefaultRollbackWindow,
		ProtectedParameters: []string{},
	}
}

// IsProtected reports whether name is a protected parameter. Matching is
// case-insensitive.
func (c AutoLearningConfig) IsProtected(name string) bool {
	for _, p := range c.ProtectedParameters {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

// AutoLearningState is the persisted controller state for a project.
type AutoLearningState struct {
	ProjectID        string       `json:"project_id"`
	Phase            Phase        `json:"phase"`
	Parameters       ParameterSet `json:"parameters"`
	StableParameters ParameterSet `json:"stable_parameters"`
	WindowStartedAt  *time.Time   `json:"window_started_at"`
	ChangesInWindow  int          `json:"changes_in_window"`
	LastChangeAt     *time.Time   `json:"last_change_at"`
	LastRollbackAt   *time.Time   `json:"last_rollback_at"`
	BaselineScore    *float64     `json:"baseline_score"`
	// ExperimentWindow is the rollback window captured when the current
	// experiment started.
	ExperimentWindow int       `json:"experiment_window"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewAutoLearningState returns the initial STABLE state with empty sets.
func NewAutoLearningState(projectID string) AutoLearningState {
	return AutoLearningState{
		ProjectID:        projectID,
		Phase:            PhaseStable,
		Parameters:       ParameterSet{},
		StableParameters: ParameterSet{},
	}
}

// Clone returns a deep copy of the state.
func (s AutoLearningState) Clone() AutoLearningState {
	out := s
	out.Parameters = s.Parameters.Clone()
	out.StableParameters = s.StableParameters.Clone()
	out.WindowStartedAt = cloneTime(s.WindowStartedAt)
	out.LastChangeAt = cloneTime(s.LastChangeAt)
	out.LastRollbackAt = cloneTime(s.LastRollbackAt)
	if s.BaselineScore != nil {
		v := *s.BaselineScore
		out.BaselineScore = &v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// LearningEvent is one immutable audit entry describing a parameter change.
type LearningEvent struct {
	ID            int64     `json:"id"`
	ProjectID     string    `json:"project_id"`
	Parameter     string    `json:"parameter"`
	PreviousValue string    `json:"previous_value"`
	NewValue      string    `json:"new_value"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// LearningQueryOpts filters audit log listings.
type LearningQueryOpts struct {
	Parameter string
	Reason    string
	Since     time.Time
	Limit     int
}

// Proposal is one parameter change suggested by a recommendation policy.
type Proposal struct {
	Parameter string `json:"parameter"`
	NewValue  string `json:"new_value"`
	Reason    string `json:"reason"`
}

// RunResult summarizes one controller run.
type RunResult struct {
	ProjectID            string            `json:"project_id"`
	ResultingState       Phase             `json:"resulting_state"`
	AppliedChanges       map[string]string `json:"applied_changes"`
	RollbackApplied      bool              `json:"rollback_applied"`
	Promoted             bool              `json:"promoted"`
	InsufficientEvidence bool              `json:"insufficient_evidence"`
	Events               []LearningEvent   `json:"events"`
}
