package models

import "time"

// ResourceType identifies a consumable pipeline resource.
type ResourceType string

const (
	ResourceToken        ResourceType = "token"
	ResourceVideoSeconds ResourceType = "video-seconds"
	ResourcePublication  ResourceType = "publication"
)

// ResourceTypes lists every resource type in report order.
var ResourceTypes = []ResourceType{ResourceToken, ResourceVideoSeconds, ResourcePublication}

// Valid reports whether r is a known resource type.
func (r ResourceType) Valid() bool {
	switch r {
	case ResourceToken, ResourceVideoSeconds, ResourcePublication:
		return true
	}
	return false
}

// WindowKind defines the calendar window a budget limit applies to.
type WindowKind string

const (
	WindowDaily   WindowKind = "daily"
	WindowWeekly  WindowKind = "weekly"
	WindowMonthly WindowKind = "monthly"
)

// WindowKinds lists every window kind in admission order.
var WindowKinds = []WindowKind{WindowDaily, WindowWeekly, WindowMonthly}

// Valid reports whether w is a known window kind.
func (w WindowKind) Valid() bool {
	switch w {
	case WindowDaily, WindowWeekly, WindowMonthly:
		return true
	}
	return false
}

// BudgetLimit caps one resource type over one window kind.
type BudgetLimit struct {
	ResourceType ResourceType `json:"resource_type" yaml:"resource_type"`
	WindowKind   WindowKind   `json:"window_kind" yaml:"window_kind"`
	Max          int64        `json:"max" yaml:"max"`
}

// Budget holds the per-project limits. A (resource, window) pair without a
// limit is unbounded.
type Budget struct {
	ProjectID string        `json:"project_id" yaml:"project_id"`
	Limits    []BudgetLimit `json:"limits" yaml:"limits"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"-"`
}

// Limit returns the ceiling for a resource/window pair, if one is set.
func (b Budget) Limit(rt ResourceType, wk WindowKind) (int64, bool) {
	for _, l := range b.Limits {
		if l.ResourceType == rt && l.WindowKind == wk {
			return l.Max, true
		}
	}
	return 0, false
}

// Clone returns a deep copy so reports can snapshot the limits in effect.
func (b Budget) Clone() Budget {
	out := b
	out.Limits = append([]BudgetLimit(nil), b.Limits...)
	return out
}

// WindowRef names a single window of a single resource.
type WindowRef struct {
	WindowKind   WindowKind   `json:"window_kind"`
	ResourceType ResourceType `json:"resource_type"`
}

// WindowUsage is one row of a budget report.
type WindowUsage struct {
	WindowKind   WindowKind   `json:"window_kind"`
	ResourceType ResourceType `json:"resource_type"`
	WindowStart  time.Time    `json:"window_start"`
	Used         int64        `json:"used"`
	Limit        *int64       `json:"limit"`
	UsedPct      *float64     `json:"used_pct"`
	Remaining    *int64       `json:"remaining"`
}

// BudgetReport is a point-in-time view of usage against a budget. It is
// recomputed on demand and never persisted.
type BudgetReport struct {
	ProjectID   string        `json:"project_id"`
	Budget      Budget        `json:"budget"`
	Windows     []WindowUsage `json:"windows"`
	IsBlocked   bool          `json:"is_blocked"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Reservation is admitted capacity that has not been recorded yet.
type Reservation struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	ResourceType ResourceType `json:"resource_type"`
	Amount       int64        `json:"amount"`
	ExpiresAt    time.Time    `json:"expires_at"`
}

// AdmitDecision is the outcome of an admission check. A denial is an
// expected result, not an error.
type AdmitDecision struct {
	Allowed        bool         `json:"allowed"`
	BlockingWindow *WindowRef   `json:"blocking_window,omitempty"`
	Reservation    *Reservation `json:"reservation,omitempty"`
}
