package mcp

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pario-ai/steward/pkg/models"
)

// formatReport formats a budget report as a text table.
func formatReport(r models.BudgetReport) string {
	var b strings.Builder
	status := "OK"
	if r.IsBlocked {
		status = "BLOCKED"
	}
	fmt.Fprintf(&b, "Budget report for %s (%s)\n", r.ProjectID, status)
	fmt.Fprintf(&b, "%-8s %-14s %12s %12s %12s %8s\n",
		"Window", "Resource", "Used", "Limit", "Remaining", "Used%")
	b.WriteString(strings.Repeat("-", 71) + "\n")
	for _, w := range r.Windows {
		limit, remaining, pct := "-", "-", "-"
		if w.Limit != nil {
			limit = fmt.Sprintf("%d", *w.Limit)
		}
		if w.Remaining != nil {
			remaining = fmt.Sprintf("%d", *w.Remaining)
		}
		if w.UsedPct != nil {
			pct = fmt.Sprintf("%.2f%%", *w.UsedPct)
		}
		fmt.Fprintf(&b, "%-8s %-14s %12d %12s %12s %8s\n",
			w.WindowKind, w.ResourceType, w.Used, limit, remaining, pct)
	}
	return b.String()
}

// formatUsageSummary formats ledger totals as a text table.
func formatUsageSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %8s %14s\n", "Resource", "Events", "Total")
	b.WriteString(strings.Repeat("-", 38) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-14s %8d %14d\n", r.ResourceType, r.EventCount, r.TotalAmount)
	}
	return b.String()
}

func formatParams(p models.ParameterSet) string {
	if len(p) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, ", ")
}

// formatState formats the controller state as text.
func formatState(st models.AutoLearningState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Learning state for %s\n", st.ProjectID)
	fmt.Fprintf(&b, "  Phase:             %s\n", st.Phase)
	fmt.Fprintf(&b, "  Active:            %s\n", formatParams(st.Parameters))
	fmt.Fprintf(&b, "  Stable:            %s\n", formatParams(st.StableParameters))
	fmt.Fprintf(&b, "  Changes in window: %d\n", st.ChangesInWindow)
	if st.BaselineScore != nil {
		fmt.Fprintf(&b, "  Baseline score:    %.4f\n", *st.BaselineScore)
	}
	if st.LastChangeAt != nil {
		fmt.Fprintf(&b, "  Last change:       %s\n", st.LastChangeAt.Format("2006-01-02 15:04:05"))
	}
	if st.LastRollbackAt != nil {
		fmt.Fprintf(&b, "  Last rollback:     %s\n", st.LastRollbackAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatEvents formats learning events as a text table.
func formatEvents(events []models.LearningEvent) string {
	if len(events) == 0 {
		return "No learning events found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-16s %-16s %-16s %s\n",
		"Time", "Parameter", "Previous", "New", "Reason")
	b.WriteString(strings.Repeat("-", 90) + "\n")
	for _, e := range events {
		prev := e.PreviousValue
		if prev == "" {
			prev = "-"
		}
		fmt.Fprintf(&b, "%-20s %-16s %-16s %-16s %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Parameter, prev, e.NewValue, e.Reason)
	}
	return b.String()
}

// formatConfig formats auto-learning settings as text.
func formatConfig(c models.AutoLearningConfig) string {
	protected := "(none)"
	if len(c.ProtectedParameters) > 0 {
		protected = strings.Join(c.ProtectedParameters, ", ")
	}
	return fmt.Sprintf("Learning config for %s\n"+
		"  Max changes/week:   %d\n"+
		"  Rollback threshold: %.2f%%\n"+
		"  Rollback window:    %d snapshots\n"+
		"  Protected:          %s\n",
		c.ProjectID, c.MaxChangesPerWeek, c.RollbackThreshold*100, c.RollbackWindow, protected)
}

// formatRunResult summarizes a controller run.
func formatRunResult(r models.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run for %s finished in %s\n", r.ProjectID, r.ResultingState)
	switch {
	case r.RollbackApplied:
		b.WriteString("  Experiment rolled back.\n")
	case r.Promoted:
		b.WriteString("  Experiment promoted.\n")
	case r.InsufficientEvidence:
		b.WriteString("  Not enough evidence to judge the experiment yet.\n")
	}
	if len(r.AppliedChanges) == 0 {
		b.WriteString("  No parameter changes.\n")
		return b.String()
	}
	b.WriteString("  Changes: " + formatParams(r.AppliedChanges) + "\n")
	return b.String()
}
