package learning

import (
	"context"
	"slices"

	"github.com/pario-ai/steward/pkg/models"
)

// ReasonAutoOptimization tags changes proposed by BestVariantPolicy.
const ReasonAutoOptimization = "auto-optimization"

// Policy proposes parameter changes given the stable parameters and recent
// snapshots. The controller filters protected and no-op proposals.
type Policy interface {
	Propose(ctx context.Context, projectID string, stable models.ParameterSet, snapshots []models.MetricSnapshot) ([]models.Proposal, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, projectID string, stable models.ParameterSet, snapshots []models.MetricSnapshot) ([]models.Proposal, error)

func (f PolicyFunc) Propose(ctx context.Context, projectID string, stable models.ParameterSet, snapshots []models.MetricSnapshot) ([]models.Proposal, error) {
	return f(ctx, projectID, stable, snapshots)
}

// StaticPolicy always proposes the same changes.
type StaticPolicy []models.Proposal

func (p StaticPolicy) Propose(context.Context, string, models.ParameterSet, []models.MetricSnapshot) ([]models.Proposal, error) {
	return slices.Clone(p), nil
}

// BestVariantPolicy proposes, for each tunable key, the variant value with
// the highest mean per-item click-through across tagged snapshots.
type BestVariantPolicy struct {
	Keys []string
}

// DefaultTunableParameters are the keys BestVariantPolicy considers when
// none are configured.
var DefaultTunableParameters = []string{"slot", "cta", "angle"}

func (p BestVariantPolicy) Propose(_ context.Context, _ string, stable models.ParameterSet, snapshots []models.MetricSnapshot) ([]models.Proposal, error) {
	keys := p.Keys
	if len(keys) == 0 {
		keys = DefaultTunableParameters
	}

	type acc struct {
		sum float64
		n   int
	}
	perf := make(map[string]map[string]*acc)
	for _, s := range snapshots {
		if s.Impressions <= 0 {
			continue
		}
		ctr := float64(s.Clicks) / float64(s.Impressions)
		for _, k := range keys {
			v := s.Parameters[k]
			if v == "" {
				continue
			}
			if perf[k] == nil {
				perf[k] = make(map[string]*acc)
			}
			a := perf[k][v]
			if a == nil {
				a = &acc{}
				perf[k][v] = a
			}
			a.sum += ctr
			a.n++
		}
	}

	var out []models.Proposal
	for _, k := range keys {
		variants := perf[k]
		if len(variants) == 0 {
			continue
		}
		// Sorted so ties resolve the same way on every run.
		values := make([]string, 0, len(variants))
		for v := range variants {
			values = append(values, v)
		}
		slices.Sort(values)

		best, bestMean := "", -1.0
		for _, v := range values {
			a := variants[v]
			if mean := a.sum / float64(a.n); mean > bestMean {
				best, bestMean = v, mean
			}
		}
		if best == stable[k] {
			continue
		}
		out = append(out, models.Proposal{Parameter: k, NewValue: best, Reason: ReasonAutoOptimization})
	}
	return out, nil
}
