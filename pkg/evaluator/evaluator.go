// Package evaluator scores engagement snapshots.
package evaluator

import (
	"fmt"

	"github.com/pario-ai/steward/pkg/models"
)

// Score names accepted in configuration.
const (
	ScoreCTR        = "ctr"
	ScoreEngagement = "engagement"
)

// Evaluator reduces snapshots to a single score. ok is false when the
// snapshots carry no impressions and no score can be computed.
type Evaluator interface {
	Name() string
	Score(snapshots []models.MetricSnapshot) (score float64, ok bool)
}

// CTR is clicks per impression.
type CTR struct{}

func (CTR) Name() string { return ScoreCTR }

func (CTR) Score(snapshots []models.MetricSnapshot) (float64, bool) {
	var clicks, impressions int64
	for _, s := range snapshots {
		clicks += s.Clicks
		impressions += s.Impressions
	}
	if impressions == 0 {
		return 0, false
	}
	return float64(clicks) / float64(impressions), true
}

// Engagement is clicks, likes, comments and shares per impression.
type Engagement struct{}

func (Engagement) Name() string { return ScoreEngagement }

func (Engagement) Score(snapshots []models.MetricSnapshot) (float64, bool) {
	var interactions, impressions int64
	for _, s := range snapshots {
		interactions += s.Clicks + s.Likes + s.Comments + s.Shares
		impressions += s.Impressions
	}
	if impressions == 0 {
		return 0, false
	}
	return float64(interactions) / float64(impressions), true
}

// ForName returns the evaluator registered under name. An empty name
// selects CTR.
func ForName(name string) (Evaluator, error) {
	switch name {
	case "", ScoreCTR:
		return CTR{}, nil
	case ScoreEngagement:
		return Engagement{}, nil
	}
	return nil, fmt.Errorf("unknown score %q", name)
}
