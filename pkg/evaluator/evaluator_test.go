package evaluator

import (
	"math"
	"testing"

	"github.com/pario-ai/steward/pkg/models"
)

func snap(impressions, clicks, likes, comments, shares int64) models.MetricSnapshot {
	return models.MetricSnapshot{Impressions: impressions, Clicks: clicks, Likes: likes, Comments: comments, Shares: shares}
}

func TestCTR(t *testing.T) {
	score, ok := CTR{}.Score([]models.MetricSnapshot{snap(100, 5, 9, 9, 9), snap(300, 15, 0, 0, 0)})
	if !ok {
		t.Fatal("expected a score")
	}
	if math.Abs(score-0.05) > 1e-12 {
		t.Errorf("expected 0.05, got %v", score)
	}
}

func TestEngagement(t *testing.T) {
	score, ok := Engagement{}.Score([]models.MetricSnapshot{snap(200, 10, 20, 5, 5)})
	if !ok {
		t.Fatal("expected a score")
	}
	if math.Abs(score-0.2) > 1e-12 {
		t.Errorf("expected 0.2, got %v", score)
	}
}

func TestNoImpressions(t *testing.T) {
	for _, e := range []Evaluator{CTR{}, Engagement{}} {
		if _, ok := e.Score(nil); ok {
			t.Errorf("%s: expected no score for empty input", e.Name())
		}
		if _, ok := e.Score([]models.MetricSnapshot{snap(0, 3, 0, 0, 0)}); ok {
			t.Errorf("%s: expected no score without impressions", e.Name())
		}
	}
}

func TestForName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", ScoreCTR, false},
		{"ctr", ScoreCTR, false},
		{"engagement", ScoreEngagement, false},
		{"revenue", "", true},
	}
	for _, tt := range tests {
		e, err := ForName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ForName(%q): unexpected error %v", tt.name, err)
			continue
		}
		if err == nil && e.Name() != tt.want {
			t.Errorf("ForName(%q) = %s, want %s", tt.name, e.Name(), tt.want)
		}
	}
}
