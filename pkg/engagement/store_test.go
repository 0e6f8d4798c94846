package engagement

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *clock.Manual) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "engagement.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	s, err := New(db, clk)
	if err != nil {
		t.Fatal(err)
	}
	return s, clk
}

func TestAddAndRecent(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	for i, item := range []string{"a", "b", "c"} {
		_, err := s.Add(ctx, models.MetricSnapshot{
			ProjectID:     "p1",
			ContentItemID: item,
			Impressions:   int64(100 * (i + 1)),
			Clicks:        int64(i),
			Parameters:    models.ParameterSet{"slot": "morning"},
		})
		if err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Minute)
	}
	_, _ = s.Add(ctx, models.MetricSnapshot{ProjectID: "p2", ContentItemID: "z", Impressions: 1})

	got, err := s.Recent(ctx, "p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(got))
	}
	if got[0].ContentItemID != "c" || got[1].ContentItemID != "b" {
		t.Errorf("expected most recent first, got %s, %s", got[0].ContentItemID, got[1].ContentItemID)
	}
	if got[0].Parameters["slot"] != "morning" {
		t.Errorf("expected parameters round trip, got %v", got[0].Parameters)
	}
}

func TestSince(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, _ = s.Add(ctx, models.MetricSnapshot{ProjectID: "p1", ContentItemID: "old", Impressions: 10})
	clk.Advance(time.Hour)
	cut := clk.Now()
	_, _ = s.Add(ctx, models.MetricSnapshot{ProjectID: "p1", ContentItemID: "new", Impressions: 10})

	got, err := s.Since(ctx, "p1", cut, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ContentItemID != "new" {
		t.Errorf("expected only the new snapshot, got %+v", got)
	}
	if got[0].Parameters != nil {
		t.Errorf("expected untagged snapshot, got %v", got[0].Parameters)
	}
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bad := []models.MetricSnapshot{
		{ContentItemID: "a"},
		{ProjectID: "p1"},
		{ProjectID: "p1", ContentItemID: "a", Clicks: -1},
	}
	for _, snap := range bad {
		if _, err := s.Add(ctx, snap); !errors.Is(err, models.ErrValidation) {
			t.Errorf("expected validation error for %+v, got %v", snap, err)
		}
	}
}
