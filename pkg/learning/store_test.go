package learning

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/audit"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *audit.Log) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	log, err := audit.New(db, nil)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewStore(db, log)
	if err != nil {
		t.Fatal(err)
	}
	return s, log
}

func TestStateRoundTrip(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	if _, err := s.State(ctx, "p1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	baseline := 0.05
	st := models.AutoLearningState{
		ProjectID:        "p1",
		Phase:            models.PhaseExperimenting,
		Parameters:       models.ParameterSet{"slot": "evening"},
		StableParameters: models.ParameterSet{"slot": "default"},
		WindowStartedAt:  &now,
		ChangesInWindow:  1,
		LastChangeAt:     &now,
		BaselineScore:    &baseline,
		ExperimentWindow: 20,
		UpdatedAt:        now,
	}
	written, err := s.Commit(ctx, st, []models.LearningEvent{
		{Parameter: "slot", PreviousValue: "default", NewValue: "evening", Reason: ReasonAutoOptimization},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(written) != 1 || written[0].ID == 0 {
		t.Errorf("expected written event with id, got %+v", written)
	}

	got, err := s.State(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Phase != models.PhaseExperimenting || !got.Parameters.Equal(st.Parameters) ||
		!got.StableParameters.Equal(st.StableParameters) || got.ChangesInWindow != 1 ||
		got.ExperimentWindow != 20 || got.BaselineScore == nil || *got.BaselineScore != baseline {
		t.Errorf("state mismatch: %+v", got)
	}
	if got.LastRollbackAt != nil || !got.WindowStartedAt.Equal(now) {
		t.Errorf("unexpected timestamps: %+v", got)
	}

	events, _ := log.List(ctx, "p1", models.LearningQueryOpts{})
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}

func TestCommitIsAtomic(t *testing.T) {
	s, log := newTestStore(t)
	ctx := context.Background()

	st := models.NewAutoLearningState("p1")
	st.ChangesInWindow = 3
	// An invalid event aborts the whole commit.
	_, err := s.Commit(ctx, st, []models.LearningEvent{{Parameter: "", Reason: "x"}})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := s.State(ctx, "p1"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("state must not be written when events fail, got %v", err)
	}
	events, _ := log.List(ctx, "p1", models.LearningQueryOpts{})
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}
