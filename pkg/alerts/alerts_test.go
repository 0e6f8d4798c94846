package alerts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

func TestCreateAndList(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	clk := clock.NewManual(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	s, err := New(db, clk)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	_, err = s.Create(ctx, models.Alert{
		ProjectID: "p1",
		AlertType: TypeBudgetExceeded,
		Severity:  SeverityCritical,
		Message:   "daily/token",
		Metadata:  map[string]any{"limit": 1000},
	})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	_, _ = s.Create(ctx, models.Alert{ProjectID: "p1", AlertType: "other", Severity: SeverityWarning, Message: "second"})
	_, _ = s.Create(ctx, models.Alert{ProjectID: "p2", AlertType: "other", Severity: SeverityWarning, Message: "elsewhere"})

	got, err := s.List(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(got))
	}
	if got[0].Message != "second" {
		t.Errorf("expected most recent first, got %s", got[0].Message)
	}
	if got[1].Metadata["limit"] != float64(1000) {
		t.Errorf("metadata not round-tripped: %v", got[1].Metadata)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if _, err := s.Create(context.Background(), models.Alert{ProjectID: "p1"}); err != nil {
		t.Errorf("expected nil store to ignore alerts, got %v", err)
	}
}
