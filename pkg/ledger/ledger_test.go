package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

var t0 = time.Date(2026, 5, 13, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*SQLiteLedger, *clock.Manual) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(t0)
	l, err := New(db, clk)
	if err != nil {
		t.Fatal(err)
	}
	return l, clk
}

func TestRecordAndTotal(t *testing.T) {
	l, clk := newTestLedger(t)
	ctx := context.Background()

	for i, amt := range []int64{100, 250, 0} {
		ok, err := l.Record(ctx, "p1", models.ResourceToken, amt, fmt.Sprintf("k%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Errorf("expected event %d to be recorded", i)
		}
		clk.Advance(time.Second)
	}

	total, err := l.Total(ctx, "p1", models.ResourceToken, t0, clk.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if total != 350 {
		t.Errorf("expected 350, got %d", total)
	}
}

func TestRecordIdempotent(t *testing.T) {
	l, clk := newTestLedger(t)
	ctx := context.Background()

	for range 5 {
		if _, err := l.Record(ctx, "p1", models.ResourceToken, 600, "retry-me"); err != nil {
			t.Fatal(err)
		}
	}
	ok, err := l.Record(ctx, "p1", models.ResourceToken, 600, "retry-me")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("duplicate key should not be recorded")
	}

	// The same key under another project is a different event.
	ok, err = l.Record(ctx, "p2", models.ResourceToken, 600, "retry-me")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected key to be independent across projects")
	}

	total, err := l.Total(ctx, "p1", models.ResourceToken, t0, clk.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if total != 600 {
		t.Errorf("expected 600 after retries, got %d", total)
	}
}

func TestTotalRespectsRange(t *testing.T) {
	l, clk := newTestLedger(t)
	ctx := context.Background()

	_, _ = l.Record(ctx, "p1", models.ResourceToken, 10, "a")
	clk.Advance(time.Hour)
	_, _ = l.Record(ctx, "p1", models.ResourceToken, 20, "b")
	_, _ = l.Record(ctx, "p1", models.ResourceVideoSeconds, 99, "c")

	total, err := l.Total(ctx, "p1", models.ResourceToken, t0.Add(time.Minute), clk.Now().Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if total != 20 {
		t.Errorf("expected 20, got %d", total)
	}

	// until is exclusive
	total, err = l.Total(ctx, "p1", models.ResourceToken, t0, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if total != 10 {
		t.Errorf("expected 10 with exclusive upper bound, got %d", total)
	}
}

func TestRecordValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		project string
		rt      models.ResourceType
		amount  int64
		key     string
	}{
		{"negative amount", "p1", models.ResourceToken, -1, "k"},
		{"unknown resource", "p1", "gpu-hours", 1, "k"},
		{"empty project", "", models.ResourceToken, 1, "k"},
		{"empty key", "p1", models.ResourceToken, 1, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Record(ctx, tc.project, tc.rt, tc.amount, tc.key)
			if !errors.Is(err, models.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestEventsAndSummary(t *testing.T) {
	l, clk := newTestLedger(t)
	ctx := context.Background()

	_, _ = l.Record(ctx, "p1", models.ResourceToken, 100, "a")
	clk.Advance(time.Minute)
	_, _ = l.Record(ctx, "p1", models.ResourceToken, 50, "b")
	clk.Advance(time.Minute)
	_, _ = l.Record(ctx, "p1", models.ResourcePublication, 1, "c")

	events, err := l.Events(ctx, "p1", models.UsageQueryOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].IdempotencyKey != "c" {
		t.Errorf("expected most recent first, got %s", events[0].IdempotencyKey)
	}
	if !events[2].OccurredAt.Equal(t0) {
		t.Errorf("expected ledger-assigned time %v, got %v", t0, events[2].OccurredAt)
	}

	tokens, err := l.Events(ctx, "p1", models.UsageQueryOpts{ResourceType: models.ResourceToken, Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(tokens) != 1 || tokens[0].IdempotencyKey != "b" {
		t.Errorf("unexpected filtered events: %+v", tokens)
	}

	summaries, err := l.Summary(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	for _, s := range summaries {
		if s.ResourceType == models.ResourceToken && (s.TotalAmount != 150 || s.EventCount != 2) {
			t.Errorf("unexpected token summary: %+v", s)
		}
	}
}

func TestMigrationIdempotent(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := New(db, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := New(db, nil); err != nil {
		t.Fatal("second New() failed:", err)
	}
}
