package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pario-ai/steward/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Budget.ReservationTTL != 10*time.Minute {
		t.Errorf("expected 10m reservation TTL, got %v", cfg.Budget.ReservationTTL)
	}
	if cfg.Learning.Score != "ctr" {
		t.Errorf("expected ctr score, got %s", cfg.Learning.Score)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "localhost:6390")

	content := `
listen: ":9090"
db_path: "test.db"
timezone: "Europe/Berlin"
redis:
  addr: ${TEST_REDIS_ADDR}
budget:
  reservation_ttl: 30s
  projects:
    - project_id: acme
      limits:
        - resource_type: token
          window_kind: daily
          max: 1000
learning:
  score: engagement
  schedule:
    enabled: true
    interval: 1h
    projects: [acme]
  projects:
    - project_id: acme
      max_changes_per_week: 3
      rollback_threshold: 0.1
      rollback_window: 5
      protected_parameters: [cta]
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Redis.Addr != "localhost:6390" {
		t.Errorf("env var not expanded: got %s", cfg.Redis.Addr)
	}
	if cfg.Budget.ReservationTTL != 30*time.Second {
		t.Errorf("expected 30s TTL, got %v", cfg.Budget.ReservationTTL)
	}
	if len(cfg.Budget.Projects) != 1 {
		t.Fatalf("expected 1 budget, got %d", len(cfg.Budget.Projects))
	}
	if limit, ok := cfg.Budget.Projects[0].Limit(models.ResourceToken, models.WindowDaily); !ok || limit != 1000 {
		t.Errorf("expected daily token limit 1000, got %d (%v)", limit, ok)
	}
	if len(cfg.Learning.Projects) != 1 || cfg.Learning.Projects[0].RollbackWindow != 5 {
		t.Errorf("learning project not parsed: %+v", cfg.Learning.Projects)
	}
	if cfg.Learning.Schedule.Interval != time.Hour {
		t.Errorf("expected 1h interval, got %v", cfg.Learning.Schedule.Interval)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatal(err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Errorf("expected Europe/Berlin, got %s", loc)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadRejectsUnknownScore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("learning:\n  score: vibes\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown score")
	}
}
