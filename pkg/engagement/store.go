// Package engagement stores metric snapshots collected for published content.
package engagement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

// Store persists snapshots in SQLite.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

const createSnapshots = `
CREATE TABLE IF NOT EXISTS metric_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	content_item_id TEXT NOT NULL,
	impressions INTEGER NOT NULL DEFAULT 0,
	clicks INTEGER NOT NULL DEFAULT 0,
	likes INTEGER NOT NULL DEFAULT 0,
	comments INTEGER NOT NULL DEFAULT 0,
	shares INTEGER NOT NULL DEFAULT 0,
	parameters TEXT NOT NULL DEFAULT '{}',
	collected_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_snapshots_project_time ON metric_snapshots(project_id, collected_at);
`

// New creates a Store and runs auto-migration.
func New(db *sql.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := storage.Migrate(context.Background(), db, createSnapshots); err != nil {
		return nil, fmt.Errorf("migrate snapshots: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Add stores a snapshot. A zero CollectedAt is set to the current time.
func (s *Store) Add(ctx context.Context, snap models.MetricSnapshot) (models.MetricSnapshot, error) {
	if snap.ProjectID == "" {
		return snap, models.Invalid("project_id", "must not be empty")
	}
	if snap.ContentItemID == "" {
		return snap, models.Invalid("content_item_id", "must not be empty")
	}
	for name, v := range map[string]int64{
		"impressions": snap.Impressions, "clicks": snap.Clicks, "likes": snap.Likes,
		"comments": snap.Comments, "shares": snap.Shares,
	} {
		if v < 0 {
			return snap, models.Invalid(name, "must be >= 0, got %d", v)
		}
	}
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = s.clock.Now()
	}
	params, err := json.Marshal(snap.Parameters.Clone())
	if err != nil {
		return snap, fmt.Errorf("encode parameters: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO metric_snapshots
		(project_id, content_item_id, impressions, clicks, likes, comments, shares, parameters, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ProjectID, snap.ContentItemID, snap.Impressions, snap.Clicks, snap.Likes,
		snap.Comments, snap.Shares, string(params), storage.Nanos(snap.CollectedAt),
	)
	if err != nil {
		return snap, fmt.Errorf("add snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()
	return snap, nil
}

// Recent returns up to limit snapshots, most recent first.
func (s *Store) Recent(ctx context.Context, projectID string, limit int) ([]models.MetricSnapshot, error) {
	return s.query(ctx, projectID, time.Time{}, limit)
}

// Since returns up to limit snapshots collected at or after since, most
// recent first.
func (s *Store) Since(ctx context.Context, projectID string, since time.Time, limit int) ([]models.MetricSnapshot, error) {
	return s.query(ctx, projectID, since, limit)
}

func (s *Store) query(ctx context.Context, projectID string, since time.Time, limit int) ([]models.MetricSnapshot, error) {
	q := `SELECT id, project_id, content_item_id, impressions, clicks, likes, comments, shares, parameters, collected_at
		FROM metric_snapshots WHERE project_id = ?`
	args := []any{projectID}
	if !since.IsZero() {
		q += " AND collected_at >= ?"
		args = append(args, storage.Nanos(since))
	}
	q += " ORDER BY collected_at DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.MetricSnapshot
	for rows.Next() {
		var m models.MetricSnapshot
		var params string
		var at int64
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.ContentItemID, &m.Impressions, &m.Clicks,
			&m.Likes, &m.Comments, &m.Shares, &params, &at); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &m.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters: %w", err)
		}
		if len(m.Parameters) == 0 {
			m.Parameters = nil
		}
		m.CollectedAt = storage.Time(at)
		out = append(out, m)
	}
	return out, rows.Err()
}
