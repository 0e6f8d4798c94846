// Package alerts stores operator-facing alerts such as exceeded budgets.
package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

// Alert types and severities.
const (
	TypeBudgetExceeded = "budget_exceeded"
	SeverityCritical   = "critical"
	SeverityWarning    = "warning"
)

// Store persists alerts.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

const createAlertsTable = `
CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	alert_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_project_time ON alerts(project_id, created_at);
`

// New creates a Store and runs auto-migration.
func New(db *sql.DB, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := storage.Migrate(context.Background(), db, createAlertsTable); err != nil {
		return nil, fmt.Errorf("migrate alerts: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Create records an alert and logs it.
func (s *Store) Create(ctx context.Context, a models.Alert) (models.Alert, error) {
	if s == nil {
		return a, nil
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return a, fmt.Errorf("encode alert metadata: %w", err)
	}
	a.CreatedAt = s.clock.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (project_id, alert_type, severity, message, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ProjectID, a.AlertType, a.Severity, a.Message, string(meta), storage.Nanos(a.CreatedAt),
	)
	if err != nil {
		return a, fmt.Errorf("create alert: %w", err)
	}
	a.ID, _ = res.LastInsertId()

	logging.ForProject("alerts", a.ProjectID).
		WithField("alert_type", a.AlertType).
		WithField("severity", a.Severity).
		Warn("alert_created")
	return a, nil
}

// List returns a project's alerts, most recent first.
func (s *Store) List(ctx context.Context, projectID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, alert_type, severity, message, metadata, created_at
		 FROM alerts WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var meta string
		var at int64
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.AlertType, &a.Severity, &a.Message, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &a.Metadata)
		}
		a.CreatedAt = storage.Time(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
