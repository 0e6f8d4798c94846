package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

// Ledger records and aggregates resource consumption.
type Ledger interface {
	// Record appends a usage event unless the idempotency key was already
	// recorded for the project. It reports whether a new event was written.
	Record(ctx context.Context, projectID string, rt models.ResourceType, amount int64, key string) (bool, error)
	// Total returns the summed amount for events in [since, until).
	Total(ctx context.Context, projectID string, rt models.ResourceType, since, until time.Time) (int64, error)
	// Events lists events for a project, most recent first.
	Events(ctx context.Context, projectID string, opts models.UsageQueryOpts) ([]models.UsageEvent, error)
	// Summary returns all-time totals per resource type.
	Summary(ctx context.Context, projectID string) ([]models.UsageSummary, error)
}

// SQLiteLedger implements Ledger on the shared SQLite database.
type SQLiteLedger struct {
	db    *sql.DB
	clock clock.Clock
}

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	resource_type TEXT NOT NULL,
	amount INTEGER NOT NULL CHECK (amount >= 0),
	idempotency_key TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	UNIQUE (project_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_usage_project_resource_time
	ON usage_events(project_id, resource_type, occurred_at);
`

// New creates a SQLiteLedger and runs auto-migration. Event timestamps come
// from clk; callers can never supply them.
func New(db *sql.DB, clk clock.Clock) (*SQLiteLedger, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := storage.Migrate(context.Background(), db, createUsageTable); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &SQLiteLedger{db: db, clock: clk}, nil
}

// Record stores a usage event. A duplicate key is a silent no-op.
func (l *SQLiteLedger) Record(ctx context.Context, projectID string, rt models.ResourceType, amount int64, key string) (bool, error) {
	if err := validate(projectID, rt, amount); err != nil {
		return false, err
	}
	if key == "" {
		return false, models.Invalid("idempotency_key", "must not be empty")
	}

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_events (project_id, resource_type, amount, idempotency_key, occurred_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, idempotency_key) DO NOTHING`,
		projectID, string(rt), amount, key, storage.Nanos(l.clock.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record usage: %w", err)
	}
	return n == 1, nil
}

// Total returns the amount consumed for a resource in [since, until).
func (l *SQLiteLedger) Total(ctx context.Context, projectID string, rt models.ResourceType, since, until time.Time) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM usage_events
		 WHERE project_id = ? AND resource_type = ? AND occurred_at >= ? AND occurred_at < ?`,
		projectID, string(rt), storage.Nanos(since), storage.Nanos(until),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Events returns usage events for a project, most recent first.
func (l *SQLiteLedger) Events(ctx context.Context, projectID string, opts models.UsageQueryOpts) ([]models.UsageEvent, error) {
	q := `SELECT id, project_id, resource_type, amount, idempotency_key, occurred_at
		FROM usage_events WHERE project_id = ?`
	args := []any{projectID}

	if opts.ResourceType != "" {
		q += " AND resource_type = ?"
		args = append(args, string(opts.ResourceType))
	}
	if !opts.Since.IsZero() {
		q += " AND occurred_at >= ?"
		args = append(args, storage.Nanos(opts.Since))
	}
	q += " ORDER BY occurred_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var e models.UsageEvent
		var rt string
		var at int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &rt, &e.Amount, &e.IdempotencyKey, &at); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		e.ResourceType = models.ResourceType(rt)
		e.OccurredAt = storage.Time(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Summary returns aggregated usage grouped by resource type.
func (l *SQLiteLedger) Summary(ctx context.Context, projectID string) ([]models.UsageSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT project_id, resource_type, COUNT(*), SUM(amount)
		 FROM usage_events WHERE project_id = ?
		 GROUP BY project_id, resource_type ORDER BY resource_type`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		var rt string
		if err := rows.Scan(&s.ProjectID, &rt, &s.EventCount, &s.TotalAmount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.ResourceType = models.ResourceType(rt)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func validate(projectID string, rt models.ResourceType, amount int64) error {
	if projectID == "" {
		return models.Invalid("project_id", "must not be empty")
	}
	if !rt.Valid() {
		return models.Invalid("resource_type", "unknown resource type %q", rt)
	}
	if amount < 0 {
		return models.Invalid("amount", "must be >= 0, got %d", amount)
	}
	return nil
}
