// Package audit is the append-only log of auto-learning parameter changes.
// Entries are never updated or deleted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

// Log writes and queries learning events.
type Log struct {
	db    *sql.DB
	clock clock.Clock
}

// Stat counts events per reason and day.
type Stat struct {
	Reason string `json:"reason"`
	Day    string `json:"day"`
	Count  int64  `json:"count"`
}

const createLearningEvents = `
CREATE TABLE IF NOT EXISTS learning_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	parameter TEXT NOT NULL,
	previous_value TEXT NOT NULL,
	new_value TEXT NOT NULL,
	reason TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_learning_events_project_time ON learning_events(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_learning_events_parameter ON learning_events(project_id, parameter);
`

// New creates a Log and runs auto-migration.
func New(db *sql.DB, clk clock.Clock) (*Log, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if err := storage.Migrate(context.Background(), db, createLearningEvents); err != nil {
		return nil, fmt.Errorf("migrate audit log: %w", err)
	}
	return &Log{db: db, clock: clk}, nil
}

// AppendTx inserts events within tx so they commit or roll back together
// with the state change they describe. Missing timestamps are taken from
// the log clock. The returned events carry their assigned ids.
func (l *Log) AppendTx(ctx context.Context, tx *sql.Tx, projectID string, events []models.LearningEvent) ([]models.LearningEvent, error) {
	if projectID == "" {
		return nil, models.Invalid("project_id", "must not be empty")
	}
	out := make([]models.LearningEvent, 0, len(events))
	for _, e := range events {
		if e.Parameter == "" {
			return nil, models.Invalid("parameter", "must not be empty")
		}
		if e.Reason == "" {
			return nil, models.Invalid("reason", "must not be empty")
		}
		e.ProjectID = projectID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = l.clock.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO learning_events (project_id, parameter, previous_value, new_value, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ProjectID, e.Parameter, e.PreviousValue, e.NewValue, e.Reason, storage.Nanos(e.CreatedAt),
		)
		if err != nil {
			return nil, fmt.Errorf("append learning event: %w", err)
		}
		e.ID, _ = res.LastInsertId()
		out = append(out, e)
	}
	return out, nil
}

// Append inserts events in their own transaction.
func (l *Log) Append(ctx context.Context, projectID string, events []models.LearningEvent) ([]models.LearningEvent, error) {
	var out []models.LearningEvent
	err := storage.InTx(ctx, l.db, func(tx *sql.Tx) error {
		var err error
		out, err = l.AppendTx(ctx, tx, projectID, events)
		return err
	})
	return out, err
}

// List returns events for a project, most recent first.
func (l *Log) List(ctx context.Context, projectID string, opts models.LearningQueryOpts) ([]models.LearningEvent, error) {
	q := `SELECT id, project_id, parameter, previous_value, new_value, reason, created_at
		FROM learning_events WHERE project_id = ?`
	args := []any{projectID}

	if opts.Parameter != "" {
		q += " AND parameter = ?"
		args = append(args, opts.Parameter)
	}
	if opts.Reason != "" {
		q += " AND reason = ?"
		args = append(args, opts.Reason)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, storage.Nanos(opts.Since))
	}

	q += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query learning events: %w", err)
	}
	defer rows.Close()

	var events []models.LearningEvent
	for rows.Next() {
		var e models.LearningEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Parameter, &e.PreviousValue, &e.NewValue, &e.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan learning event: %w", err)
		}
		e.CreatedAt = storage.Time(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats returns event counts grouped by reason and UTC day.
func (l *Log) Stats(ctx context.Context, projectID string) ([]Stat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT reason, created_at FROM learning_events WHERE project_id = ? ORDER BY created_at DESC`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("learning stats: %w", err)
	}
	defer rows.Close()

	index := make(map[[2]string]int)
	var stats []Stat
	for rows.Next() {
		var reason string
		var at int64
		if err := rows.Scan(&reason, &at); err != nil {
			return nil, fmt.Errorf("scan learning stat: %w", err)
		}
		day := storage.Time(at).Format(time.DateOnly)
		k := [2]string{day, reason}
		if i, ok := index[k]; ok {
			stats[i].Count++
			continue
		}
		index[k] = len(stats)
		stats = append(stats, Stat{Reason: reason, Day: day, Count: 1})
	}
	return stats, rows.Err()
}
