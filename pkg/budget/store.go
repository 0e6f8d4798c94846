package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

const createBudgetTables = `
CREATE TABLE IF NOT EXISTS budgets (
	project_id TEXT PRIMARY KEY,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS budget_limits (
	project_id TEXT NOT NULL REFERENCES budgets(project_id) ON DELETE CASCADE,
	resource_type TEXT NOT NULL,
	window_kind TEXT NOT NULL,
	max_amount INTEGER NOT NULL CHECK (max_amount >= 0),
	PRIMARY KEY (project_id, resource_type, window_kind)
);
`

// Store persists per-project budgets.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store and runs auto-migration.
func NewStore(db *sql.DB) (*Store, error) {
	if err := storage.Migrate(context.Background(), db, createBudgetTables); err != nil {
		return nil, fmt.Errorf("migrate budgets: %w", err)
	}
	return &Store{db: db}, nil
}

// Put replaces every limit of b.ProjectID in one transaction.
func (s *Store) Put(ctx context.Context, b models.Budget) error {
	if err := ValidateBudget(b); err != nil {
		return err
	}
	return storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budgets (project_id, updated_at) VALUES (?, ?)
			 ON CONFLICT(project_id) DO UPDATE SET updated_at = excluded.updated_at`,
			b.ProjectID, storage.Nanos(b.UpdatedAt),
		); err != nil {
			return fmt.Errorf("upsert budget: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM budget_limits WHERE project_id = ?`, b.ProjectID); err != nil {
			return fmt.Errorf("clear limits: %w", err)
		}
		for _, l := range b.Limits {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO budget_limits (project_id, resource_type, window_kind, max_amount)
				 VALUES (?, ?, ?, ?)`,
				b.ProjectID, string(l.ResourceType), string(l.WindowKind), l.Max,
			); err != nil {
				return fmt.Errorf("insert limit: %w", err)
			}
		}
		return nil
	})
}

// Get returns the stored budget or models.ErrNotFound.
func (s *Store) Get(ctx context.Context, projectID string) (models.Budget, error) {
	b := models.Budget{ProjectID: projectID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT updated_at FROM budgets WHERE project_id = ?`, projectID,
	).Scan(&updated)
	if errors.Is(err, sql.ErrNoRows) {
		return b, fmt.Errorf("budget for %q: %w", projectID, models.ErrNotFound)
	}
	if err != nil {
		return b, fmt.Errorf("get budget: %w", err)
	}
	b.UpdatedAt = storage.Time(updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT resource_type, window_kind, max_amount FROM budget_limits WHERE project_id = ?`,
		projectID,
	)
	if err != nil {
		return b, fmt.Errorf("get limits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var l models.BudgetLimit
		var rt, wk string
		if err := rows.Scan(&rt, &wk, &l.Max); err != nil {
			return b, fmt.Errorf("scan limit: %w", err)
		}
		l.ResourceType = models.ResourceType(rt)
		l.WindowKind = models.WindowKind(wk)
		b.Limits = append(b.Limits, l)
	}
	if err := rows.Err(); err != nil {
		return b, err
	}
	sortLimits(b.Limits)
	return b, nil
}

// ValidateBudget rejects unknown resources or windows, negative limits and
// duplicate pairs.
func ValidateBudget(b models.Budget) error {
	if b.ProjectID == "" {
		return models.Invalid("project_id", "must not be empty")
	}
	seen := make(map[models.WindowRef]bool, len(b.Limits))
	for _, l := range b.Limits {
		if !l.ResourceType.Valid() {
			return models.Invalid("resource_type", "unknown resource type %q", l.ResourceType)
		}
		if !l.WindowKind.Valid() {
			return models.Invalid("window_kind", "unknown window kind %q", l.WindowKind)
		}
		if l.Max < 0 {
			return models.Invalid("max", "%s/%s limit must be >= 0, got %d", l.WindowKind, l.ResourceType, l.Max)
		}
		ref := models.WindowRef{WindowKind: l.WindowKind, ResourceType: l.ResourceType}
		if seen[ref] {
			return models.Invalid("limits", "duplicate limit for %s/%s", l.WindowKind, l.ResourceType)
		}
		seen[ref] = true
	}
	return nil
}

func sortLimits(limits []models.BudgetLimit) {
	slices.SortFunc(limits, func(a, b models.BudgetLimit) int {
		if c := slices.Index(models.WindowKinds, a.WindowKind) - slices.Index(models.WindowKinds, b.WindowKind); c != 0 {
			return c
		}
		return slices.Index(models.ResourceTypes, a.ResourceType) - slices.Index(models.ResourceTypes, b.ResourceType)
	})
}
