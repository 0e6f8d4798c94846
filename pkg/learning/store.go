package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pario-ai/steward/pkg/audit"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/storage"
)

const createLearningTables = `
CREATE TABLE IF NOT EXISTS learning_configs (
	project_id TEXT PRIMARY KEY,
	max_changes_per_week INTEGER NOT NULL,
	rollback_threshold REAL NOT NULL,
	rollback_window INTEGER NOT NULL,
	protected_parameters TEXT NOT NULL DEFAULT '[]',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS learning_states (
	project_id TEXT PRIMARY KEY,
	phase TEXT NOT NULL,
	parameters TEXT NOT NULL DEFAULT '{}',
	stable_parameters TEXT NOT NULL DEFAULT '{}',
	window_started_at INTEGER,
	changes_in_window INTEGER NOT NULL DEFAULT 0,
	last_change_at INTEGER,
	last_rollback_at INTEGER,
	baseline_score REAL,
	experiment_window INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// Store persists per-project configs and controller state.
type Store struct {
	db    *sql.DB
	audit *audit.Log
}

// NewStore creates a Store and runs auto-migration. Learning events are
// written through log in the same transaction as the state.
func NewStore(db *sql.DB, log *audit.Log) (*Store, error) {
	if err := storage.Migrate(context.Background(), db, createLearningTables); err != nil {
		return nil, fmt.Errorf("migrate learning: %w", err)
	}
	return &Store{db: db, audit: log}, nil
}

// Config returns the stored config or an error wrapping models.ErrNotFound.
func (s *Store) Config(ctx context.Context, projectID string) (models.AutoLearningConfig, error) {
	cfg := models.AutoLearningConfig{ProjectID: projectID}
	var protected string
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT max_changes_per_week, rollback_threshold, rollback_window, protected_parameters, updated_at
		 FROM learning_configs WHERE project_id = ?`, projectID,
	).Scan(&cfg.MaxChangesPerWeek, &cfg.RollbackThreshold, &cfg.RollbackWindow, &protected, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, fmt.Errorf("learning config for %q: %w", projectID, models.ErrNotFound)
	}
	if err != nil {
		return cfg, fmt.Errorf("get learning config: %w", err)
	}
	if err := json.Unmarshal([]byte(protected), &cfg.ProtectedParameters); err != nil {
		return cfg, fmt.Errorf("decode protected parameters: %w", err)
	}
	if cfg.ProtectedParameters == nil {
		cfg.ProtectedParameters = []string{}
	}
	cfg.UpdatedAt = storage.Time(updated)
	return cfg, nil
}

// PutConfig replaces the stored config.
func (s *Store) PutConfig(ctx context.Context, cfg models.AutoLearningConfig) error {
	protected := cfg.ProtectedParameters
	if protected == nil {
		protected = []string{}
	}
	raw, err := json.Marshal(protected)
	if err != nil {
		return fmt.Errorf("encode protected parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO learning_configs
		(project_id, max_changes_per_week, rollback_threshold, rollback_window, protected_parameters, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			max_changes_per_week = excluded.max_changes_per_week,
			rollback_threshold = excluded.rollback_threshold,
			rollback_window = excluded.rollback_window,
			protected_parameters = excluded.protected_parameters,
			updated_at = excluded.updated_at`,
		cfg.ProjectID, cfg.MaxChangesPerWeek, cfg.RollbackThreshold, cfg.RollbackWindow,
		string(raw), storage.Nanos(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put learning config: %w", err)
	}
	return nil
}

// State returns the stored state or an error wrapping models.ErrNotFound.
func (s *Store) State(ctx context.Context, projectID string) (models.AutoLearningState, error) {
	st := models.AutoLearningState{ProjectID: projectID}
	var phase, params, stable string
	var windowStarted, lastChange, lastRollback sql.NullInt64
	var baseline sql.NullFloat64
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT phase, parameters, stable_parameters, window_started_at, changes_in_window,
			last_change_at, last_rollback_at, baseline_score, experiment_window, updated_at
		 FROM learning_states WHERE project_id = ?`, projectID,
	).Scan(&phase, &params, &stable, &windowStarted, &st.ChangesInWindow,
		&lastChange, &lastRollback, &baseline, &st.ExperimentWindow, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("learning state for %q: %w", projectID, models.ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("get learning state: %w", err)
	}

	st.Phase = models.Phase(phase)
	if err := json.Unmarshal([]byte(params), &st.Parameters); err != nil {
		return st, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(stable), &st.StableParameters); err != nil {
		return st, fmt.Errorf("decode stable parameters: %w", err)
	}
	st.Parameters = st.Parameters.Clone()
	st.StableParameters = st.StableParameters.Clone()
	st.WindowStartedAt = storage.NullTime(windowStarted)
	st.LastChangeAt = storage.NullTime(lastChange)
	st.LastRollbackAt = storage.NullTime(lastRollback)
	if baseline.Valid {
		v := baseline.Float64
		st.BaselineScore = &v
	}
	st.UpdatedAt = storage.Time(updated)
	return st, nil
}

// Commit writes state and appends events in one transaction. Either both
// land or neither does.
func (s *Store) Commit(ctx context.Context, st models.AutoLearningState, events []models.LearningEvent) ([]models.LearningEvent, error) {
	var written []models.LearningEvent
	err := storage.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := saveStateTx(ctx, tx, st); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		var err error
		written, err = s.audit.AppendTx(ctx, tx, st.ProjectID, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	return written, nil
}

func saveStateTx(ctx context.Context, tx *sql.Tx, st models.AutoLearningState) error {
	params, err := json.Marshal(st.Parameters.Clone())
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	stable, err := json.Marshal(st.StableParameters.Clone())
	if err != nil {
		return fmt.Errorf("encode stable parameters: %w", err)
	}
	var baseline sql.NullFloat64
	if st.BaselineScore != nil {
		baseline = sql.NullFloat64{Float64: *st.BaselineScore, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO learning_states
		(project_id, phase, parameters, stable_parameters, window_started_at, changes_in_window,
		 last_change_at, last_rollback_at, baseline_score, experiment_window, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			phase = excluded.phase,
			parameters = excluded.parameters,
			stable_parameters = excluded.stable_parameters,
			window_started_at = excluded.window_started_at,
			changes_in_window = excluded.changes_in_window,
			last_change_at = excluded.last_change_at,
			last_rollback_at = excluded.last_rollback_at,
			baseline_score = excluded.baseline_score,
			experiment_window = excluded.experiment_window,
			updated_at = excluded.updated_at`,
		st.ProjectID, string(st.Phase), string(params), string(stable),
		storage.NullNanos(st.WindowStartedAt), st.ChangesInWindow,
		storage.NullNanos(st.LastChangeAt), storage.NullNanos(st.LastRollbackAt),
		baseline, st.ExperimentWindow, storage.Nanos(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save learning state: %w", err)
	}
	return nil
}
