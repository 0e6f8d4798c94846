// Package learning runs the auto-learning controller. It experiments with
// content strategy parameters, keeps changes that hold up and rolls back the
// ones that hurt engagement.
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/evaluator"
	"github.com/pario-ai/steward/pkg/lock"
	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/telemetry"
)

// ChangeWindow is the span over which max_changes_per_week is enforced.
const ChangeWindow = 7 * 24 * time.Hour

// ErrExperimentInProgress is returned by SetParameter while an experiment is
// being observed.
var ErrExperimentInProgress = errors.New("experiment in progress")

// DefaultParameters are served by SelectParameters for keys the controller
// has never set.
var DefaultParameters = models.ParameterSet{"slot": "default", "cta": "standard"}

// MetricsSource supplies engagement snapshots, most recent first.
type MetricsSource interface {
	Recent(ctx context.Context, projectID string, limit int) ([]models.MetricSnapshot, error)
	Since(ctx context.Context, projectID string, since time.Time, limit int) ([]models.MetricSnapshot, error)
}

// Options configures a Controller. Zero fields get defaults.
type Options struct {
	Clock             clock.Clock
	Locker            lock.Locker
	Evaluator         evaluator.Evaluator
	Metrics           *telemetry.Metrics
	DefaultParameters models.ParameterSet
}

// Controller owns the per-project auto-learning state machine.
type Controller struct {
	store    *Store
	source   MetricsSource
	policy   Policy
	eval     evaluator.Evaluator
	clock    clock.Clock
	locker   lock.Locker
	metrics  *telemetry.Metrics
	defaults models.ParameterSet
}

// New creates a Controller.
func New(store *Store, source MetricsSource, policy Policy, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory()
	}
	if opts.Evaluator == nil {
		opts.Evaluator = evaluator.CTR{}
	}
	if opts.DefaultParameters == nil {
		opts.DefaultParameters = DefaultParameters
	}
	return &Controller{
		store:    store,
		source:   source,
		policy:   policy,
		eval:     opts.Evaluator,
		clock:    opts.Clock,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		defaults: opts.DefaultParameters.Clone(),
	}
}

// GetConfig returns the project's config, or the defaults if none is stored.
func (c *Controller) GetConfig(ctx context.Context, projectID string) (models.AutoLearningConfig, error) {
	if projectID == "" {
		return models.AutoLearningConfig{}, models.Invalid("project_id", "must not be empty")
	}
	cfg, err := c.store.Config(ctx, projectID)
	if errors.Is(err, models.ErrNotFound) {
		return models.DefaultAutoLearningConfig(projectID), nil
	}
	return cfg, err
}

// UpdateConfig validates and replaces the project's config. An experiment
// already in flight keeps the window size it started with.
func (c *Controller) UpdateConfig(ctx context.Context, cfg models.AutoLearningConfig) (models.AutoLearningConfig, error) {
	if err := ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	cfg.ProtectedParameters = slices.Clone(cfg.ProtectedParameters)
	if cfg.ProtectedParameters == nil {
		cfg.ProtectedParameters = []string{}
	}
	cfg.UpdatedAt = c.clock.Now()
	if err := c.store.PutConfig(ctx, cfg); err != nil {
		return cfg, err
	}
	logging.ForProject("learning", cfg.ProjectID).
		WithField("max_changes_per_week", cfg.MaxChangesPerWeek).
		WithField("rollback_threshold", cfg.RollbackThreshold).
		WithField("rollback_window", cfg.RollbackWindow).
		Info("learning_config_updated")
	return cfg, nil
}

// ValidateConfig checks the bounds UpdateConfig enforces.
func ValidateConfig(cfg models.AutoLearningConfig) error {
	if cfg.ProjectID == "" {
		return models.Invalid("project_id", "must not be empty")
	}
	if cfg.MaxChangesPerWeek < 0 {
		return models.Invalid("max_changes_per_week", "must be >= 0, got %d", cfg.MaxChangesPerWeek)
	}
	if math.IsNaN(cfg.RollbackThreshold) || cfg.RollbackThreshold <= 0 || cfg.RollbackThreshold > 1 {
		return models.Invalid("rollback_threshold", "must be in (0, 1], got %v", cfg.RollbackThreshold)
	}
	if cfg.RollbackWindow < 1 {
		return models.Invalid("rollback_window", "must be >= 1, got %d", cfg.RollbackWindow)
	}
	for _, p := range cfg.ProtectedParameters {
		if p == "" {
			return models.Invalid("protected_parameters", "must not contain empty names")
		}
	}
	return nil
}

// GetState returns the project's state, or the initial STABLE state.
func (c *Controller) GetState(ctx context.Context, projectID string) (models.AutoLearningState, error) {
	if projectID == "" {
		return models.AutoLearningState{}, models.Invalid("project_id", "must not be empty")
	}
	st, err := c.store.State(ctx, projectID)
	if errors.Is(err, models.ErrNotFound) {
		return models.NewAutoLearningState(projectID), nil
	}
	return st, err
}

// ListEvents returns the project's learning events, most recent first.
func (c *Controller) ListEvents(ctx context.Context, projectID string, opts models.LearningQueryOpts) ([]models.LearningEvent, error) {
	return c.store.audit.List(ctx, projectID, opts)
}

// SelectParameters returns the parameters new content should be produced
// with: the active set layered over the defaults.
func (c *Controller) SelectParameters(ctx context.Context, projectID string) (models.ParameterSet, error) {
	st, err := c.GetState(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := c.defaults.Clone()
	for k, v := range st.Parameters {
		out[k] = v
	}
	return out, nil
}

// SetParameter is an operator override. It writes key to both the active
// and stable sets, so it is only allowed while no experiment is open.
// Protected keys may be set this way.
func (c *Controller) SetParameter(ctx context.Context, projectID, key, value string) (models.AutoLearningState, error) {
	if projectID == "" {
		return models.AutoLearningState{}, models.Invalid("project_id", "must not be empty")
	}
	if key == "" {
		return models.AutoLearningState{}, models.Invalid("parameter", "must not be empty")
	}
	release, err := c.acquire(ctx, projectID)
	if err != nil {
		return models.AutoLearningState{}, err
	}
	defer release()

	st, err := c.GetState(ctx, projectID)
	if err != nil {
		return st, err
	}
	if st.Phase != models.PhaseStable {
		return st, ErrExperimentInProgress
	}
	prev, had := st.Parameters[key]
	if had && prev == value && st.StableParameters[key] == value {
		return st, nil
	}

	next := st.Clone()
	next.Parameters[key] = value
	next.StableParameters[key] = value
	next.UpdatedAt = c.clock.Now()
	events := []models.LearningEvent{{
		Parameter:     key,
		PreviousValue: prev,
		NewValue:      value,
		Reason:        models.ReasonOperator,
		CreatedAt:     next.UpdatedAt,
	}}
	if _, err := c.store.Commit(ctx, next, events); err != nil {
		return st, err
	}
	c.metrics.Event(models.ReasonOperator)
	logging.ForProject("learning", projectID).
		WithField("parameter", key).
		WithField("new_value", value).
		Info("learning_parameter_overridden")
	return next, nil
}

// Run advances the project's state machine once. A second Run for the same
// project while one is in flight returns models.ErrConcurrentRun. On any
// error the stored state is left unchanged.
func (c *Controller) Run(ctx context.Context, projectID string) (models.RunResult, error) {
	result := models.RunResult{ProjectID: projectID, AppliedChanges: map[string]string{}}
	if projectID == "" {
		return result, models.Invalid("project_id", "must not be empty")
	}
	release, err := c.acquire(ctx, projectID)
	if err != nil {
		return result, err
	}
	defer release()

	started := time.Now()
	var outcome string
	defer func() {
		if outcome == "" {
			outcome = "error"
		}
		c.metrics.Run(outcome, time.Since(started).Seconds())
	}()

	cfg, err := c.GetConfig(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("run: %w", err)
	}
	st, err := c.GetState(ctx, projectID)
	if err != nil {
		return result, fmt.Errorf("run: %w", err)
	}

	now := c.clock.Now()
	next := st.Clone()
	var events []models.LearningEvent
	log := logging.ForProject("learning", projectID)

	if next.WindowStartedAt == nil || now.Sub(*next.WindowStartedAt) > ChangeWindow {
		next.ChangesInWindow = 0
		next.WindowStartedAt = &now
	}

	if next.Phase == models.PhaseExperimenting {
		closed, evs, err := c.evaluate(ctx, cfg, &next, now, &result, log)
		if err != nil {
			return result, fmt.Errorf("run: %w", err)
		}
		events = append(events, evs...)
		switch {
		case result.InsufficientEvidence:
			outcome = "insufficient_evidence"
		case closed && result.RollbackApplied:
			outcome = "rolled_back"
		case closed:
			outcome = "promoted"
		}
	}

	// The snapshots that just failed are the only recent evidence after a
	// rollback, so the next experiment waits for a later run.
	if next.Phase == models.PhaseStable && !result.RollbackApplied && next.ChangesInWindow < cfg.MaxChangesPerWeek {
		evs, err := c.propose(ctx, cfg, &next, now, log)
		if err != nil {
			return result, fmt.Errorf("run: %w", err)
		}
		if len(evs) > 0 {
			events = append(events, evs...)
			outcome = "experiment_started"
		}
	}
	next.UpdatedAt = now
	written, err := c.store.Commit(ctx, next, events)
	if err != nil {
		outcome = ""
		return result, fmt.Errorf("run: %w", err)
	}
	if outcome == "" {
		outcome = "noop"
	}

	for _, e := range written {
		result.AppliedChanges[e.Parameter] = e.NewValue
		c.metrics.Event(e.Reason)
	}
	result.Events = written
	result.ResultingState = next.Phase

	log.WithField("phase", next.Phase).
		WithField("changes", len(written)).
		WithField("changes_in_window", next.ChangesInWindow).
		WithField("outcome", outcome).
		Info("learning_run_completed")
	return result, nil
}

// evaluate judges an open experiment. It reports whether the experiment was
// closed and the rollback events, if any.
func (c *Controller) evaluate(ctx context.Context, cfg models.AutoLearningConfig, st *models.AutoLearningState, now time.Time, result *models.RunResult, log *logrus.Entry) (bool, []models.LearningEvent, error) {
	window := st.ExperimentWindow
	if window < 1 {
		window = cfg.RollbackWindow
	}
	var since time.Time
	if st.LastChangeAt != nil {
		since = *st.LastChangeAt
	}
	all, err := c.source.Since(ctx, st.ProjectID, since, 0)
	if err != nil {
		return false, nil, fmt.Errorf("fetch experiment snapshots: %w", err)
	}
	evidence := matching(all, st.Parameters, cfg, window)
	if len(evidence) < window {
		result.InsufficientEvidence = true
		log.WithField("have", len(evidence)).WithField("need", window).Debug("not enough evidence yet")
		return false, nil, nil
	}

	current, ok := c.eval.Score(evidence)
	if !ok {
		result.InsufficientEvidence = true
		log.Debug("experiment snapshots carry no impressions")
		return false, nil, nil
	}

	if st.BaselineScore != nil && *st.BaselineScore > 0 {
		baseline := *st.BaselineScore
		if drop := (baseline - current) / baseline; drop >= cfg.RollbackThreshold {
			log.WithField("phase", models.PhaseRollingBack).
				WithField("baseline_score", baseline).
				WithField("current_score", current).
				WithField("drop", drop).
				Warn("learning_rollback_applied")
			events := rollback(cfg, st, now)
			result.RollbackApplied = true
			return true, events, nil
		}
	}

	for k, v := range st.Parameters {
		if !cfg.IsProtected(k) {
			st.StableParameters[k] = v
		}
	}
	for k := range st.StableParameters {
		if _, ok := st.Parameters[k]; !ok && !cfg.IsProtected(k) {
			delete(st.StableParameters, k)
		}
	}
	closeExperiment(st)
	result.Promoted = true
	log.WithField("current_score", current).Info("learning_experiment_promoted")
	return true, nil, nil
}

// rollback restores every non-protected key to its stable value and returns
// one event per key that changed.
func rollback(cfg models.AutoLearningConfig, st *models.AutoLearningState, now time.Time) []models.LearningEvent {
	keys := make([]string, 0, len(st.Parameters)+len(st.StableParameters))
	for k := range st.Parameters {
		keys = append(keys, k)
	}
	for k := range st.StableParameters {
		if _, ok := st.Parameters[k]; !ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)

	var events []models.LearningEvent
	for _, k := range keys {
		if cfg.IsProtected(k) {
			continue
		}
		cur, inCur := st.Parameters[k]
		stable, inStable := st.StableParameters[k]
		switch {
		case inStable && (!inCur || cur != stable):
			st.Parameters[k] = stable
		case !inStable && inCur:
			delete(st.Parameters, k)
		default:
			continue
		}
		events = append(events, models.LearningEvent{
			Parameter:     k,
			PreviousValue: cur,
			NewValue:      stable,
			Reason:        models.ReasonRollback,
			CreatedAt:     now,
		})
	}
	st.LastRollbackAt = &now
	closeExperiment(st)
	return events
}

// propose asks the policy for a new experiment and applies it.
func (c *Controller) propose(ctx context.Context, cfg models.AutoLearningConfig, st *models.AutoLearningState, now time.Time, log *logrus.Entry) ([]models.LearningEvent, error) {
	recent, err := c.source.Recent(ctx, st.ProjectID, cfg.RollbackWindow)
	if err != nil {
		return nil, fmt.Errorf("fetch recent snapshots: %w", err)
	}
	baseline, ok := c.eval.Score(matching(recent, st.StableParameters, cfg, cfg.RollbackWindow))
	if !ok {
		log.Debug("no baseline score, not experimenting")
		return nil, nil
	}

	proposals, err := c.policy.Propose(ctx, st.ProjectID, st.StableParameters.Clone(), recent)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}

	var events []models.LearningEvent
	seen := make(map[string]bool, len(proposals))
	for _, p := range proposals {
		if p.Parameter == "" || seen[p.Parameter] {
			continue
		}
		seen[p.Parameter] = true
		if cfg.IsProtected(p.Parameter) {
			log.WithField("parameter", p.Parameter).Debug("dropping proposal for protected parameter")
			continue
		}
		prev, had := st.Parameters[p.Parameter]
		if had && prev == p.NewValue {
			continue
		}
		reason := p.Reason
		if reason == "" {
			reason = ReasonAutoOptimization
		}
		st.Parameters[p.Parameter] = p.NewValue
		events = append(events, models.LearningEvent{
			Parameter:     p.Parameter,
			PreviousValue: prev,
			NewValue:      p.NewValue,
			Reason:        reason,
			CreatedAt:     now,
		})
	}
	if len(events) == 0 {
		return nil, nil
	}

	st.ChangesInWindow++
	st.LastChangeAt = &now
	st.BaselineScore = &baseline
	st.ExperimentWindow = cfg.RollbackWindow
	st.Phase = models.PhaseExperimenting
	log.WithField("baseline_score", baseline).
		WithField("changes", len(events)).
		Info("learning_experiment_started")
	return events, nil
}

func (c *Controller) acquire(ctx context.Context, projectID string) (func(), error) {
	release, ok, err := c.locker.TryLock(ctx, "learning:"+projectID)
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, models.ErrConcurrentRun
	}
	return release, nil
}

func closeExperiment(st *models.AutoLearningState) {
	st.Phase = models.PhaseStable
	st.BaselineScore = nil
	st.ExperimentWindow = 0
}

// matching returns up to limit snapshots whose variant tags agree with the
// non-protected keys of active. Untagged snapshots always match.
func matching(snapshots []models.MetricSnapshot, active models.ParameterSet, cfg models.AutoLearningConfig, limit int) []models.MetricSnapshot {
	out := make([]models.MetricSnapshot, 0, min(len(snapshots), limit))
	for _, s := range snapshots {
		if len(out) >= limit {
			break
		}
		if tagsAgree(s.Parameters, active, cfg) {
			out = append(out, s)
		}
	}
	return out
}

func tagsAgree(tags, active models.ParameterSet, cfg models.AutoLearningConfig) bool {
	for k, v := range active {
		if cfg.IsProtected(k) {
			continue
		}
		if tv, ok := tags[k]; ok && tv != v {
			return false
		}
	}
	return true
}
