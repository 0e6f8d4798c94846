// Package app wires the steward components from a Config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/steward/pkg/alerts"
	"github.com/pario-ai/steward/pkg/audit"
	"github.com/pario-ai/steward/pkg/budget"
	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/config"
	"github.com/pario-ai/steward/pkg/engagement"
	"github.com/pario-ai/steward/pkg/evaluator"
	"github.com/pario-ai/steward/pkg/learning"
	"github.com/pario-ai/steward/pkg/ledger"
	"github.com/pario-ai/steward/pkg/lock"
	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/scheduler"
	"github.com/pario-ai/steward/pkg/storage"
	"github.com/pario-ai/steward/pkg/telemetry"
)

// App holds every long-lived component.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Ledger    *ledger.SQLiteLedger
	Alerts    *alerts.Store
	Guard     *budget.Guard
	Audit     *audit.Log
	Snapshots *engagement.Store
	Learning  *learning.Controller
	Metrics   *telemetry.Metrics
	Registry  *prometheus.Registry
	Scheduler *scheduler.Scheduler

	redis *redis.Client
}

// Options overrides pieces of the wiring, mostly for tests.
type Options struct {
	Clock  clock.Clock
	Policy learning.Policy
	Locker lock.Locker
}

// New opens the database and builds all components. Budgets and learning
// configs listed in cfg are stored for projects that have none yet.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	eval, err := evaluator.ForName(cfg.Learning.Score)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = telemetry.New(a.Registry)

	if a.Ledger, err = ledger.New(db, opts.Clock); err != nil {
		return nil, err
	}
	if a.Alerts, err = alerts.New(db, opts.Clock); err != nil {
		return nil, err
	}
	a.Guard, err = budget.New(db, a.Ledger, budget.Options{
		Clock:          opts.Clock,
		Location:       loc,
		ReservationTTL: cfg.Budget.ReservationTTL,
		CacheTTL:       cfg.Budget.CacheTTL,
		Alerts:         a.Alerts,
		Metrics:        a.Metrics,
	})
	if err != nil {
		return nil, err
	}

	if a.Audit, err = audit.New(db, opts.Clock); err != nil {
		return nil, err
	}
	if a.Snapshots, err = engagement.New(db, opts.Clock); err != nil {
		return nil, err
	}
	store, err := learning.NewStore(db, a.Audit)
	if err != nil {
		return nil, err
	}

	locker := opts.Locker
	if locker == nil {
		if locker, err = a.locker(ctx); err != nil {
			return nil, err
		}
	}
	policy := opts.Policy
	if policy == nil {
		policy = learning.BestVariantPolicy{Keys: cfg.Learning.TunableParameters}
	}
	a.Learning = learning.New(store, a.Snapshots, policy, learning.Options{
		Clock:             opts.Clock,
		Locker:            locker,
		Evaluator:         eval,
		Metrics:           a.Metrics,
		DefaultParameters: cfg.Learning.DefaultParameters,
	})

	if err := a.seed(ctx); err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

func (a *App) locker(ctx context.Context) (lock.Locker, error) {
	rc := a.Config.Redis
	if rc.Addr == "" {
		return lock.NewMemory(), nil
	}
	a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", rc.Addr, err)
	}
	logging.ForComponent("app").WithField("addr", rc.Addr).Info("using redis run lock")
	return lock.NewRedis(a.redis, "steward:lock:", a.Config.Learning.LockTTL), nil
}

func (a *App) seed(ctx context.Context) error {
	for _, b := range a.Config.Budget.Projects {
		_, err := a.Guard.GetBudget(ctx, b.ProjectID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrNotFound) {
			return err
		}
		if _, err := a.Guard.SetBudget(ctx, b); err != nil {
			return fmt.Errorf("seed budget %s: %w", b.ProjectID, err)
		}
	}
	for _, c := range a.Config.Learning.Projects {
		current, err := a.Learning.GetConfig(ctx, c.ProjectID)
		if err != nil {
			return err
		}
		if !current.UpdatedAt.IsZero() {
			continue
		}
		if _, err := a.Learning.UpdateConfig(ctx, c); err != nil {
			return fmt.Errorf("seed learning config %s: %w", c.ProjectID, err)
		}
	}
	return nil
}

// StartScheduler begins periodic learning runs when enabled in config.
func (a *App) StartScheduler() error {
	sc := a.Config.Learning.Schedule
	if !sc.Enabled {
		return nil
	}
	s, err := scheduler.New(a.Learning, a.Config.Learning.LockTTL)
	if err != nil {
		return err
	}
	for _, p := range sc.Projects {
		if err := s.Schedule(p, sc.Interval); err != nil {
			_ = s.Stop()
			return err
		}
	}
	s.Start()
	a.Scheduler = s
	return nil
}

// Close stops the scheduler and releases connections.
func (a *App) Close() error {
	var errs []error
	if a.Scheduler != nil {
		errs = append(errs, a.Scheduler.Stop())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
