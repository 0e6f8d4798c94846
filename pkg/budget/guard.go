// Package budget enforces per-project resource budgets over calendar windows.
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/pario-ai/steward/pkg/alerts"
	"github.com/pario-ai/steward/pkg/clock"
	"github.com/pario-ai/steward/pkg/ledger"
	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
	"github.com/pario-ai/steward/pkg/telemetry"
)

// Defaults applied by New when Options leaves a field zero.
const (
	DefaultReservationTTL = 10 * time.Minute
	DefaultCacheTTL       = time.Minute
)

// Options configures a Guard.
type Options struct {
	Clock          clock.Clock
	Location       *time.Location
	ReservationTTL time.Duration
	CacheTTL       time.Duration
	Alerts         *alerts.Store
	Metrics        *telemetry.Metrics
}

// Guard admits and records consumption against stored budgets.
// Admission and recording for one (project, resource) pair are serialized;
// unrelated pairs never contend.
type Guard struct {
	ledger  ledger.Ledger
	store   *Store
	alerts  *alerts.Store
	metrics *telemetry.Metrics
	clock   clock.Clock
	loc     *time.Location
	ttl     time.Duration
	budgets *cache.Cache

	mu    sync.Mutex
	slots map[slotKey]*slot
}

type slotKey struct {
	project  string
	resource models.ResourceType
}

// slot serializes admission for one (project, resource) within this process
// only. A database must not be shared by two admitting processes.
type slot struct {
	mu      sync.Mutex
	pending []models.Reservation
}

// New creates a Guard backed by db for budgets and l for usage.
func New(db *sql.DB, l ledger.Ledger, opts Options) (*Guard, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Guard{
		ledger:  l,
		store:   store,
		alerts:  opts.Alerts,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		loc:     opts.Location,
		ttl:     opts.ReservationTTL,
		budgets: cache.New(opts.CacheTTL, 2*opts.CacheTTL),
		slots:   make(map[slotKey]*slot),
	}, nil
}

// SetBudget validates and stores b, replacing any previous limits.
func (g *Guard) SetBudget(ctx context.Context, b models.Budget) (models.Budget, error) {
	b = b.Clone()
	b.UpdatedAt = g.clock.Now()
	sortLimits(b.Limits)
	if err := g.store.Put(ctx, b); err != nil {
		return b, err
	}
	g.budgets.Delete(b.ProjectID)
	logging.ForProject("budget", b.ProjectID).WithField("limits", len(b.Limits)).Info("budget_updated")
	return b, nil
}

// GetBudget returns the stored budget or an error wrapping models.ErrNotFound.
func (g *Guard) GetBudget(ctx context.Context, projectID string) (models.Budget, error) {
	if v, ok := g.budgets.Get(projectID); ok {
		return v.(models.Budget).Clone(), nil
	}
	b, err := g.store.Get(ctx, projectID)
	if err != nil {
		return b, err
	}
	g.budgets.SetDefault(projectID, b)
	return b.Clone(), nil
}

// activeBudget treats a missing budget as one without limits.
func (g *Guard) activeBudget(ctx context.Context, projectID string) (models.Budget, error) {
	b, err := g.GetBudget(ctx, projectID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Budget{ProjectID: projectID}, nil
	}
	return b, err
}

// Admit decides whether amount more of rt may be consumed. An allowed
// request holds a reservation that counts toward later admissions until it
// is recorded, committed, released or expires.
func (g *Guard) Admit(ctx context.Context, projectID string, rt models.ResourceType, amount int64) (models.AdmitDecision, error) {
	if err := validateRequest(projectID, rt, amount); err != nil {
		return models.AdmitDecision{}, err
	}
	if amount == 0 {
		g.metrics.Admission(string(rt), "allowed", "")
		return models.AdmitDecision{Allowed: true}, nil
	}

	b, err := g.activeBudget(ctx, projectID)
	if err != nil {
		return models.AdmitDecision{}, fmt.Errorf("admit: %w", err)
	}

	s := g.slot(projectID, rt)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.clock.Now()
	g.prune(s, rt, now)
	pending := s.total()

	for _, wk := range models.WindowKinds {
		limit, ok := b.Limit(rt, wk)
		if !ok {
			continue
		}
		start, end := g.window(wk, now)
		used, err := g.ledger.Total(ctx, projectID, rt, start, end)
		if err != nil {
			return models.AdmitDecision{}, fmt.Errorf("admit: %w", err)
		}
		if used+pending+amount >= limit {
			g.deny(ctx, projectID, rt, wk, limit, used, pending, amount)
			return models.AdmitDecision{
				Allowed:        false,
				BlockingWindow: &models.WindowRef{WindowKind: wk, ResourceType: rt},
			}, nil
		}
	}

	r := models.Reservation{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		ResourceType: rt,
		Amount:       amount,
		ExpiresAt:    now.Add(g.ttl),
	}
	s.pending = append(s.pending, r)
	g.metrics.Admission(string(rt), "allowed", "")
	g.metrics.Pending(string(rt), amount)
	return models.AdmitDecision{Allowed: true, Reservation: &r}, nil
}

// Record appends consumption to the ledger. When a new event is written it
// releases one pending reservation of exactly that amount. Reservations that
// never match are left to expire, and duplicate or zero-amount records
// release nothing. Limits are not re-checked; use Commit to finish a known
// reservation.
func (g *Guard) Record(ctx context.Context, projectID string, rt models.ResourceType, amount int64, key string) (bool, error) {
	if err := validateRequest(projectID, rt, amount); err != nil {
		return false, err
	}
	s := g.slot(projectID, rt)
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded, err := g.ledger.Record(ctx, projectID, rt, amount, key)
	if err != nil {
		return false, err
	}
	g.prune(s, rt, g.clock.Now())
	if recorded && amount > 0 {
		if r, ok := s.take(func(r models.Reservation) bool { return r.Amount == amount }); ok {
			g.metrics.Pending(string(rt), -r.Amount)
		}
	}
	g.recorded(projectID, rt, amount, key, recorded)
	return recorded, nil
}

// Commit finishes reservation r by recording actual consumption. It reports
// whether a new ledger event was written. An expired reservation is still
// recorded.
func (g *Guard) Commit(ctx context.Context, r models.Reservation, key string, actual int64) (bool, error) {
	if err := validateRequest(r.ProjectID, r.ResourceType, actual); err != nil {
		return false, err
	}
	s := g.slot(r.ProjectID, r.ResourceType)
	s.mu.Lock()
	defer s.mu.Unlock()

	recorded, err := g.ledger.Record(ctx, r.ProjectID, r.ResourceType, actual, key)
	if err != nil {
		return false, err
	}
	if held, ok := s.take(func(p models.Reservation) bool { return p.ID == r.ID }); ok {
		g.metrics.Pending(string(held.ResourceType), -held.Amount)
	}
	g.recorded(r.ProjectID, r.ResourceType, actual, key, recorded)
	return recorded, nil
}

// Release drops a reservation without recording usage. It reports whether
// the reservation was still held.
func (g *Guard) Release(projectID, reservationID string) bool {
	for _, rt := range models.ResourceTypes {
		s := g.existingSlot(projectID, rt)
		if s == nil {
			continue
		}
		s.mu.Lock()
		r, ok := s.take(func(p models.Reservation) bool { return p.ID == reservationID })
		s.mu.Unlock()
		if ok {
			g.metrics.Pending(string(rt), -r.Amount)
			return true
		}
	}
	return false
}

// Pending returns the amount currently reserved for a project and resource.
func (g *Guard) Pending(projectID string, rt models.ResourceType) int64 {
	s := g.existingSlot(projectID, rt)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g.prune(s, rt, g.clock.Now())
	return s.total()
}

// GenerateReport summarizes usage for every window and resource at the
// current time. Pending reservations are not counted.
func (g *Guard) GenerateReport(ctx context.Context, projectID string) (models.BudgetReport, error) {
	if projectID == "" {
		return models.BudgetReport{}, models.Invalid("project_id", "must not be empty")
	}
	b, err := g.activeBudget(ctx, projectID)
	if err != nil {
		return models.BudgetReport{}, fmt.Errorf("report: %w", err)
	}
	now := g.clock.Now()
	report := models.BudgetReport{
		ProjectID:   projectID,
		Budget:      b.Clone(),
		Windows:     make([]models.WindowUsage, 0, len(models.WindowKinds)*len(models.ResourceTypes)),
		GeneratedAt: now,
	}

	for _, wk := range models.WindowKinds {
		start, end := g.window(wk, now)
		for _, rt := range models.ResourceTypes {
			used, err := g.ledger.Total(ctx, projectID, rt, start, end)
			if err != nil {
				return models.BudgetReport{}, fmt.Errorf("report: %w", err)
			}
			w := models.WindowUsage{
				WindowKind:   wk,
				ResourceType: rt,
				WindowStart:  start,
				Used:         used,
			}
			if limit, ok := b.Limit(rt, wk); ok {
				remaining := max(limit-used, 0)
				w.Limit = &limit
				w.Remaining = &remaining
				if limit > 0 {
					pct := math.Round(float64(used)/float64(limit)*10000) / 100
					w.UsedPct = &pct
				}
				if used >= limit {
					report.IsBlocked = true
				}
			}
			report.Windows = append(report.Windows, w)
		}
	}
	return report, nil
}

// WindowStart returns the start of the calendar window containing now in loc.
// Weeks start on Monday.
func WindowStart(wk models.WindowKind, now time.Time, loc *time.Location) time.Time {
	t := now.In(loc)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	switch wk {
	case models.WindowWeekly:
		offset := (int(t.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.WindowMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	default:
		return day
	}
}

// window returns [start, end) of the window containing now.
func (g *Guard) window(wk models.WindowKind, now time.Time) (time.Time, time.Time) {
	start := WindowStart(wk, now, g.loc)
	switch wk {
	case models.WindowWeekly:
		return start, start.AddDate(0, 0, 7)
	case models.WindowMonthly:
		return start, start.AddDate(0, 1, 0)
	default:
		return start, start.AddDate(0, 0, 1)
	}
}

func (g *Guard) deny(ctx context.Context, projectID string, rt models.ResourceType, wk models.WindowKind, limit, used, pending, amount int64) {
	g.metrics.Admission(string(rt), "denied", string(wk))
	logging.ForProject("budget", projectID).
		WithField("resource_type", rt).
		WithField("window_kind", wk).
		WithField("limit", limit).
		WithField("used", used).
		WithField("pending", pending).
		WithField("requested", amount).
		Warn("budget_limit_exceeded")

	_, err := g.alerts.Create(ctx, models.Alert{
		ProjectID: projectID,
		AlertType: alerts.TypeBudgetExceeded,
		Severity:  alerts.SeverityCritical,
		Message:   fmt.Sprintf("%s_%s_limit_exceeded", wk, rt),
		Metadata: map[string]any{
			"window":        string(wk),
			"resource_type": string(rt),
			"limit":         limit,
			"used":          used,
			"pending":       pending,
			"requested":     amount,
		},
	})
	if err != nil {
		logging.ForProject("budget", projectID).WithError(err).Error("failed to create budget alert")
	}
}

func (g *Guard) recorded(projectID string, rt models.ResourceType, amount int64, key string, recorded bool) {
	g.metrics.Usage(string(rt), amount, recorded)
	entry := logging.ForProject("budget", projectID).
		WithField("resource_type", rt).
		WithField("amount", amount).
		WithField("idempotency_key", key)
	if recorded {
		entry.Info("budget_usage_recorded")
	} else {
		entry.Debug("duplicate usage ignored")
	}
}

func (g *Guard) slot(projectID string, rt models.ResourceType) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := slotKey{project: projectID, resource: rt}
	s, ok := g.slots[k]
	if !ok {
		s = &slot{}
		g.slots[k] = s
	}
	return s
}

func (g *Guard) existingSlot(projectID string, rt models.ResourceType) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[slotKey{project: projectID, resource: rt}]
}

// prune drops expired reservations. s.mu must be held.
func (g *Guard) prune(s *slot, rt models.ResourceType, now time.Time) {
	kept := s.pending[:0]
	for _, r := range s.pending {
		if now.Before(r.ExpiresAt) {
			kept = append(kept, r)
			continue
		}
		g.metrics.Pending(string(rt), -r.Amount)
	}
	s.pending = kept
}

func (s *slot) total() int64 {
	var n int64
	for _, r := range s.pending {
		n += r.Amount
	}
	return n
}

// take removes the oldest reservation matching fn.
func (s *slot) take(fn func(models.Reservation) bool) (models.Reservation, bool) {
	for i, r := range s.pending {
		if fn(r) {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return r, true
		}
	}
	return models.Reservation{}, false
}

func validateRequest(projectID string, rt models.ResourceType, amount int64) error {
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
