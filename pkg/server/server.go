// Package server exposes the budget guard and learning controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/pario-ai/steward/pkg/app"
	"github.com/pario-ai/steward/pkg/budget"
	"github.com/pario-ai/steward/pkg/learning"
	"github.com/pario-ai/steward/pkg/logging"
	"github.com/pario-ai/steward/pkg/models"
)

const maxBodyBytes = 1 << 20

// Server is the steward HTTP API.
type Server struct {
	app *app.App
	mux *http.ServeMux
	log *logrus.Entry
}

// New creates a Server with all routes registered.
func New(a *app.App) *Server {
	s := &Server{
		app: a,
		mux: http.NewServeMux(),
		log: logging.ForComponent("server"),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("POST /v1/projects/{id}/admit", s.handleAdmit)
	s.mux.HandleFunc("POST /v1/projects/{id}/usage", s.handleRecordUsage)
	s.mux.HandleFunc("GET /v1/projects/{id}/usage", s.handleListUsage)
	s.mux.HandleFunc("GET /v1/projects/{id}/usage/summary", s.handleUsageSummary)
	s.mux.HandleFunc("POST /v1/projects/{id}/reservations/{rid}/release", s.handleRelease)
	s.mux.HandleFunc("GET /v1/projects/{id}/budget", s.handleGetBudget)
	s.mux.HandleFunc("PUT /v1/projects/{id}/budget", s.handlePutBudget)
	s.mux.HandleFunc("GET /v1/projects/{id}/budget/report", s.handleReport)
	s.mux.HandleFunc("GET /v1/projects/{id}/alerts", s.handleAlerts)

	s.mux.HandleFunc("GET /v1/projects/{id}/learning/config", s.handleGetLearningConfig)
	s.mux.HandleFunc("PUT /v1/projects/{id}/learning/config", s.handlePutLearningConfig)
	s.mux.HandleFunc("GET /v1/projects/{id}/learning/state", s.handleLearningState)
	s.mux.HandleFunc("POST /v1/projects/{id}/learning/run", s.handleLearningRun)
	s.mux.HandleFunc("GET /v1/projects/{id}/learning/events", s.handleLearningEvents)
	s.mux.HandleFunc("GET /v1/projects/{id}/learning/parameters", s.handleGetParameters)
	s.mux.HandleFunc("POST /v1/projects/{id}/learning/parameters", s.handleSetParameter)
	s.mux.HandleFunc("POST /v1/projects/{id}/metrics", s.handleAddMetrics)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.WithFields(logrus.Fields{
		"method":      r.Method,
		"path":        r.URL.Path,
		"status":      rec.status,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("request")
}

// ListenAndServe starts the API server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.app.Config.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.app.Config.Listen).Info("steward listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DB.PingContext(r.Context()); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type admitRequest struct {
	ResourceType models.ResourceType `json:"resource_type"`
	Amount       int64               `json:"amount"`
}

func (s *Server) handleAdmit(w http.ResponseWriter, r *http.Request) {
	var req admitRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := s.app.Guard.Admit(r.Context(), r.PathValue("id"), req.ResourceType, req.Amount)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type usageRequest struct {
	ResourceType   models.ResourceType `json:"resource_type"`
	Amount         int64               `json:"amount"`
	IdempotencyKey string              `json:"idempotency_key"`
	ReservationID  string              `json:"reservation_id"`
}

type usageResponse struct {
	Recorded       bool   `json:"recorded"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req usageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IdempotencyKey == "" {
		s.writeErr(w, models.Invalid("idempotency_key", "must not be empty"))
		return
	}
	project := r.PathValue("id")

	var (
		recorded bool
		err      error
	)
	if req.ReservationID != "" {
		res := models.Reservation{ID: req.ReservationID, ProjectID: project, ResourceType: req.ResourceType}
		recorded, err = s.app.Guard.Commit(r.Context(), res, req.IdempotencyKey, req.Amount)
	} else {
		recorded, err = s.app.Guard.Record(r.Context(), project, req.ResourceType, req.Amount, req.IdempotencyKey)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	code := http.StatusCreated
	if !recorded {
		code = http.StatusOK
	}
	writeJSON(w, code, usageResponse{Recorded: recorded, IdempotencyKey: req.IdempotencyKey})
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	events, err := s.app.Ledger.Events(r.Context(), r.PathValue("id"), models.UsageQueryOpts{
		ResourceType: models.ResourceType(q.Get("resource_type")),
		Since:        since,
		Limit:        limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	sums, err := s.app.Ledger.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	if !s.app.Guard.Release(r.PathValue("id"), r.PathValue("rid")) {
		writeJSONError(w, http.StatusNotFound, "reservation not held")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := s.app.Guard.GetBudget(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	var b models.Budget
	if !decode(w, r, &b) {
		return
	}
	b.ProjectID = r.PathValue("id")
	stored, err := s.app.Guard.SetBudget(r.Context(), b)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("id")
	report, err := s.app.Guard.GenerateReport(r.Context(), project)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		writeJSON(w, http.StatusOK, report)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project+"-budget.csv"))
		if err := budget.WriteCSV(w, report); err != nil {
			s.log.WithError(err).Warn("csv export failed")
		}
	case "xlsx":
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", project+"-budget.xlsx"))
		if err := budget.WriteXLSX(w, report); err != nil {
			s.log.WithError(err).Warn("xlsx export failed")
		}
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", format))
	}
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	list, err := s.app.Alerts.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetLearningConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.app.Learning.GetConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutLearningConfig(w http.ResponseWriter, r *http.Request) {
	var cfg models.AutoLearningConfig
	if !decode(w, r, &cfg) {
		return
	}
	cfg.ProjectID = r.PathValue("id")
	stored, err := s.app.Learning.UpdateConfig(r.Context(), cfg)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleLearningState(w http.ResponseWriter, r *http.Request) {
	st, err := s.app.Learning.GetState(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleLearningRun(w http.ResponseWriter, r *http.Request) {
	res, err := s.app.Learning.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLearningEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseSince(q.Get("since"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	events, err := s.app.Learning.ListEvents(r.Context(), r.PathValue("id"), models.LearningQueryOpts{
		Parameter: q.Get("parameter"),
		Reason:    q.Get("reason"),
		Since:     since,
		Limit:     limit,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.app.Learning.SelectParameters(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, params)
}

type parameterRequest struct {
	Parameter string `json:"parameter"`
	Value     string `json:"value"`
}

func (s *Server) handleSetParameter(w http.ResponseWriter, r *http.Request) {
	var req parameterRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.app.Learning.SetParameter(r.Context(), r.PathValue("id"), req.Parameter, req.Value)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAddMetrics(w http.ResponseWriter, r *http.Request) {
	var snap models.MetricSnapshot
	if !decode(w, r, &snap) {
		return
	}
	snap.ProjectID = r.PathValue("id")
	stored, err := s.app.Snapshots.Add(r.Context(), snap)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, models.Invalid("since", "must be RFC 3339, got %q", v)
	}
	return t, nil
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, models.Invalid("limit", "must be a non-negative integer, got %q", v)
	}
	return n, nil
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrConcurrentRun), errors.Is(err, learning.ErrExperimentInProgress):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"steward_error","code":%d}}`, message, code)
}
