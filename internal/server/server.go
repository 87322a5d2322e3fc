// Package server exposes the intake endpoint and the operator API: audit
// trail reads, dead-letter queue listing, resolve, and replay.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/model"
	"github.com/masserfx/steelflow/internal/monitoring"
	"github.com/masserfx/steelflow/internal/pipeline"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
)

// Submitter is the scheduler surface the server needs.
type Submitter interface {
	Submit(ctx context.Context, task scheduler.Task) bool
	Replay(ctx context.Context, id string) error
}

// Config holds the HTTP listener settings.
type Config struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// AllowedOrigins feed the CORS middleware for the dashboard.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// Server serves the intake and operator endpoints.
type Server struct {
	store     store.Store
	sched     Submitter
	collector *monitoring.Collector
	cfg       Config
}

// New builds the server.
func New(st store.Store, sched Submitter, collector *monitoring.Collector, cfg Config) *Server {
	return &Server{store: st, sched: sched, collector: collector, cfg: cfg}
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/intake/email", s.handleIntake)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/dlq", s.handleListDeadLetters)
	r.Post("/dlq/{id}/resolve", s.handleResolveDeadLetter)
	r.Post("/dlq/{id}/replay", s.handleReplayDeadLetter)

	return r
}

// ListenAndServe runs the HTTP listener until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zap.L().Info("http server listening", zap.String("addr", s.cfg.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	unresolved, resolved, err := s.store.CountDeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":                    true,
		"dead_letters":          unresolved,
		"dead_letters_resolved": resolved,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "stats not enabled")
		return
	}
	lookback := intQuery(r.URL.Query().Get("hours"))
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	var p pipeline.IngestPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ExternalID == "" || p.Sender == "" {
		writeError(w, http.StatusBadRequest, "external_id and sender are required")
		return
	}

	payload, err := pipeline.EncodePayload(p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode payload")
		return
	}
	if !s.sched.Submit(r.Context(), scheduler.Task{Stage: model.StageIngest, Payload: payload}) {
		writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"external_id": p.ExternalID,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{
		MessageID: q.Get("message_id"),
		Stage:     model.Stage(q.Get("stage")),
		Status:    model.TaskStatus(q.Get("status")),
		Limit:     intQuery(q.Get("limit")),
	}

	records, err := s.store.ListTaskRecords(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list task records")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeadLetterFilter{
		Stage: model.Stage(q.Get("stage")),
		Limit: intQuery(q.Get("limit")),
	}
	if raw := q.Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "resolved must be a boolean")
			return
		}
		filter.Resolved = &resolved
	}

	entries, err := s.store.ListDeadLetters(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResolvedBy == "" {
		writeError(w, http.StatusBadRequest, "resolved_by is required")
		return
	}

	err := s.store.ResolveDeadLetter(r.Context(), id, body.ResolvedBy)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "dead letter already resolved")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "resolve dead letter")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
	}
}

func (s *Server) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.sched.Replay(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "dead letter not found")
	case errors.Is(err, store.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "dead letter already resolved")
	case errors.Is(err, scheduler.ErrUnknownStage):
		writeError(w, http.StatusUnprocessableEntity, "entry stage has no handler")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "replay dead letter")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "replaying"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func intQuery(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
