// Package httpapi exposes the run service over HTTP: run admission, the SSE
// event stream, state and workflow reads, approvals, and cancellation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"goa.design/runloop/coordinator"
	"goa.design/runloop/engine"
	"goa.design/runloop/events"
	"goa.design/runloop/fault"
	"goa.design/runloop/state"
	"goa.design/runloop/telemetry"
	"goa.design/runloop/workflow"
)

// RunIDHeader optionally pins the ID of a new run, making retried start
// requests idempotent.
const RunIDHeader = "X-Run-Id"

type (
	// Approver records human decisions for waiting runs.
	Approver interface {
		RecordApproval(ctx context.Context, runID, decision string) error
	}

	// Server handles the HTTP surface.
	Server struct {
		coord  *coordinator.Coordinator
		appr   Approver
		log    events.Log
		states *state.Projector
		store  workflow.Store
		logger telemetry.Logger
	}

	startRequest struct {
		Message   string         `json:"message"`
		Mode      string         `json:"mode,omitempty"`
		Context   map[string]any `json:"context,omitempty"`
		TenantID  string         `json:"tenant_id,omitempty"`
		UserID    string         `json:"user_id,omitempty"`
		BudgetUSD float64        `json:"budget_usd,omitempty"`
	}

	startResponse struct {
		RunID string `json:"run_id"`
	}

	approvalRequest struct {
		Decision string `json:"decision"`
	}

	errorResponse struct {
		Error string `json:"error"`
		Kind  string `json:"kind,omitempty"`
	}
)

// New returns the HTTP server.
func New(coord *coordinator.Coordinator, appr Approver, log events.Log, states *state.Projector, store workflow.Store, logger telemetry.Logger) *Server {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Server{coord: coord, appr: appr, log: log, states: states, store: store, logger: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.health)
	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.startRun)
		r.Route("/{runID}", func(r chi.Router) {
			r.Get("/events", s.streamEvents)
			r.Get("/state", s.getState)
			r.Get("/workflow", s.getWorkflow)
			r.Post("/approval", s.postApproval)
			r.Post("/cancel", s.cancel)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	runID, err := s.coord.StartRun(r.Context(), coordinator.StartRequest{
		RunID:     r.Header.Get(RunIDHeader),
		Message:   req.Message,
		Mode:      req.Mode,
		Context:   req.Context,
		Identity:  events.Identity{TenantID: req.TenantID, UserID: req.UserID},
		BudgetUSD: req.BudgetUSD,
	})
	if err != nil {
		switch fault.KindOf(err) {
		case fault.KindBadPlan:
			writeError(w, http.StatusBadRequest, err)
		case fault.KindRateLimited:
			writeError(w, http.StatusTooManyRequests, err)
		default:
			s.logger.Error(r.Context(), "start run", "err", err)
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, startResponse{RunID: runID})
}

// streamEvents serves the run's events as SSE: full history first, then the
// live tail. The stream ends after the run's terminal event.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.store.Load(r.Context(), runID); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sub, err := s.log.Subscribe(r.Context(), runID)
	if err != nil {
		s.logger.Error(r.Context(), "subscribe", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					s.logger.Warn(r.Context(), "subscription ended", "run_id", runID, "err", err)
				}
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error(r.Context(), "encode event", "run_id", runID, "err", err)
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", ev.Seq, payload)
			flusher.Flush()
		}
	}
}

func (s *Server) getState(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	// The projector answers with a blank snapshot for unknown runs, so
	// existence is checked against the workflow store.
	if _, err := s.store.Load(r.Context(), runID); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		s.logger.Error(r.Context(), "get state", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rs, err := s.states.Get(r.Context(), runID)
	if err != nil {
		s.logger.Error(r.Context(), "get state", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	ws, err := s.store.Load(r.Context(), runID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
			return
		}
		s.logger.Error(r.Context(), "get workflow", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) postApproval(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Decision != workflow.DecisionApproved && req.Decision != workflow.DecisionRejected {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decision must be %q or %q", workflow.DecisionApproved, workflow.DecisionRejected))
		return
	}
	err := s.appr.RecordApproval(r.Context(), runID, req.Decision)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "decision": req.Decision})
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
	case errors.Is(err, engine.ErrRunFinished):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusConflict, err)
	}
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	err := s.coord.Cancel(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "cancelling"})
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
	case errors.Is(err, coordinator.ErrRunFinished):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error(r.Context(), "cancel run", "run_id", runID, "err", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	if kind := fault.KindOf(err); kind != fault.KindUnknown {
		resp.Kind = string(kind)
	}
	writeJSON(w, status, resp)
}
