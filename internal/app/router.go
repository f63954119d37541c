// Package app wires the library surface into a thin operational HTTP
// router: goal execution, slot and process status, health fan-out, and
// manual lifecycle controls.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/modelfleet/internal/domain"
	"github.com/fairyhunter13/modelfleet/internal/observability"
	"github.com/fairyhunter13/modelfleet/internal/orchestrator"
	"github.com/fairyhunter13/modelfleet/internal/slots"
)

// GoalRunner is the orchestrator slice the router needs.
type GoalRunner interface {
	ExecuteGoal(ctx context.Context, goal string, opts orchestrator.ExecuteOptions) (*domain.GoalRun, error)
}

// SlotService is the slot manager slice the router needs.
type SlotService interface {
	Status() map[domain.Tier]slots.Status
	CheckAllHealth(ctx context.Context) map[domain.Tier]bool
}

// Router bundles the handler dependencies.
type Router struct {
	Goals       GoalRunner
	Slots       SlotService
	Supervisor  domain.Supervisor
	StopTimeout time.Duration
}

type goalRequest struct {
	Goal     string `json:"goal"`
	MaxTasks int    `json:"max_tasks"`
}

// Handler builds the chi router for the ops surface.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/goals", rt.handleExecuteGoal)
		r.Get("/status", rt.handleStatus)
		r.Get("/health", rt.handleHealth)
		r.Post("/endpoints/{tier}/start", rt.handleLifecycle("start"))
		r.Post("/endpoints/{tier}/stop", rt.handleLifecycle("stop"))
		r.Post("/endpoints/{tier}/restart", rt.handleLifecycle("restart"))
	})
	return r
}

func (rt *Router) handleExecuteGoal(w http.ResponseWriter, r *http.Request) {
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	run, err := rt.Goals.ExecuteGoal(r.Context(), req.Goal, orchestrator.ExecuteOptions{MaxTasks: req.MaxTasks})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("goal execution failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "goal execution failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"slots":     rt.Slots.Status(),
		"processes": rt.Supervisor.Status(),
	})
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.Slots.CheckAllHealth(r.Context()))
}

func (rt *Router) handleLifecycle(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tier := domain.Tier(chi.URLParam(r, "tier"))
		var (
			pid int
			err error
		)
		switch op {
		case "start":
			pid, err = rt.Supervisor.Start(r.Context(), tier)
		case "stop":
			err = rt.Supervisor.Stop(r.Context(), tier, rt.StopTimeout)
		case "restart":
			pid, err = rt.Supervisor.Restart(r.Context(), tier)
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "op": op, "pid": pid})
		case errors.Is(err, domain.ErrUnknownTier):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, domain.ErrExternallyManaged):
			writeError(w, http.StatusConflict, err.Error())
		default:
			slog.Error("lifecycle operation failed",
				slog.String("tier", string(tier)), slog.String("op", op), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
