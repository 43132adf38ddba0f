// Package httpapi exposes the conductor operations API over HTTP. Routes are
// versioned under /api/v1 and return JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lablink-io/conductor/internal/gateway"
	"github.com/lablink-io/conductor/internal/model"
	"github.com/lablink-io/conductor/internal/store"
)

// TaskService is the scheduler surface the API needs.
type TaskService interface {
	ScheduleTask(params model.TaskParams) (*model.Task, error)
	GetTask(id string) (*model.Task, error)
	CancelTask(id, reason string) (*model.Task, error)
	QueryTasks(q model.TaskQuery) []*model.Task
	GetTaskStats() model.TaskStats
	ArchiveTerminal(archiveDir string, olderThan time.Duration) (int, error)
}

// AgentService is the agent surface the API needs.
type AgentService interface {
	Metrics() model.AgentMetrics
}

// SupervisorService is the supervisor surface the API needs.
type SupervisorService interface {
	Metrics() model.SupervisorMetrics
	ControllerHealthSnapshot() map[string]model.ControllerHealth
	ForceRetry(taskID string) (*model.Task, error)
	CancelAllPending(runID, reason string) int
}

// ControllerLister lists the controllers known to the gateway.
type ControllerLister interface {
	ListControllers(ctx context.Context) ([]gateway.ControllerInfo, error)
}

// Config carries the retention settings the archive endpoint applies when
// the request does not override them.
type Config struct {
	ArchiveDir  string
	MaxAgeHours int
}

type api struct {
	tasks       TaskService
	agent       AgentService
	supervisor  SupervisorService
	controllers ControllerLister
	config      Config
}

// NewRouter builds the operations API router.
func NewRouter(tasks TaskService, agent AgentService, supervisor SupervisorService, controllers ControllerLister, cfg Config) http.Handler {
	a := &api{
		tasks:       tasks,
		agent:       agent,
		supervisor:  supervisor,
		controllers: controllers,
		config:      cfg,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.health)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/tasks", a.scheduleTask)
		v1.Get("/tasks", a.listTasks)
		v1.Get("/tasks/stats", a.taskStats)
		v1.Get("/tasks/{taskID}", a.getTask)
		v1.Post("/tasks/{taskID}/cancel", a.cancelTask)
		v1.Post("/tasks/{taskID}/force-retry", a.forceRetry)
		v1.Get("/metrics/agent", a.agentMetrics)
		v1.Get("/metrics/supervisor", a.supervisorMetrics)
		v1.Get("/controllers", a.listControllers)
		v1.Post("/runs/{runID}/cancel", a.cancelRun)
		v1.Post("/archive", a.archive)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeStoreError maps store sentinels onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrVersionConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"ts": time.Now().UTC().Format(time.RFC3339),
	})
}

// scheduleTask handles POST /api/v1/tasks
func (a *api) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var params model.TaskParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	task, err := a.tasks.ScheduleTask(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/tasks/%s", task.ID))
	writeJSON(w, http.StatusAccepted, task)
}

// listTasks handles GET /api/v1/tasks
func (a *api) listTasks(w http.ResponseWriter, r *http.Request) {
	q := model.TaskQuery{
		ExperimentRunID: r.URL.Query().Get("run"),
		CampaignID:      r.URL.Query().Get("campaign"),
		ControllerID:    r.URL.Query().Get("controller"),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := model.ParseStatus(strings.TrimSpace(part))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	if raw := r.URL.Query().Get("priority"); raw != "" {
		p := model.Priority(raw)
		if !p.Valid() {
			http.Error(w, fmt.Sprintf("invalid priority %q", raw), http.StatusBadRequest)
			return
		}
		q.Priority = p
	}
	var err error
	if q.Offset, err = queryInt(r, "offset"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tasks := a.tasks.QueryTasks(q)
	if tasks == nil {
		tasks = []*model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// taskStats handles GET /api/v1/tasks/stats
func (a *api) taskStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.tasks.GetTaskStats())
}

// getTask handles GET /api/v1/tasks/{taskID}
func (a *api) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	task, err := a.tasks.GetTask(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelTask handles POST /api/v1/tasks/{taskID}/cancel
func (a *api) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	task, err := a.tasks.CancelTask(id, req.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// forceRetry handles POST /api/v1/tasks/{taskID}/force-retry
func (a *api) forceRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	task, err := a.supervisor.ForceRetry(id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// agentMetrics handles GET /api/v1/metrics/agent
func (a *api) agentMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.agent.Metrics())
}

// supervisorMetrics handles GET /api/v1/metrics/supervisor
func (a *api) supervisorMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.supervisor.Metrics())
}

type controllerView struct {
	ID                  string   `json:"id"`
	Activities          []string `json:"activities"`
	Healthy             bool     `json:"healthy"`
	LastCheck           *string  `json:"lastCheck,omitempty"`
	ConsecutiveFailures int      `json:"consecutiveFailures"`
	Error               string   `json:"error,omitempty"`
}

// listControllers handles GET /api/v1/controllers. Gateway inventory merged
// with the supervisor's health view.
func (a *api) listControllers(w http.ResponseWriter, r *http.Request) {
	infos, err := a.controllers.ListControllers(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list controllers: %v", err), http.StatusBadGateway)
		return
	}
	health := a.supervisor.ControllerHealthSnapshot()

	views := make([]controllerView, 0, len(infos))
	for _, info := range infos {
		view := controllerView{
			ID:         info.ID,
			Activities: info.Activities,
			// Not yet probed counts as healthy.
			Healthy: true,
		}
		if h, ok := health[info.ID]; ok {
			view.Healthy = h.Healthy
			view.ConsecutiveFailures = h.ConsecutiveFailures
			view.Error = h.Error
			if !h.LastCheck.IsZero() {
				ts := h.LastCheck.UTC().Format(time.RFC3339)
				view.LastCheck = &ts
			}
		}
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"controllers": views,
		"count":       len(views),
	})
}

// cancelRun handles POST /api/v1/runs/{runID}/cancel
func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req cancelRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "experiment run cancelled"
	}

	cancelled := a.supervisor.CancelAllPending(runID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     runID,
		"cancelled": cancelled,
	})
}

type archiveRequest struct {
	MaxAgeHours *int `json:"maxAgeHours"`
}

// archive handles POST /api/v1/archive
func (a *api) archive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	maxAge := a.config.MaxAgeHours
	if req.MaxAgeHours != nil {
		if *req.MaxAgeHours < 0 {
			http.Error(w, "maxAgeHours must not be negative", http.StatusBadRequest)
			return
		}
		maxAge = *req.MaxAgeHours
	}

	archived, err := a.tasks.ArchiveTerminal(a.config.ArchiveDir, time.Duration(maxAge)*time.Hour)
	if err != nil {
		http.Error(w, fmt.Sprintf("archive: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"archived": archived,
	})
}
