package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/clipforge/internal/agent"
	"github.com/mtzanidakis/clipforge/internal/pool"
	"github.com/mtzanidakis/clipforge/internal/registry"
	"github.com/mtzanidakis/clipforge/internal/schedule"
	"github.com/mtzanidakis/clipforge/internal/scheduler"
	"github.com/mtzanidakis/clipforge/internal/trigger"
	"github.com/mtzanidakis/clipforge/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Workflows
	mux.HandleFunc("POST /api/workflows", s.createWorkflow)
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.cancelWorkflow)
	mux.HandleFunc("GET /api/archive", s.listArchive)

	// Agents and pool
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("GET /api/pool", s.getPool)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/pause", s.pauseSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/resume", s.resumeSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("PUT /api/secrets/{name}", s.putSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	run, err := s.deps.Scheduler.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusAccepted, run)
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := workflow.Filter{
		Status: workflow.RunStatus(q.Get("status")),
		Mode:   workflow.Mode(q.Get("mode")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}
	jsonResponse(w, s.deps.Scheduler.List(f))
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Scheduler.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Scheduler.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, run)
}

func (s *Server) listArchive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Archive == nil {
		jsonResponse(w, []*workflow.Run{})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.deps.Archive.List(workflow.RunStatus(r.URL.Query().Get("status")), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*workflow.Run{}
	}
	jsonResponse(w, runs)
}

// agentView is the agents endpoint entry. With the pool enabled the status
// is derived from the slots of the type.
type agentView struct {
	registry.AgentStatus
	Pool *pool.TypeStats `json:"pool,omitempty"`
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	statuses := s.deps.Registry.Status()
	var stats map[agent.Type]pool.TypeStats
	if s.deps.Pool != nil {
		stats = s.deps.Pool.Stats()
	}

	out := make(map[agent.Type]agentView, len(statuses))
	for t, st := range statuses {
		v := agentView{AgentStatus: st}
		if ps, ok := stats[t]; ok {
			v.Pool = &ps
			v.Status, v.CurrentTask = poolStatus(ps)
		}
		out[t] = v
	}
	jsonResponse(w, out)
}

func poolStatus(ps pool.TypeStats) (agent.Status, string) {
	for _, d := range ps.Details {
		if d.Busy {
			return agent.StatusRunning, d.CurrentTask
		}
	}
	if ps.Healthy == 0 {
		return agent.StatusError, ""
	}
	return agent.StatusIdle, ""
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool == nil {
		jsonResponse(w, map[string]any{"enabled": false})
		return
	}
	jsonResponse(w, map[string]any{"enabled": true, "agents": s.deps.Pool.Stats()})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts := make(map[workflow.RunStatus]int)
	for _, run := range s.deps.Scheduler.List(workflow.Filter{}) {
		counts[run.Status]++
	}

	natsStatus := "disabled"
	if s.deps.Bus != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"uptime":    formatUptime(time.Since(s.startedAt)),
		"workflows": counts,
		"agents":    s.deps.Registry.Len(),
		"pool":      s.deps.Pool != nil,
		"nats":      natsStatus,
		"clients":   s.hub.Len(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonResponse(w, []any{})
		return
	}
	schedules, err := s.deps.Store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		desc := sc.Schedule
		if spec, err := schedule.Parse(sc.Schedule); err == nil {
			desc = spec.Describe()
		}
		out = append(out, map[string]any{
			"id":               sc.ID,
			"name":             sc.Name,
			"schedule":         desc,
			"prompt":           sc.Prompt,
			"mode":             sc.Mode,
			"platforms":        sc.Platforms,
			"status":           sc.Status,
			"next_run_at":      sc.NextRunAt,
			"last_run_at":      sc.LastRunAt,
			"last_status":      sc.LastStatus,
			"last_error":       sc.LastError,
			"last_workflow_id": sc.LastWorkflowID,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		jsonError(w, "schedules are disabled", http.StatusServiceUnavailable)
		return
	}
	var in trigger.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sc, err := s.deps.Trigger.Create(in)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, http.StatusCreated, sc)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleStatus(w, r.PathValue("id"), trigger.StatusPaused)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleStatus(w, r.PathValue("id"), trigger.StatusActive)
}

func (s *Server) setScheduleStatus(w http.ResponseWriter, id, status string) {
	if s.deps.Store == nil {
		jsonError(w, "schedules are disabled", http.StatusServiceUnavailable)
		return
	}
	sc, err := s.deps.Store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sc == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}
	if err := s.deps.Store.UpdateScheduleStatus(id, status); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"id": id, "status": status})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		jsonError(w, "schedules are disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.deps.Store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrInvalidRequest),
		errors.Is(err, schedule.ErrInvalid),
		errors.Is(err, trigger.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, workflow.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, scheduler.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	jsonError(w, err.Error(), code)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
