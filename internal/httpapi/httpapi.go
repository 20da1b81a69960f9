// Package httpapi exposes the polling core's observability and manual-run
// surface over plain net/http, the same mux.HandleFunc style the teacher's
// orchestrator used for its own /v1/workflows and /v1/run routes.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gponmesh/pollengine/internal/pollcore"
	"github.com/gponmesh/pollengine/internal/resilience"
	"github.com/gponmesh/pollengine/internal/store"
)

// Engine is the narrow slice of *pollcore.Engine the HTTP layer needs.
type Engine interface {
	Stats() pollcore.Stats
	StartPollers() int
	Running() bool
	PeekQueue(n int) []pollcore.QueuedNode
	EnqueueManualRun(ctx context.Context, node store.WorkflowNode) (pollcore.DispatchOutcome, error)
}

// Server wires the /pollers* routes onto a *http.ServeMux.
type Server struct {
	engine Engine
	store  *store.Store
	limit  *resilience.RateLimiter
	log    *slog.Logger
}

// New constructs the HTTP surface. limit gates every GET /pollers* route; a
// nil limit disables rate limiting (used by tests).
func New(engine Engine, st *store.Store, limit *resilience.RateLimiter, log *slog.Logger) *Server {
	return &Server{engine: engine, store: st, limit: limit, log: log}
}

// Register attaches every /pollers* route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/pollers", s.withRateLimit(s.handlePollers))
	mux.HandleFunc("/pollers/queue", s.withRateLimit(s.handleQueue))
	mux.HandleFunc("/pollers/stats", s.withRateLimit(s.handleStats))
	mux.HandleFunc("/pollers/nodes/", s.handleNodeRun)
}

func (s *Server) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if s.limit != nil && !s.limit.Allow() {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

type slotView struct {
	SlotID             int     `json:"slot_id"`
	Status             string  `json:"status"`
	BusyPercentage     float64 `json:"busy_percentage"`
	TasksCompleted     int64   `json:"tasks_completed"`
	CurrentNodeID      string  `json:"current_node_id,omitempty"`
	CurrentExecutionID string  `json:"current_execution_id,omitempty"`
}

// handlePollers implements GET /pollers: one row per worker slot (§6). The
// response is the slot array only; global stats are served by GET
// /pollers/stats, not here.
func (s *Server) handlePollers(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	views := make([]slotView, 0, len(st.Slots))
	for _, snap := range st.Slots {
		v := slotView{
			SlotID:         snap.ID,
			Status:         snap.Status.String(),
			TasksCompleted: snap.TasksCompleted,
			CurrentExecutionID: snap.CurrentExecID,
		}
		if snap.TotalTime > 0 {
			v.BusyPercentage = 100 * snap.BusyTime.Seconds() / snap.TotalTime.Seconds()
		}
		if snap.CurrentNodeID != "" {
			v.CurrentNodeID = snap.CurrentNodeID
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

type queueNodeView struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	OLT         string  `json:"olt"`
	Status      string  `json:"status"`
	Delayed     bool    `json:"delayed"`
	Priority    int     `json:"priority"`
	ExecutionID string  `json:"execution_id,omitempty"`
	NextRunAt   *string `json:"next_run_at,omitempty"`
}

type queueView struct {
	Size       int             `json:"size"`
	MaxSize    int             `json:"max_size"`
	IsOverload bool            `json:"is_overload"`
	NextNodes  []queueNodeView `json:"next_nodes"`
}

// handleQueue implements GET /pollers/queue: the bounded priority backlog,
// capped at a readable preview of the head (§6). next_nodes lists queued
// nodes only (status "queued", no execution_id); running executions are
// not included.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	const previewSize = 20
	st := s.engine.Stats()
	queued := s.engine.PeekQueue(previewSize)
	nodes := make([]queueNodeView, 0, len(queued))
	for _, q := range queued {
		v := queueNodeView{
			ID:       q.ID,
			Name:     q.Name,
			OLT:      q.OLTID,
			Status:   "queued",
			Delayed:  q.Delayed,
			Priority: q.Priority,
		}
		if q.NextRunAt != nil {
			ts := q.NextRunAt.Format(time.RFC3339)
			v.NextRunAt = &ts
		}
		nodes = append(nodes, v)
	}
	view := queueView{
		Size:       st.QueueSize,
		MaxSize:    st.QueueMaxSize,
		IsOverload: st.IsOverload,
		NextNodes:  nodes,
	}
	writeJSON(w, http.StatusOK, view)
}

type statsView struct {
	TotalPollers        int     `json:"total_pollers"`
	FreePollers         int     `json:"free_pollers"`
	BusyPollers         int     `json:"busy_pollers"`
	BusyPercentage      float64 `json:"busy_percentage"`
	QueueSize           int     `json:"queue_size"`
	IsSaturated         bool    `json:"is_saturated"`
	IsOverload          bool    `json:"is_overload"`
	TotalTasksCompleted int64   `json:"total_tasks_completed"`
	TotalTasksDelayed   int64   `json:"total_tasks_delayed"`
	SchedulerRunning    bool    `json:"scheduler_running"`
	StartPollers        int     `json:"start_pollers"`
}

// handleStats implements GET /pollers/stats: the pool-wide summary (§6).
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	view := statsView{
		TotalPollers:        st.TotalSlots,
		FreePollers:         st.FreeSlots,
		BusyPollers:         st.BusySlots,
		BusyPercentage:      st.BusyPercentage,
		QueueSize:           st.QueueSize,
		IsSaturated:         st.IsSaturated,
		IsOverload:          st.IsOverload,
		TotalTasksCompleted: st.TasksCompleted,
		TotalTasksDelayed:   st.TasksDelayed,
		SchedulerRunning:    s.engine.Running(),
		StartPollers:        s.engine.StartPollers(),
	}
	writeJSON(w, http.StatusOK, view)
}

// handleNodeRun implements POST /pollers/nodes/{id}/run: manually dispatches
// a master node outside the normal tick cadence. Chain-only nodes are
// rejected with 400 (§6).
func (s *Server) handleNodeRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	const prefix = "/pollers/nodes/"
	const suffix = "/run"
	path := r.URL.Path
	if len(path) <= len(prefix)+len(suffix) || path[len(path)-len(suffix):] != suffix {
		http.NotFound(w, r)
		return
	}
	nodeID := path[len(prefix) : len(path)-len(suffix)]
	if nodeID == "" {
		http.NotFound(w, r)
		return
	}

	node, ok := s.store.GetNode(nodeID)
	if !ok {
		http.Error(w, "node not found", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	outcome, err := s.engine.EnqueueManualRun(ctx, node)
	if err != nil {
		s.log.Error("httpapi: manual run failed", "node_id", nodeID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if outcome.Kind == pollcore.Rejected {
		http.Error(w, outcome.Reason, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": outcome.Kind.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
