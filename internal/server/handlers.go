package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/WORKHIVE/internal/scheduler"
	"github.com/WORKHIVE/internal/work"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades to WebSocket and manages the connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, WebSocketBufferSize),
	}
	s.hub.Register(client)

	// Send the latest snapshot immediately so clients render state
	// before the first event arrives.
	if s.deps.Collector != nil {
		data, _ := json.Marshal(WSMessage{Type: WSTypeSnapshot, Data: s.deps.Collector.Latest()})
		client.send <- data
	}

	go client.readPump()
	go client.writePump()
}

// submitWorkRequest is the POST /api/work body
type submitWorkRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Kind           string     `json:"kind"`
	Complexity     string     `json:"complexity"`
	Priority       string     `json:"priority"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
}

// BuildWorkItem turns a submission into a validated work item. Shared
// with the NATS bridge so both ingress paths behave identically.
func BuildWorkItem(req submitWorkRequest) (*work.WorkItem, error) {
	priority := work.Priority(req.Priority)
	if priority == "" {
		priority = work.PriorityMedium
	}
	complexity := work.Complexity(req.Complexity)

	var item *work.WorkItem
	switch work.Kind(req.Kind) {
	case work.KindTask, "":
		item = work.NewTask(req.Name, req.Description, priority)
	case work.KindTodo:
		if complexity == "" {
			complexity = work.ComplexityMedium
		}
		item = work.NewTodo(req.Name, req.Description, complexity, priority)
	case work.KindComplexTodo:
		if complexity == "" {
			complexity = work.ComplexityHigh
		}
		item = work.NewComplexTodo(req.Name, req.Description, complexity, priority)
	default:
		return nil, errors.New("unknown kind: " + req.Kind)
	}

	item.EstimatedHours = req.EstimatedHours
	item.Deadline = req.Deadline
	item.Dependencies = append([]string(nil), req.Dependencies...)
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// handleSubmitWork accepts a new work item
func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	var req submitWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	item, err := BuildWorkItem(req)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Dispatcher.Submit(item); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, work.ErrDuplicate) {
			status = http.StatusConflict
		} else if errors.Is(err, work.ErrValidation) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err.Error())
		return
	}

	s.respondCreated(w, item)
}

// handleListWork lists items, optionally filtered by status or kind
func (s *Server) handleListWork(w http.ResponseWriter, r *http.Request) {
	var items []*work.WorkItem
	switch {
	case r.URL.Query().Get("status") != "":
		items = s.deps.Registry.ByStatus(work.Status(r.URL.Query().Get("status")))
	case r.URL.Query().Get("kind") != "":
		items = s.deps.Registry.ByKind(work.Kind(r.URL.Query().Get("kind")))
	default:
		items = s.deps.Registry.All()
	}
	s.respondJSON(w, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// handleGetWork returns one item by id
func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Registry.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, item)
}

// handleCancelWork cancels a live item
func (s *Server) handleCancelWork(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy string `json:"cancelled_by"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	if req.CancelledBy == "" {
		req.CancelledBy = "api"
	}

	if err := s.deps.Dispatcher.CancelItem(mux.Vars(r)["id"], req.CancelledBy); err != nil {
		status := http.StatusConflict
		if errors.Is(err, work.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, map[string]bool{"success": true})
}

// scheduleJobRequest is the POST /api/jobs body
type scheduleJobRequest struct {
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	PriorityScore        int        `json:"priority_score"`
	EstimatedMinutes     int        `json:"estimated_minutes"`
	Deadline             *time.Time `json:"deadline,omitempty"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	MaxRetries           int        `json:"max_retries,omitempty"`
}

// handleScheduleJob admits a job onto the job plane
func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.respondError(w, http.StatusServiceUnavailable, "job plane not enabled")
		return
	}
	var req scheduleJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	job := scheduler.NewJob(req.Name, req.Description, req.PriorityScore, req.EstimatedMinutes)
	job.Deadline = req.Deadline
	job.Dependencies = append([]string(nil), req.Dependencies...)
	job.RequiredCapabilities = append([]string(nil), req.RequiredCapabilities...)
	job.MaxRetries = req.MaxRetries

	id, err := s.deps.Scheduler.Schedule(job)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, work.ErrValidation) {
			status = http.StatusBadRequest
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondCreated(w, map[string]string{"job_id": id})
}

// handleGetJob returns one job by id
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.respondError(w, http.StatusServiceUnavailable, "job plane not enabled")
		return
	}
	job, err := s.deps.Scheduler.Get(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, job)
}

// handleCancelJob cancels a queued or delayed job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Scheduler == nil {
		s.respondError(w, http.StatusServiceUnavailable, "job plane not enabled")
		return
	}
	if err := s.deps.Scheduler.Cancel(mux.Vars(r)["id"]); err != nil {
		status := http.StatusConflict
		if errors.Is(err, work.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.respondError(w, status, err.Error())
		return
	}
	s.respondJSON(w, map[string]bool{"success": true})
}

// handleListAgents lists registered agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Directory.List()
	s.respondJSON(w, map[string]interface{}{
		"agents": list,
		"count":  len(list),
	})
}

// handleRegisterAgent registers an external, pinned-capable agent
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
		Pinned       bool     `json:"pinned"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	agent := s.deps.Directory.Register(req.Name, req.Capabilities, req.Pinned)
	s.respondCreated(w, agent)
}

// handleAgentHeartbeat records a liveness signal
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Directory.Heartbeat(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, map[string]bool{"success": true})
}

// handleDeregisterAgent removes an agent
func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Directory.Deregister(mux.Vars(r)["id"]); err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, map[string]bool{"success": true})
}

// handleGetMetrics returns the latest snapshot
func (s *Server) handleGetMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, s.deps.Collector.Latest())
}

// handleGetMetricsHistory returns the snapshot history
func (s *Server) handleGetMetricsHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Collector.GetHistory()
	s.respondJSON(w, map[string]interface{}{
		"snapshots": history,
		"count":     len(history),
	})
}

// handleResetMetrics clears the snapshot history
func (s *Server) handleResetMetrics(w http.ResponseWriter, r *http.Request) {
	s.deps.Collector.ResetHistory()
	s.respondJSON(w, map[string]bool{"success": true})
}

// handleHealthCheck evaluates the latest snapshot against thresholds
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Collector.TakeSnapshot()
	health := s.deps.Health.Check(snap, s.staleAgentCount())

	status := http.StatusOK
	if health.Status == "critical" {
		status = http.StatusServiceUnavailable
	}
	w.WriteHeader(status)
	s.respondJSON(w, map[string]interface{}{
		"health":   health,
		"snapshot": snap,
	})
}

// handleGetStats returns daemon-level counters
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	completed, failed := s.deps.Dispatcher.Totals()
	stats := map[string]interface{}{
		"uptime_seconds":    int(time.Since(s.startTime).Seconds()),
		"items_total":       s.deps.Registry.Len(),
		"counts":            s.deps.Registry.Counts(),
		"parents_completed": completed,
		"parents_failed":    failed,
		"avg_processing_ms": s.deps.Dispatcher.AvgProcessing().Milliseconds(),
		"active_parents":    s.deps.Dispatcher.ActiveParents(),
		"ws_clients":        s.hub.ClientCount(),
	}
	if s.deps.Engine != nil {
		stats["cache"] = s.deps.Engine.CacheStats()
	}
	if s.deps.Scheduler != nil {
		jobsDone, jobsFailed := s.deps.Scheduler.Totals()
		stats["jobs_queued"] = s.deps.Scheduler.QueueDepth()
		stats["jobs_running"] = s.deps.Scheduler.RunningCount()
		stats["jobs_completed"] = jobsDone
		stats["jobs_failed"] = jobsFailed
	}
	if s.deps.Scaler != nil {
		action, reason := s.deps.Scaler.LastAction()
		stats["scaler_last_action"] = action
		stats["scaler_last_reason"] = reason
	}
	s.respondJSON(w, stats)
}

// Helper functions
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// respondCreated writes a 201 with a JSON body. The Content-Type must
// be set before WriteHeader or net/http sniffs the body as text/plain.
func (s *Server) respondCreated(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
