package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/breakdown"
	"github.com/WORKHIVE/internal/dispatch"
	"github.com/WORKHIVE/internal/events"
	"github.com/WORKHIVE/internal/metrics"
	"github.com/WORKHIVE/internal/registry"
	"github.com/WORKHIVE/internal/scaler"
	"github.com/WORKHIVE/internal/scheduler"
)

// Deps are the daemon subsystems the HTTP surface exposes
type Deps struct {
	Registry   *registry.Registry
	Directory  *agents.Directory
	Dispatcher *dispatch.Dispatcher
	Engine     *breakdown.Engine
	Scheduler  *scheduler.Scheduler
	Scaler     *scaler.Scaler
	Collector  metrics.Collector
	Health     *metrics.HealthChecker
	Bus        *events.Bus

	// StaleThreshold bounds how long an agent may miss heartbeats
	// before the health endpoint counts it stale.
	StaleThreshold time.Duration
}

// Server is the HTTP and websocket front of the daemon
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	deps       Deps

	startTime time.Time
	stopChan  chan struct{}
}

// NewServer creates the server and wires its routes
func NewServer(deps Deps) *Server {
	if deps.StaleThreshold == 0 {
		deps.StaleThreshold = 90 * time.Second
	}

	s := &Server{
		hub:       NewHub(),
		deps:      deps,
		startTime: time.Now(),
		stopChan:  make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(RequestLogMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()

	// Work item lifecycle
	api.HandleFunc("/work", s.handleSubmitWork).Methods("POST")
	api.HandleFunc("/work", s.handleListWork).Methods("GET")
	api.HandleFunc("/work/{id}", s.handleGetWork).Methods("GET")
	api.HandleFunc("/work/{id}/cancel", s.handleCancelWork).Methods("POST")
	api.HandleFunc("/work/{id}", s.handleCancelWork).Methods("DELETE")

	// Job plane
	api.HandleFunc("/jobs", s.handleScheduleJob).Methods("POST")
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods("DELETE")

	// Agent directory
	api.HandleFunc("/agents", s.handleListAgents).Methods("GET")
	api.HandleFunc("/agents", s.handleRegisterAgent).Methods("POST")
	api.HandleFunc("/agents/register", s.handleRegisterAgent).Methods("POST")
	api.HandleFunc("/agents/{id}/heartbeat", s.handleAgentHeartbeat).Methods("POST")
	api.HandleFunc("/agents/{id}", s.handleDeregisterAgent).Methods("DELETE")

	// Observability
	api.HandleFunc("/metrics", s.handleGetMetrics).Methods("GET")
	api.HandleFunc("/metrics/history", s.handleGetMetricsHistory).Methods("GET")
	api.HandleFunc("/metrics/reset", s.handleResetMetrics).Methods("POST")
	api.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	api.HandleFunc("/stats", s.handleGetStats).Methods("GET")

	// WebSocket event feed
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Start runs the hub, the event pump and the HTTP listener. Blocks
// until the listener stops.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go s.hub.Run()
	go s.pumpEvents()

	log.Printf("[HTTP] API listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the listener and the hub
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	s.hub.Stop()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Hub exposes the websocket hub so the daemon can push snapshots
func (s *Server) Hub() *Hub {
	return s.hub
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// pumpEvents forwards every bus event to connected websocket clients
func (s *Server) pumpEvents() {
	if s.deps.Bus == nil {
		return
	}
	ch := s.deps.Bus.Subscribe("all", nil)
	defer s.deps.Bus.Unsubscribe("all", ch)

	for {
		select {
		case <-s.stopChan:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(event)
		}
	}
}

// staleAgentCount counts agents past the heartbeat threshold
func (s *Server) staleAgentCount() int {
	if s.deps.Directory == nil {
		return 0
	}
	n := 0
	cutoff := time.Now().Add(-s.deps.StaleThreshold)
	for _, a := range s.deps.Directory.List() {
		if a.Status == agents.StatusDead || a.LastHeartbeat.Before(cutoff) {
			n++
		}
	}
	return n
}
