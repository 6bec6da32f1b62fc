// internal/scaler/scaler.go
package scaler

import (
	"log"
	"sync"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/events"
)

// Action is the outcome of one scaling decision
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
)

// Snapshot is the load observation one decision runs on
type Snapshot struct {
	Pending     int
	InProgress  int
	TotalAgents int
}

// Config holds the scaling thresholds
type Config struct {
	MinAgents       int
	MaxAgents       int
	TasksPerAgentUp int
	IdleFracDown    float64
	Cooldown        time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		MinAgents:       2,
		MaxAgents:       10,
		TasksPerAgentUp: 10,
		IdleFracDown:    0.5,
		Cooldown:        60 * time.Second,
	}
}

// Scaler is a closed-loop controller resizing the agent pool from
// pending-load and idle-fraction observations, rate limited by a
// cooldown so one burst cannot thrash the pool.
type Scaler struct {
	cfg Config
	dir *agents.Directory
	bus *events.Bus
	now func() time.Time

	mu            sync.Mutex
	lastScalingAt time.Time
	lastAction    Action
	lastReason    string
}

// New creates a scaler over the agent directory. bus may be nil.
func New(cfg Config, dir *agents.Directory, bus *events.Bus) *Scaler {
	if cfg.MaxAgents <= 0 {
		cfg = DefaultConfig()
	}
	return &Scaler{
		cfg:        cfg,
		dir:        dir,
		bus:        bus,
		now:        time.Now,
		lastAction: ActionHold,
	}
}

// Decide evaluates the thresholds against the snapshot without acting.
// A scale decision arms the cooldown even before Apply runs, so two
// back-to-back ticks cannot both fire.
func (s *Scaler) Decide(snap Snapshot) (Action, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.lastScalingAt.IsZero() && now.Sub(s.lastScalingAt) < s.cfg.Cooldown {
		return ActionHold, "cooldown"
	}

	busy := snap.InProgress
	idle := snap.TotalAgents - busy
	if idle < 0 {
		idle = 0
	}

	if snap.TotalAgents > 0 &&
		float64(snap.Pending)/float64(snap.TotalAgents) > float64(s.cfg.TasksPerAgentUp) &&
		snap.TotalAgents < s.cfg.MaxAgents {
		s.lastScalingAt = now
		return ActionScaleUp, "pending load per agent above threshold"
	}

	if snap.Pending == 0 &&
		snap.TotalAgents > 0 &&
		float64(idle)/float64(snap.TotalAgents) >= s.cfg.IdleFracDown &&
		snap.TotalAgents > s.cfg.MinAgents {
		s.lastScalingAt = now
		return ActionScaleDown, "idle fraction above threshold"
	}

	return ActionHold, ""
}

// Tick makes one decision and applies it to the directory
func (s *Scaler) Tick(snap Snapshot) Action {
	action, reason := s.Decide(snap)

	switch action {
	case ActionScaleUp:
		agent := s.dir.Register("worker", []string{"general_purpose"}, false)
		log.Printf("[SCALER] Scale up: added %s (%s)", agent.ID, reason)
		s.publish(action, reason, agent.ID)

	case ActionScaleDown:
		victim, ok := s.dir.PickIdle()
		if !ok {
			// Idleness was a precondition of the decision, but the
			// directory may have changed under us. Drop the action.
			action = ActionHold
			reason = "no removable idle agent"
			break
		}
		if err := s.dir.Deregister(victim.ID); err != nil {
			log.Printf("[SCALER] Deregister %s failed: %v", victim.ID, err)
			action = ActionHold
			break
		}
		log.Printf("[SCALER] Scale down: removed %s (%s)", victim.ID, reason)
		s.publish(action, reason, victim.ID)
	}

	s.mu.Lock()
	s.lastAction = action
	s.lastReason = reason
	s.mu.Unlock()
	return action
}

// LastAction returns the most recent decision for the metrics snapshot
func (s *Scaler) LastAction() (Action, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAction, s.lastReason
}

func (s *Scaler) publish(action Action, reason, agentID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewEvent(events.EventScaleAction, "scaler", "all", events.PriorityNormal, map[string]interface{}{
		"action":   string(action),
		"reason":   reason,
		"agent_id": agentID,
	}))
}
