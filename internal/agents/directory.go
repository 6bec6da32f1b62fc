// internal/agents/directory.go
package agents

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WORKHIVE/internal/work"
)

// Status represents an agent's availability
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusDraining  Status = "draining"
	StatusDead      Status = "dead"
)

// Agent is a logical executor registered with the scheduler
type Agent struct {
	ID             string    `json:"agent_id"`
	Name           string    `json:"name"`
	Capabilities   []string  `json:"capabilities"`
	CurrentTaskIDs []string  `json:"current_task_ids,omitempty"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`
	// Pinned agents are producer-registered and never removed by the
	// auto-scaler.
	Pinned bool `json:"pinned,omitempty"`
}

// HasCapabilities reports whether the agent meets at least the given
// fraction of the required capability set.
func (a *Agent) HasCapabilities(required []string, overlapFraction float64) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = true
	}
	matched := 0
	for _, c := range required {
		if have[c] {
			matched++
		}
	}
	return float64(matched)/float64(len(required)) >= overlapFraction
}

// Directory is the registry of live agents
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewDirectory creates an empty agent directory
func NewDirectory() *Directory {
	return &Directory{agents: make(map[string]*Agent)}
}

// NewAgentID generates an id of the form agent_<8-hex>
func NewAgentID() string {
	u := uuid.New()
	return fmt.Sprintf("agent_%x", u[:4])
}

// Register adds a new agent and returns its id
func (d *Directory) Register(name string, capabilities []string, pinned bool) *Agent {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	agent := &Agent{
		ID:            NewAgentID(),
		Name:          name,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        StatusAvailable,
		LastHeartbeat: now,
		RegisteredAt:  now,
		Pinned:        pinned,
	}
	d.agents[agent.ID] = agent
	return cloneAgent(agent)
}

// Heartbeat records a liveness signal. Timestamps are monotonic: a
// heartbeat never moves LastHeartbeat backwards.
func (d *Directory) Heartbeat(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("%w: agent %s", work.ErrNotFound, id)
	}
	if now := time.Now(); now.After(agent.LastHeartbeat) {
		agent.LastHeartbeat = now
	}
	if agent.Status == StatusDead {
		agent.Status = StatusAvailable
	}
	return nil
}

// Adopt inserts an agent record as-is, keeping its id, status and
// heartbeat timestamp. Used when restoring a persisted snapshot.
func (d *Directory) Adopt(a *Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = cloneAgent(a)
}

// Deregister removes an agent
func (d *Directory) Deregister(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.agents[id]; !ok {
		return fmt.Errorf("%w: agent %s", work.ErrNotFound, id)
	}
	delete(d.agents, id)
	return nil
}

// Get returns a copy of the agent
func (d *Directory) Get(id string) (*Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	agent, ok := d.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", work.ErrNotFound, id)
	}
	return cloneAgent(agent), nil
}

// List returns copies of all agents, ordered by id for stable output
func (d *Directory) List() []*Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of registered agents
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

// CountBusy returns how many agents currently hold tasks
func (d *Directory) CountBusy() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, a := range d.agents {
		if a.Status == StatusBusy {
			n++
		}
	}
	return n
}

// AvailableFor counts available agents meeting the full capability set,
// feeding the priority scorer's resource factor.
func (d *Directory) AvailableFor(required []string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, a := range d.agents {
		if a.Status == StatusAvailable && a.HasCapabilities(required, 1.0) {
			n++
		}
	}
	return n
}

// PickFor selects an available agent meeting the overlap fraction for
// the required capabilities, preferring the least loaded.
func (d *Directory) PickFor(required []string, overlapFraction float64) (*Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best *Agent
	for _, a := range d.agents {
		if a.Status != StatusAvailable && a.Status != StatusBusy {
			continue
		}
		if !a.HasCapabilities(required, overlapFraction) {
			continue
		}
		if best == nil ||
			len(a.CurrentTaskIDs) < len(best.CurrentTaskIDs) ||
			(len(a.CurrentTaskIDs) == len(best.CurrentTaskIDs) && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return nil, false
	}
	return cloneAgent(best), true
}

// AssignTask records that the agent took a task
func (d *Directory) AssignTask(agentID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", work.ErrNotFound, agentID)
	}
	agent.CurrentTaskIDs = append(agent.CurrentTaskIDs, taskID)
	agent.Status = StatusBusy
	return nil
}

// ReleaseTask removes a task from the agent's plate
func (d *Directory) ReleaseTask(agentID, taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	agent, ok := d.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", work.ErrNotFound, agentID)
	}
	for i, id := range agent.CurrentTaskIDs {
		if id == taskID {
			agent.CurrentTaskIDs = append(agent.CurrentTaskIDs[:i], agent.CurrentTaskIDs[i+1:]...)
			break
		}
	}
	if len(agent.CurrentTaskIDs) == 0 && agent.Status == StatusBusy {
		agent.Status = StatusAvailable
	}
	return nil
}

// PickIdle returns an idle, unpinned agent for scale-down, preferring
// the most recently registered one.
func (d *Directory) PickIdle() (*Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var pick *Agent
	for _, a := range d.agents {
		if a.Pinned || a.Status != StatusAvailable || len(a.CurrentTaskIDs) > 0 {
			continue
		}
		if pick == nil || a.RegisteredAt.After(pick.RegisteredAt) {
			pick = a
		}
	}
	if pick == nil {
		return nil, false
	}
	return cloneAgent(pick), true
}

// SweepStale marks agents dead whose last heartbeat is older than the
// threshold and returns their ids.
func (d *Directory) SweepStale(threshold time.Duration) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	var stale []string
	for _, a := range d.agents {
		if a.Status == StatusDead {
			continue
		}
		if now.Sub(a.LastHeartbeat) > threshold {
			a.Status = StatusDead
			stale = append(stale, a.ID)
		}
	}
	sort.Strings(stale)
	return stale
}

func cloneAgent(a *Agent) *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.CurrentTaskIDs = append([]string(nil), a.CurrentTaskIDs...)
	return &c
}
