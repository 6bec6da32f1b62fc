package server

import (
	"context"
	"log"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/events"
)

// EventJanitor is the subset of the event store the sweeper prunes
type EventJanitor interface {
	Cleanup(olderThan time.Duration) error
}

// CleanupService sweeps the agent directory for missed heartbeats and
// prunes delivered events from the store. Agents marked dead get one
// grace interval to heartbeat back before they are removed.
type CleanupService struct {
	dir    *agents.Directory
	bus    *events.Bus
	events EventJanitor

	checkInterval  time.Duration
	staleThreshold time.Duration
	eventRetention time.Duration
}

// NewCleanupService creates a cleanup service. janitor may be nil when
// events are not persisted.
func NewCleanupService(dir *agents.Directory, bus *events.Bus, janitor EventJanitor) *CleanupService {
	return &CleanupService{
		dir:            dir,
		bus:            bus,
		events:         janitor,
		checkInterval:  30 * time.Second,
		staleThreshold: 90 * time.Second,
		eventRetention: 24 * time.Hour,
	}
}

// SetIntervals configures the check interval and stale threshold
func (c *CleanupService) SetIntervals(check, stale time.Duration) {
	c.checkInterval = check
	c.staleThreshold = stale
}

// Start begins the cleanup loop
func (c *CleanupService) Start(ctx context.Context) {
	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	log.Println("[CLEANUP] Sweep service started")

	for {
		select {
		case <-ctx.Done():
			log.Println("[CLEANUP] Sweep service stopped")
			return
		case <-ticker.C:
			c.RunOnce()
		}
	}
}

// RunOnce performs a single sweep cycle and returns how many agents
// were marked lost or removed.
func (c *CleanupService) RunOnce() int {
	touched := 0

	// Freshly stale agents get an agent_lost event; a later heartbeat
	// revives them through the directory.
	for _, id := range c.dir.SweepStale(c.staleThreshold) {
		log.Printf("[CLEANUP] Agent %s missed its heartbeat window, marked dead", id)
		touched++
		if c.bus != nil {
			c.bus.Publish(events.NewEvent(events.EventAgentLost, "cleanup", "all",
				events.PriorityHigh, map[string]interface{}{"agent_id": id}))
		}
	}

	// Agents dead past a second threshold are removed for good.
	removeCutoff := time.Now().Add(-2 * c.staleThreshold)
	for _, a := range c.dir.List() {
		if a.Status != agents.StatusDead || a.Pinned {
			continue
		}
		if a.LastHeartbeat.After(removeCutoff) {
			continue
		}
		if err := c.dir.Deregister(a.ID); err == nil {
			log.Printf("[CLEANUP] Removed dead agent %s", a.ID)
			touched++
		}
	}

	if c.events != nil {
		if err := c.events.Cleanup(c.eventRetention); err != nil {
			log.Printf("[CLEANUP] Event store cleanup failed: %v", err)
		}
	}

	return touched
}
