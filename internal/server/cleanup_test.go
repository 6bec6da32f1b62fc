// internal/server/cleanup_test.go
package server

import (
	"testing"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/events"
)

type recordingJanitor struct {
	calls []time.Duration
}

func (r *recordingJanitor) Cleanup(olderThan time.Duration) error {
	r.calls = append(r.calls, olderThan)
	return nil
}

func TestRunOnceMarksStaleAgentsLost(t *testing.T) {
	dir := agents.NewDirectory()
	bus := events.NewBus(nil)
	svc := NewCleanupService(dir, bus, nil)
	svc.SetIntervals(time.Second, time.Minute)

	ch := bus.Subscribe("all", []events.EventType{events.EventAgentLost})

	fresh := dir.Register("fresh", nil, false)
	stale := dir.Register("stale", nil, false)
	stale.LastHeartbeat = time.Now().Add(-90 * time.Second)
	dir.Adopt(stale)

	if touched := svc.RunOnce(); touched != 1 {
		t.Errorf("touched = %d, want 1", touched)
	}

	got, _ := dir.Get(stale.ID)
	if got.Status != agents.StatusDead {
		t.Errorf("stale agent status = %s, want dead", got.Status)
	}
	got, _ = dir.Get(fresh.ID)
	if got.Status == agents.StatusDead {
		t.Error("fresh agent was marked dead")
	}

	select {
	case e := <-ch:
		if e.Payload["agent_id"] != stale.ID {
			t.Errorf("event agent_id = %v, want %s", e.Payload["agent_id"], stale.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("agent_lost event not published")
	}
}

func TestRunOnceRemovesLongDeadAgents(t *testing.T) {
	dir := agents.NewDirectory()
	svc := NewCleanupService(dir, nil, nil)
	svc.SetIntervals(time.Second, time.Minute)

	gone := dir.Register("gone", nil, false)
	gone.LastHeartbeat = time.Now().Add(-90 * time.Second)
	dir.Adopt(gone)

	// The first sweep marks it dead but keeps it inside the grace
	// window.
	svc.RunOnce()
	if _, err := dir.Get(gone.ID); err != nil {
		t.Fatal("agent removed before its grace window")
	}

	// Once the silence stretches past twice the threshold the agent is
	// removed for good.
	gone.Status = agents.StatusDead
	gone.LastHeartbeat = time.Now().Add(-5 * time.Minute)
	dir.Adopt(gone)
	svc.RunOnce()
	if _, err := dir.Get(gone.ID); err == nil {
		t.Error("long-dead agent still registered")
	}
}

func TestRunOnceKeepsPinnedAgents(t *testing.T) {
	dir := agents.NewDirectory()
	svc := NewCleanupService(dir, nil, nil)
	svc.SetIntervals(time.Second, time.Minute)

	pinned := dir.Register("producer", nil, true)
	pinned.LastHeartbeat = time.Now().Add(-time.Hour)
	dir.Adopt(pinned)

	svc.RunOnce()
	svc.RunOnce()

	got, err := dir.Get(pinned.ID)
	if err != nil {
		t.Fatal("pinned agent was removed")
	}
	if got.Status != agents.StatusDead {
		t.Errorf("pinned agent status = %s, want dead but kept", got.Status)
	}
}

func TestDeadAgentRevivesOnHeartbeat(t *testing.T) {
	dir := agents.NewDirectory()
	svc := NewCleanupService(dir, nil, nil)
	svc.SetIntervals(time.Second, time.Minute)

	a := dir.Register("lazarus", nil, false)
	a.LastHeartbeat = time.Now().Add(-90 * time.Second)
	dir.Adopt(a)
	svc.RunOnce()

	if err := dir.Heartbeat(a.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := dir.Get(a.ID)
	if got.Status == agents.StatusDead {
		t.Error("heartbeat did not revive the agent")
	}

	// Revived agents are not removed by the next sweep.
	svc.RunOnce()
	if _, err := dir.Get(a.ID); err != nil {
		t.Error("revived agent was removed")
	}
}

func TestRunOncePrunesEventStore(t *testing.T) {
	janitor := &recordingJanitor{}
	svc := NewCleanupService(agents.NewDirectory(), nil, janitor)

	svc.RunOnce()
	if len(janitor.calls) != 1 {
		t.Fatalf("janitor calls = %d, want 1", len(janitor.calls))
	}
	if janitor.calls[0] != 24*time.Hour {
		t.Errorf("retention = %v, want 24h", janitor.calls[0])
	}
}
