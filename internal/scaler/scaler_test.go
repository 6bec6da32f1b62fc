// internal/scaler/scaler_test.go
package scaler

import (
	"testing"
	"time"

	"github.com/WORKHIVE/internal/agents"
)

func testScaler(dir *agents.Directory) (*Scaler, *time.Time) {
	cfg := Config{
		MinAgents:       2,
		MaxAgents:       5,
		TasksPerAgentUp: 3,
		IdleFracDown:    0.6,
		Cooldown:        10 * time.Second,
	}
	s := New(cfg, dir, nil)
	clock := time.Now()
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestScaleUpUnderLoad(t *testing.T) {
	dir := agents.NewDirectory()
	for i := 0; i < 3; i++ {
		dir.Register("w", []string{"general_purpose"}, false)
	}
	s, clock := testScaler(dir)

	snap := Snapshot{Pending: 15, InProgress: 3, TotalAgents: 3}
	if action := s.Tick(snap); action != ActionScaleUp {
		t.Fatalf("action = %s, want scale_up", action)
	}
	if dir.Count() != 4 {
		t.Errorf("agents = %d, want 4 after scale up", dir.Count())
	}

	// Within the cooldown every further call holds.
	*clock = clock.Add(5 * time.Second)
	if action := s.Tick(Snapshot{Pending: 50, InProgress: 3, TotalAgents: 4}); action != ActionHold {
		t.Errorf("action during cooldown = %s, want hold", action)
	}

	// After the cooldown the controller fires again.
	*clock = clock.Add(6 * time.Second)
	if action := s.Tick(Snapshot{Pending: 50, InProgress: 3, TotalAgents: 4}); action != ActionScaleUp {
		t.Errorf("action after cooldown = %s, want scale_up", action)
	}
}

func TestScaleDownWhenIdle(t *testing.T) {
	dir := agents.NewDirectory()
	for i := 0; i < 5; i++ {
		dir.Register("w", []string{"general_purpose"}, false)
	}
	s, _ := testScaler(dir)

	// idle = 4 of 5, idle fraction 0.8 >= 0.6.
	snap := Snapshot{Pending: 0, InProgress: 1, TotalAgents: 5}
	if action := s.Tick(snap); action != ActionScaleDown {
		t.Fatalf("action = %s, want scale_down", action)
	}
	if dir.Count() != 4 {
		t.Errorf("agents = %d, want 4 after scale down", dir.Count())
	}
}

func TestHoldAtMax(t *testing.T) {
	dir := agents.NewDirectory()
	for i := 0; i < 5; i++ {
		dir.Register("w", []string{"general_purpose"}, false)
	}
	s, _ := testScaler(dir)

	snap := Snapshot{Pending: 20, InProgress: 5, TotalAgents: 5}
	if action := s.Tick(snap); action != ActionHold {
		t.Errorf("action = %s, want hold at max agents", action)
	}
	if dir.Count() != 5 {
		t.Errorf("agents = %d, want unchanged 5", dir.Count())
	}
}

func TestHoldAtMin(t *testing.T) {
	dir := agents.NewDirectory()
	dir.Register("w", []string{"general_purpose"}, false)
	dir.Register("w", []string{"general_purpose"}, false)
	s, _ := testScaler(dir)

	// Fully idle but already at the floor.
	snap := Snapshot{Pending: 0, InProgress: 0, TotalAgents: 2}
	if action := s.Tick(snap); action != ActionHold {
		t.Errorf("action = %s, want hold at min agents", action)
	}
	if dir.Count() != 2 {
		t.Errorf("agents = %d, want unchanged 2", dir.Count())
	}
}

func TestScaleDownSkipsPinned(t *testing.T) {
	dir := agents.NewDirectory()
	for i := 0; i < 3; i++ {
		dir.Register("pinned", []string{"general_purpose"}, true)
	}
	s, _ := testScaler(dir)

	// The decision fires, but only pinned agents exist so nothing can
	// be removed and the action degrades to hold.
	snap := Snapshot{Pending: 0, InProgress: 0, TotalAgents: 3}
	if action := s.Tick(snap); action != ActionHold {
		t.Errorf("action = %s, want hold when only pinned agents remain", action)
	}
	if dir.Count() != 3 {
		t.Errorf("agents = %d, want unchanged 3", dir.Count())
	}

	last, reason := s.LastAction()
	if last != ActionHold || reason == "" {
		t.Errorf("last action = %s (%q), want hold with a reason", last, reason)
	}
}

func TestDecideIsPure(t *testing.T) {
	dir := agents.NewDirectory()
	s, _ := testScaler(dir)

	action, reason := s.Decide(Snapshot{Pending: 0, InProgress: 0, TotalAgents: 0})
	if action != ActionHold {
		t.Errorf("action = %s, want hold with zero agents", action)
	}
	if reason != "" {
		t.Errorf("reason = %q, want empty", reason)
	}
}
