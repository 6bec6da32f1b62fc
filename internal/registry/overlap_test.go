// internal/registry/overlap_test.go
package registry

import (
	"testing"
	"time"

	"github.com/WORKHIVE/internal/work"
)

func TestCheckOverlapDualAssignment(t *testing.T) {
	r := New()
	item := work.NewTodo("y", "migrate billing exports", work.ComplexityMedium, work.PriorityMedium)
	if err := r.Insert(item); err != nil {
		t.Fatal(err)
	}
	r.MarkForProcessing(item.ID, "d1")

	// From d2's perspective the item is held by someone else.
	ov, err := r.CheckOverlap(item.ID, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if ov.Kind != OverlapDualAssignment {
		t.Errorf("kind = %s, want dual_assignment", ov.Kind)
	}
	if ov.OtherAgent != "d1" {
		t.Errorf("other agent = %q, want d1", ov.OtherAgent)
	}
}

func TestCheckOverlapAlreadyImplemented(t *testing.T) {
	r := New()
	done := work.NewTask("export cleanup", "purge stale exports", work.PriorityLow)
	if err := r.Insert(done); err != nil {
		t.Fatal(err)
	}
	r.Assign(done.ID, "d1")
	r.UpdateStatus(done.ID, work.StatusInProgress)
	r.UpdateStatus(done.ID, work.StatusCompleted)

	again := work.NewTask("export cleanup", "purge stale exports", work.PriorityLow)
	if err := r.Insert(again); err != nil {
		t.Fatal(err)
	}

	ov, err := r.CheckOverlap(again.ID, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if ov.Kind != OverlapAlreadyImplemented {
		t.Errorf("kind = %s, want already_implemented", ov.Kind)
	}
	if ov.OtherID != done.ID {
		t.Errorf("other id = %s, want %s", ov.OtherID, done.ID)
	}
}

func TestCheckOverlapSimilarInProgress(t *testing.T) {
	r := New()
	running := work.NewTodo("index rebuild", "rebuild search index shards nightly", work.ComplexityMedium, work.PriorityMedium)
	running.RequiredCapabilities = []string{"search", "storage"}
	if err := r.Insert(running); err != nil {
		t.Fatal(err)
	}
	r.Assign(running.ID, "d1")
	r.UpdateStatus(running.ID, work.StatusInProgress)

	candidate := work.NewTodo("index refresh", "refresh search index shards for staging", work.ComplexityMedium, work.PriorityMedium)
	candidate.RequiredCapabilities = []string{"search"}
	if err := r.Insert(candidate); err != nil {
		t.Fatal(err)
	}

	ov, err := r.CheckOverlap(candidate.ID, "d2")
	if err != nil {
		t.Fatal(err)
	}
	if ov.Kind != OverlapSimilarInProgress {
		t.Errorf("kind = %s, want similar_in_progress", ov.Kind)
	}
	if ov.OtherAgent != "d1" {
		t.Errorf("other agent = %q, want d1", ov.OtherAgent)
	}
}

func TestCheckOverlapNoneWithoutSharedCapabilities(t *testing.T) {
	r := New()
	running := work.NewTodo("index rebuild", "rebuild search index shards nightly", work.ComplexityMedium, work.PriorityMedium)
	running.RequiredCapabilities = []string{"search"}
	if err := r.Insert(running); err != nil {
		t.Fatal(err)
	}
	r.Assign(running.ID, "d1")
	r.UpdateStatus(running.ID, work.StatusInProgress)

	// Same wording, disjoint capabilities: not a conflict.
	candidate := work.NewTodo("index docs", "rebuild search index shards for docs", work.ComplexityMedium, work.PriorityMedium)
	candidate.RequiredCapabilities = []string{"docs"}
	if err := r.Insert(candidate); err != nil {
		t.Fatal(err)
	}

	ov, _ := r.CheckOverlap(candidate.ID, "d2")
	if ov.Kind != OverlapNone {
		t.Errorf("kind = %s, want none", ov.Kind)
	}
}

func TestResolveDualAssignmentActiveWins(t *testing.T) {
	r := New()
	item := work.NewTodo("y", "d", work.ComplexityMedium, work.PriorityMedium)
	if err := r.Insert(item); err != nil {
		t.Fatal(err)
	}

	earlier := time.Now().Add(-time.Minute)
	later := time.Now()

	// d2 marked first but d1 actually has micro-tasks out: d1 wins.
	winner, err := r.ResolveDualAssignment(item.ID, []Claim{
		{Agent: "d1", AssignedAt: later, ActiveTasks: 3},
		{Agent: "d2", AssignedAt: earlier, ActiveTasks: 0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if winner != "d1" {
		t.Errorf("winner = %s, want d1", winner)
	}

	got, _ := r.Get(item.ID)
	if got.AssignedAgent != "d1" {
		t.Errorf("assigned agent = %s, want d1", got.AssignedAgent)
	}
}

func TestResolveDualAssignmentTieBreaks(t *testing.T) {
	r := New()
	item := work.NewTodo("y", "d", work.ComplexityMedium, work.PriorityMedium)
	if err := r.Insert(item); err != nil {
		t.Fatal(err)
	}

	earlier := time.Now().Add(-time.Minute)
	later := time.Now()

	// Both active: earliest assigned_at wins.
	winner, err := r.ResolveDualAssignment(item.ID, []Claim{
		{Agent: "d1", AssignedAt: later, ActiveTasks: 1},
		{Agent: "d2", AssignedAt: earlier, ActiveTasks: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if winner != "d2" {
		t.Errorf("winner = %s, want d2", winner)
	}

	// Equal timestamps: lexicographic agent id.
	same := time.Now()
	winner, err = r.ResolveDualAssignment(item.ID, []Claim{
		{Agent: "db", AssignedAt: same, ActiveTasks: 1},
		{Agent: "da", AssignedAt: same, ActiveTasks: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if winner != "da" {
		t.Errorf("winner = %s, want da", winner)
	}
}
