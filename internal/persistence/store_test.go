package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/work"
)

func openStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenCreatesStateDir(t *testing.T) {
	s, _ := openStore(t)

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot on empty store: %v", err)
	}
	if len(snap.Items) != 0 || len(snap.Agents) != 0 {
		t.Errorf("empty store returned %d items, %d agents", len(snap.Items), len(snap.Agents))
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s, path := openStore(t)

	item := work.NewTodo("refactor parser", "split the lexer out", work.ComplexityMedium, work.PriorityHigh)
	item.EstimatedHours = 2
	agent := &agents.Agent{
		ID:           "agent_cafe0001",
		Name:         "worker",
		Capabilities: []string{"general_purpose"},
		Status:       agents.StatusAvailable,
		RegisteredAt: time.Now(),
		Pinned:       true,
	}

	err := s.SaveSnapshot(Snapshot{Items: []*work.WorkItem{item}, Agents: []*agents.Agent{agent}})
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, err := s2.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(snap.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(snap.Items))
	}
	got := snap.Items[0]
	if got.ID != item.ID || got.Name != "refactor parser" || got.EstimatedHours != 2 {
		t.Errorf("item round trip lost fields: %+v", got)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].ID != "agent_cafe0001" || !snap.Agents[0].Pinned {
		t.Errorf("agent round trip lost fields: %+v", snap.Agents)
	}
	if snap.SavedAt.IsZero() {
		t.Error("saved_at not persisted")
	}
}

func TestLoadResetsInProgressItems(t *testing.T) {
	s, _ := openStore(t)

	now := time.Now()
	item := work.NewTask("flush cache", "drop stale entries", work.PriorityMedium)
	item.Status = work.StatusInProgress
	item.AssignedAgent = "dispatcher-1"
	item.AssignedAt = &now

	if err := s.SaveSnapshot(Snapshot{Items: []*work.WorkItem{item}}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got := snap.Items[0]
	if got.Status != work.StatusPending {
		t.Errorf("status = %s, want pending after recovery", got.Status)
	}
	if got.AssignedAgent != "" || got.AssignedAt != nil {
		t.Error("assignment should be cleared on recovery")
	}
}

func TestLoadClearsAgentAssignments(t *testing.T) {
	s, _ := openStore(t)

	agent := &agents.Agent{
		ID:             "agent_beef0002",
		Name:           "worker",
		Status:         agents.StatusBusy,
		CurrentTaskIDs: []string{"task-1", "task-2"},
	}
	if err := s.SaveSnapshot(Snapshot{Agents: []*agents.Agent{agent}}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	got := snap.Agents[0]
	if got.Status != agents.StatusAvailable {
		t.Errorf("status = %s, want available after restart", got.Status)
	}
	if len(got.CurrentTaskIDs) != 0 {
		t.Errorf("task ids = %v, want none after restart", got.CurrentTaskIDs)
	}
}

func TestSaveSnapshotReplacesPrevious(t *testing.T) {
	s, _ := openStore(t)

	first := work.NewTask("first", "one", work.PriorityLow)
	second := work.NewTask("second", "two", work.PriorityLow)

	if err := s.SaveSnapshot(Snapshot{Items: []*work.WorkItem{first}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(Snapshot{Items: []*work.WorkItem{second}}); err != nil {
		t.Fatal(err)
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Items) != 1 || snap.Items[0].Name != "second" {
		t.Errorf("snapshot not replaced, got %d items", len(snap.Items))
	}
}

func TestRequestSaveDebounces(t *testing.T) {
	s, _ := openStore(t)

	saves := 0
	item := work.NewTask("debounced", "write once", work.PriorityLow)
	s.SetCollector(func() Snapshot {
		saves++
		return Snapshot{Items: []*work.WorkItem{item}}
	})

	for i := 0; i < 10; i++ {
		s.RequestSave()
	}

	deadline := time.Now().Add(3 * time.Second)
	for saves == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if saves != 1 {
		t.Errorf("collector called %d times, want 1 for a burst", saves)
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Items) != 1 {
		t.Errorf("debounced save wrote %d items, want 1", len(snap.Items))
	}
}

func TestCloseFlushesPendingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	item := work.NewTask("flushed", "written at close", work.PriorityLow)
	s.SetCollector(func() Snapshot {
		return Snapshot{Items: []*work.WorkItem{item}}
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	snap, err := s2.LoadSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Items) != 1 || snap.Items[0].Name != "flushed" {
		t.Error("Close should write a final snapshot")
	}
}
