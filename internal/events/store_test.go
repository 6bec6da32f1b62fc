package events

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := setupTestDB(t)

	event := NewEvent(
		EventWorkCompleted,
		"dispatcher",
		"agent_a1b2c3d4",
		PriorityNormal,
		map[string]interface{}{
			"item_id":    "task-1700000000",
			"successful": 4,
		},
	)

	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	pending, err := store.GetPending("agent_a1b2c3d4", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}

	retrieved := pending[0]
	if retrieved.ID != event.ID {
		t.Errorf("expected ID %s, got %s", event.ID, retrieved.ID)
	}
	if retrieved.Type != event.Type {
		t.Errorf("expected Type %s, got %s", event.Type, retrieved.Type)
	}
	if retrieved.Source != event.Source {
		t.Errorf("expected Source %s, got %s", event.Source, retrieved.Source)
	}
	if retrieved.Target != event.Target {
		t.Errorf("expected Target %s, got %s", event.Target, retrieved.Target)
	}
	if retrieved.Priority != event.Priority {
		t.Errorf("expected Priority %d, got %d", event.Priority, retrieved.Priority)
	}

	if id, ok := retrieved.Payload["item_id"].(string); !ok || id != "task-1700000000" {
		t.Errorf("expected payload item_id 'task-1700000000', got %v", retrieved.Payload["item_id"])
	}
	if n, ok := retrieved.Payload["successful"].(float64); !ok || n != 4 {
		t.Errorf("expected payload successful 4, got %v", retrieved.Payload["successful"])
	}
}

func TestSQLiteStore_MarkDelivered(t *testing.T) {
	store := setupTestDB(t)

	event := NewEvent(EventWorkFailed, "pool", "agent-1", PriorityHigh, map[string]interface{}{
		"item_id": "todo-1",
	})
	if err := store.Save(event); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.MarkDelivered(event.ID); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	pending, err := store.GetPending("agent-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending events after delivery, got %d", len(pending))
	}

	if err := store.MarkDelivered("missing-event"); err == nil {
		t.Error("expected error marking unknown event delivered")
	}
}

func TestSQLiteStore_GetPendingBroadcast(t *testing.T) {
	store := setupTestDB(t)

	direct := NewEvent(EventWorkStarted, "dispatcher", "agent-1", PriorityNormal, map[string]interface{}{})
	broadcast := NewEvent(EventScaleAction, "scaler", "all", PriorityNormal, map[string]interface{}{})
	other := NewEvent(EventWorkStarted, "dispatcher", "agent-2", PriorityNormal, map[string]interface{}{})

	for _, e := range []*Event{direct, broadcast, other} {
		if err := store.Save(e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	// A concrete target sees its own events plus broadcasts.
	pending, err := store.GetPending("agent-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending events for agent-1, got %d", len(pending))
	}

	// "all" only matches explicit broadcasts.
	pending, err = store.GetPending("all", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != broadcast.ID {
		t.Errorf("expected only the broadcast event for target 'all', got %d", len(pending))
	}
}

func TestSQLiteStore_GetPendingTypeFilter(t *testing.T) {
	store := setupTestDB(t)

	completed := NewEvent(EventWorkCompleted, "dispatcher", "agent-1", PriorityNormal, map[string]interface{}{})
	failed := NewEvent(EventWorkFailed, "dispatcher", "agent-1", PriorityHigh, map[string]interface{}{})

	for _, e := range []*Event{completed, failed} {
		if err := store.Save(e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	pending, err := store.GetPending("agent-1", []EventType{EventWorkFailed})
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != EventWorkFailed {
		t.Fatalf("expected only the failure event, got %d events", len(pending))
	}
}

func TestSQLiteStore_PriorityOrdering(t *testing.T) {
	store := setupTestDB(t)

	low := NewEvent(EventWorkSubmitted, "api", "agent-1", PriorityLow, map[string]interface{}{})
	critical := NewEvent(EventWorkFailed, "pool", "agent-1", PriorityCritical, map[string]interface{}{})
	normal := NewEvent(EventWorkStarted, "dispatcher", "agent-1", PriorityNormal, map[string]interface{}{})

	for _, e := range []*Event{low, critical, normal} {
		if err := store.Save(e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	pending, err := store.GetPending("agent-1", nil)
	if err != nil {
		t.Fatalf("GetPending failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(pending))
	}
	if pending[0].ID != critical.ID {
		t.Errorf("expected critical event first, got %s", pending[0].Type)
	}
	if pending[2].ID != low.ID {
		t.Errorf("expected low priority event last, got %s", pending[2].Type)
	}
}

func TestSQLiteStore_Cleanup(t *testing.T) {
	store := setupTestDB(t)

	old := NewEvent(EventWorkCompleted, "dispatcher", "agent-1", PriorityNormal, map[string]interface{}{})
	old.CreatedAt = time.Now().Add(-48 * time.Hour)

	fresh := NewEvent(EventWorkCompleted, "dispatcher", "agent-1", PriorityNormal, map[string]interface{}{})

	for _, e := range []*Event{old, fresh} {
		if err := store.Save(e); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if err := store.MarkDelivered(e.ID); err != nil {
			t.Fatalf("MarkDelivered failed: %v", err)
		}
	}

	if err := store.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	var count int
	// Cleanup only removes delivered events past the cutoff.
	row := store.db.QueryRow(`SELECT COUNT(*) FROM events`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event after cleanup, got %d", count)
	}
}
