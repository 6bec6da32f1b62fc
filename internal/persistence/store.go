// internal/persistence/store.go
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/work"
)

// Snapshot is everything the daemon persists across restarts
type Snapshot struct {
	Items   []*work.WorkItem
	Agents  []*agents.Agent
	SavedAt time.Time
}

// Store persists daemon state between restarts
type Store interface {
	SaveSnapshot(snap Snapshot) error
	LoadSnapshot() (Snapshot, error)
	RequestSave()
	Close() error
}

// SQLiteStore implements Store over a local SQLite file. Items and
// agents are stored as JSON payloads with the columns the recovery
// queries need pulled out alongside.
type SQLiteStore struct {
	db   *sql.DB
	path string

	// Debounced save
	saveMu    sync.Mutex
	saveTimer *time.Timer
	collect   func() Snapshot
}

// Open creates or opens the store at path and runs migrations
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS work_items (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_work_items_status ON work_items(status);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		pinned INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshot_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	return nil
}

// DB exposes the underlying handle so the event store can share it
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveSnapshot replaces the persisted state with the given snapshot
func (s *SQLiteStore) SaveSnapshot(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM work_items`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM agents`); err != nil {
		return err
	}

	for _, item := range snap.Items {
		payload, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal item %s: %w", item.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO work_items (id, status, kind, payload, updated_at) VALUES (?, ?, ?, ?, ?)`,
			item.ID, string(item.Status), string(item.Kind), string(payload), item.LastUpdated,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", item.ID, err)
		}
	}

	for _, agent := range snap.Agents {
		payload, err := json.Marshal(agent)
		if err != nil {
			return fmt.Errorf("marshal agent %s: %w", agent.ID, err)
		}
		pinned := 0
		if agent.Pinned {
			pinned = 1
		}
		_, err = tx.Exec(
			`INSERT INTO agents (id, pinned, payload) VALUES (?, ?, ?)`,
			agent.ID, pinned, string(payload),
		)
		if err != nil {
			return fmt.Errorf("insert agent %s: %w", agent.ID, err)
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err = tx.Exec(
		`INSERT INTO snapshot_meta (key, value) VALUES ('saved_at', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		savedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// LoadSnapshot reads the persisted state and applies restart recovery:
// items that were in progress when the daemon died go back to pending
// with their assignment cleared, so the next dispatch tick picks them
// up again.
func (s *SQLiteStore) LoadSnapshot() (Snapshot, error) {
	var snap Snapshot

	rows, err := s.db.Query(`SELECT payload FROM work_items ORDER BY updated_at ASC`)
	if err != nil {
		return snap, fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	recovered := 0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return snap, err
		}
		var item work.WorkItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return snap, fmt.Errorf("unmarshal item: %w", err)
		}
		if item.Status == work.StatusInProgress {
			item.Status = work.StatusPending
			item.AssignedAgent = ""
			item.AssignedAt = nil
			item.LastUpdated = time.Now()
			recovered++
		}
		snap.Items = append(snap.Items, &item)
	}
	if err := rows.Err(); err != nil {
		return snap, err
	}

	agentRows, err := s.db.Query(`SELECT payload FROM agents ORDER BY id ASC`)
	if err != nil {
		return snap, fmt.Errorf("load agents: %w", err)
	}
	defer agentRows.Close()

	for agentRows.Next() {
		var payload string
		if err := agentRows.Scan(&payload); err != nil {
			return snap, err
		}
		var agent agents.Agent
		if err := json.Unmarshal([]byte(payload), &agent); err != nil {
			return snap, fmt.Errorf("unmarshal agent: %w", err)
		}
		// Assignments do not survive a restart.
		agent.CurrentTaskIDs = nil
		agent.Status = agents.StatusAvailable
		snap.Agents = append(snap.Agents, &agent)
	}
	if err := agentRows.Err(); err != nil {
		return snap, err
	}

	var savedAt string
	err = s.db.QueryRow(`SELECT value FROM snapshot_meta WHERE key = 'saved_at'`).Scan(&savedAt)
	if err == nil {
		if t, perr := time.Parse(time.RFC3339Nano, savedAt); perr == nil {
			snap.SavedAt = t
		}
	} else if err != sql.ErrNoRows {
		return snap, err
	}

	if recovered > 0 {
		log.Printf("[STORE] Recovered %d in-progress items back to pending", recovered)
	}
	return snap, nil
}

// SetCollector installs the function RequestSave snapshots through
func (s *SQLiteStore) SetCollector(collect func() Snapshot) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.collect = collect
}

// RequestSave debounces snapshot writes so bursts of state changes
// produce one disk write.
func (s *SQLiteStore) RequestSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	if s.collect == nil {
		return
	}
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	collect := s.collect
	s.saveTimer = time.AfterFunc(500*time.Millisecond, func() {
		if err := s.SaveSnapshot(collect()); err != nil {
			log.Printf("[STORE] Snapshot save failed: %v", err)
		}
	})
}

// Close flushes any pending debounced save and closes the database
func (s *SQLiteStore) Close() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	collect := s.collect
	s.saveMu.Unlock()

	if collect != nil {
		if err := s.SaveSnapshot(collect()); err != nil {
			log.Printf("[STORE] Final snapshot failed: %v", err)
		}
	}
	return s.db.Close()
}
