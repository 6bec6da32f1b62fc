// internal/registry/registry.go
package registry

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/WORKHIVE/internal/work"
)

// Registry is the authoritative in-memory store of work items.
// One coarse RWMutex serializes all mutations; reads hand out deep
// copies so callers never see internal pointers.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*work.WorkItem
	order []string // insertion order, for stable scans
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		items: make(map[string]*work.WorkItem),
	}
}

// Insert adds a new item. It rejects invalid items and duplicates:
// an item is a duplicate when another live (pending or in_progress)
// item carries the same name and description hash.
func (r *Registry) Insert(item *work.WorkItem) error {
	if err := item.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[item.ID]; exists {
		return fmt.Errorf("%w: id %s", work.ErrDuplicate, item.ID)
	}

	hash := descHash(item.Description)
	for _, existing := range r.items {
		if existing.IsLive() && existing.Name == item.Name && descHash(existing.Description) == hash {
			return fmt.Errorf("%w: matches %s", work.ErrDuplicate, existing.ID)
		}
	}

	r.items[item.ID] = item.Clone()
	r.order = append(r.order, item.ID)
	return nil
}

// Get returns a deep copy of the item
func (r *Registry) Get(id string) (*work.WorkItem, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	return item.Clone(), nil
}

// UpdateStatus transitions the item to a new status. Moving to
// completed forces progress to 1.0; moving to pending clears the
// assignment so released items are re-scannable.
func (r *Registry) UpdateStatus(id string, status work.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	if err := item.TransitionTo(status); err != nil {
		return err
	}
	switch status {
	case work.StatusCompleted:
		item.Progress = 1.0
	case work.StatusPending:
		item.AssignedAgent = ""
		item.AssignedAt = nil
	}
	return nil
}

// MarkForProcessing tags a pending, unowned item with the given agent.
// Returns false if the item is not eligible (already marked, not pending).
func (r *Registry) MarkForProcessing(id, agent string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return false
	}
	if item.Status != work.StatusPending || item.AssignedAgent != "" {
		return false
	}
	now := time.Now()
	item.AssignedAgent = agent
	item.AssignedAt = &now
	item.WorkType = item.Complexity.WorkType()
	item.LastUpdated = now
	return true
}

// Assign binds the item to an agent
func (r *Registry) Assign(id, agent string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	now := time.Now()
	item.AssignedAgent = agent
	item.AssignedAt = &now
	item.LastUpdated = now
	return nil
}

// Release clears the assignment and returns the item to pending
func (r *Registry) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	item.AssignedAgent = ""
	item.AssignedAt = nil
	if item.Status == work.StatusInProgress {
		if err := item.TransitionTo(work.StatusPending); err != nil {
			return err
		}
	}
	item.LastUpdated = time.Now()
	return nil
}

// UpdateProgress sets overall progress for an item without subtasks
func (r *Registry) UpdateProgress(id string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%w: progress %f out of range", work.ErrValidation, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	item.Progress = p
	item.LastUpdated = time.Now()
	return nil
}

// UpdateSubtaskProgress records progress for one subtask and recomputes
// the parent progress as the mean across all subtasks.
func (r *Registry) UpdateSubtaskProgress(id, subtask string, p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("%w: progress %f out of range", work.ErrValidation, p)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	found := false
	for _, st := range item.Subtasks {
		if st.Title == subtask {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: subtask %q on %s", work.ErrNotFound, subtask, id)
	}
	item.SubtaskProgress[subtask] = p
	item.Progress = item.MeanSubtaskProgress()
	item.LastUpdated = time.Now()
	return nil
}

// SetSubtasks stores the breakdown output on the parent
func (r *Registry) SetSubtasks(id string, subtasks []work.MicroTask, cacheKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	item.Subtasks = append([]work.MicroTask(nil), subtasks...)
	item.BreakdownCacheKey = cacheKey
	item.SubtaskProgress = make(map[string]float64, len(subtasks))
	for _, st := range subtasks {
		item.SubtaskProgress[st.Title] = 0
	}
	item.LastUpdated = time.Now()
	return nil
}

// SetPriorityBreakdown stores the scorer output for inspection
func (r *Registry) SetPriorityBreakdown(id string, pb work.PriorityBreakdown) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	item.PriorityBreakdown = &pb
	return nil
}

// RecordFailure notes a failed attempt. Retryable failures bump
// retry_count and schedule the next attempt; terminal ones are final.
func (r *Registry) RecordFailure(id, msg string, retryable bool, nextRetry time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	item.LastError = msg
	if retryable {
		item.RetryCount++
		item.NextRetryAt = &nextRetry
		if item.Status == work.StatusInProgress {
			if err := item.TransitionTo(work.StatusRetrying); err != nil {
				return err
			}
		}
	} else if item.Status == work.StatusInProgress {
		if err := item.TransitionTo(work.StatusFailed); err != nil {
			return err
		}
	}
	return nil
}

// Cancel marks the item cancelled and records who asked
func (r *Registry) Cancel(id, by string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	if item.IsTerminal() {
		return fmt.Errorf("item %s already %s", id, item.Status)
	}
	if err := item.TransitionTo(work.StatusCancelled); err != nil {
		return err
	}
	item.CancelledBy = by
	return nil
}

// ByStatus returns copies of all items with the given status
func (r *Registry) ByStatus(status work.Status) []*work.WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*work.WorkItem
	for _, id := range r.order {
		if item := r.items[id]; item.Status == status {
			result = append(result, item.Clone())
		}
	}
	return result
}

// ByKind returns copies of all items of the given kind
func (r *Registry) ByKind(kind work.Kind) []*work.WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*work.WorkItem
	for _, id := range r.order {
		if item := r.items[id]; item.Kind == kind {
			result = append(result, item.Clone())
		}
	}
	return result
}

// PendingOfKind returns up to limit pending items of the kind, highest
// priority score first, ties broken by creation time ascending.
func (r *Registry) PendingOfKind(kind work.Kind, limit int) []*work.WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*work.WorkItem
	for _, id := range r.order {
		item := r.items[id]
		if item.Kind == kind && item.Status == work.StatusPending {
			result = append(result, item.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		si, sj := 0, 0
		if result[i].PriorityBreakdown != nil {
			si = result[i].PriorityBreakdown.Total
		}
		if result[j].PriorityBreakdown != nil {
			sj = result[j].PriorityBreakdown.Total
		}
		if si != sj {
			return si > sj
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// All returns copies of every item
func (r *Registry) All() []*work.WorkItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*work.WorkItem, 0, len(r.items))
	for _, id := range r.order {
		result = append(result, r.items[id].Clone())
	}
	return result
}

// AddDependency records that id depends on depID
func (r *Registry) AddDependency(id, depID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	if _, ok := r.items[depID]; !ok {
		return fmt.Errorf("%w: dependency %s", work.ErrNotFound, depID)
	}
	if id == depID {
		return fmt.Errorf("%w: item cannot depend on itself", work.ErrValidation)
	}
	for _, d := range item.Dependencies {
		if d == depID {
			return nil
		}
	}
	item.Dependencies = append(item.Dependencies, depID)
	return nil
}

// Unmet returns dependency ids that have not completed yet
func (r *Registry) Unmet(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}
	var unmet []string
	for _, depID := range item.Dependencies {
		dep, ok := r.items[depID]
		if !ok || dep.Status != work.StatusCompleted {
			unmet = append(unmet, depID)
		}
	}
	return unmet, nil
}

// Counts returns the per-status item tallies
func (r *Registry) Counts() map[work.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[work.Status]int)
	for _, item := range r.items {
		counts[item.Status]++
	}
	return counts
}

// Len returns the total number of items
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func descHash(description string) string {
	sum := sha256.Sum256([]byte(description))
	return fmt.Sprintf("%x", sum)[:16]
}
