// internal/breakdown/engine.go
package breakdown

import (
	"fmt"
	"math"

	"github.com/WORKHIVE/internal/work"
)

// Splitter decomposes high and critical items when a smarter
// collaborator (plugin, model-backed planner) is available. The engine
// falls back to fixed 15-minute chunking when none is wired in.
type Splitter interface {
	Split(item *work.WorkItem) ([]work.MicroTask, error)
}

// Engine maps a parent work item into an ordered list of micro-tasks.
// The mapping is deterministic over (id, name, description,
// estimated_hours, complexity), which is exactly the cache key.
type Engine struct {
	cache    *Cache
	splitter Splitter
}

// NewEngine creates an engine backed by the given cache. splitter may
// be nil.
func NewEngine(cache *Cache, splitter Splitter) *Engine {
	return &Engine{cache: cache, splitter: splitter}
}

// Complexity score each emitted micro-task carries, by parent band.
const (
	scoreLow              = 2
	scoreMedium           = 5
	scoreHigh             = 4
	scoreCriticalFallback = 8
)

// Breakdown returns the micro-tasks for the item, serving from cache
// when a fresh entry exists. The returned key is the content hash the
// result is stored under; hit reports whether the cache served it.
func (e *Engine) Breakdown(item *work.WorkItem) (tasks []work.MicroTask, key string, hit bool, err error) {
	key = Key(item)

	if cached, ok := e.cache.Get(key); ok {
		return cached, key, true, nil
	}

	tasks, err = e.compute(item)
	if err != nil {
		return nil, key, false, err
	}

	e.cache.Put(key, item.ID, tasks)
	return tasks, key, false, nil
}

// PurgeParent drops cached plans for the parent, returning how many
// entries were removed. Called after the parent completes so a
// re-submitted equivalent item gets a fresh plan.
func (e *Engine) PurgeParent(parentID string) int {
	return e.cache.PurgeParent(parentID)
}

// CacheStats exposes the cache counters for the metrics snapshot
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// CacheHitRate exposes the cache hit rate for the metrics snapshot
func (e *Engine) CacheHitRate() float64 {
	return e.cache.HitRate()
}

func (e *Engine) compute(item *work.WorkItem) ([]work.MicroTask, error) {
	estMin := int(math.Round(item.EstimatedHours * 60))
	if estMin < 1 {
		estMin = 1
	}

	switch item.Complexity {
	case work.ComplexityLow:
		chunk := 15
		if estMin < chunk {
			chunk = estMin
		}
		return e.chunked(item, estMin, chunk, scoreLow), nil

	case work.ComplexityMedium:
		return e.chunked(item, estMin, 30, scoreMedium), nil

	case work.ComplexityHigh, work.ComplexityCritical:
		if e.splitter != nil {
			tasks, err := e.splitter.Split(item)
			if err == nil && len(tasks) > 0 {
				return clampTasks(tasks), nil
			}
			// Splitter failures are not fatal, the fixed chunking
			// below always produces a plan.
		}
		score := scoreHigh
		if item.Complexity == work.ComplexityCritical {
			score = scoreCriticalFallback
		}
		return e.chunked(item, estMin, 15, score), nil

	default:
		return nil, fmt.Errorf("%w: complexity %q", work.ErrValidation, item.Complexity)
	}
}

// chunked slices the estimate into count pieces of at most chunk
// minutes, always emitting at least one micro-task.
func (e *Engine) chunked(item *work.WorkItem, estMin, chunk, score int) []work.MicroTask {
	count := (estMin + chunk - 1) / chunk
	if count < 1 {
		count = 1
	}

	tasks := make([]work.MicroTask, 0, count)
	remaining := estMin
	for i := 0; i < count; i++ {
		minutes := chunk
		if remaining < chunk {
			minutes = remaining
		}
		if minutes < 1 {
			minutes = 1
		}
		remaining -= minutes

		tasks = append(tasks, work.MicroTask{
			TaskID:               fmt.Sprintf("%s-mt-%02d", item.ID, i+1),
			ParentID:             item.ID,
			Title:                fmt.Sprintf("%s (part %d/%d)", item.Name, i+1, count),
			Description:          item.Description,
			EstimatedMinutes:     minutes,
			RequiredCapabilities: append([]string(nil), item.RequiredCapabilities...),
			ComplexityScore:      score,
			Status:               work.StatusPending,
		})
	}
	return tasks
}

// clampTasks enforces the micro-task bounds on splitter output:
// estimates in [1, 60] minutes, complexity score in [1, 10].
func clampTasks(tasks []work.MicroTask) []work.MicroTask {
	out := append([]work.MicroTask(nil), tasks...)
	for i := range out {
		if out[i].EstimatedMinutes < 1 {
			out[i].EstimatedMinutes = 1
		}
		if out[i].EstimatedMinutes > 60 {
			out[i].EstimatedMinutes = 60
		}
		if out[i].ComplexityScore < 1 {
			out[i].ComplexityScore = 1
		}
		if out[i].ComplexityScore > 10 {
			out[i].ComplexityScore = 10
		}
		if out[i].Status == "" {
			out[i].Status = work.StatusPending
		}
	}
	return out
}
