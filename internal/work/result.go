// internal/work/result.go
package work

import "time"

// MicroTaskResult is the outcome of executing one micro-task
type MicroTaskResult struct {
	TaskID   string         `json:"task_id"`
	ParentID string         `json:"parent_id"`
	WorkerID int            `json:"worker_id"`
	Status   Status         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Err      error          `json:"-"`
	Duration time.Duration  `json:"duration"`
}

// WorkerAssignment binds a worker to the micro-tasks it was handed
type WorkerAssignment struct {
	WorkerID    int               `json:"worker_id"`
	Tasks       []MicroTask       `json:"tasks"`
	AssignedAt  time.Time         `json:"assigned_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Results     []MicroTaskResult `json:"results,omitempty"`
}

// ParentResult aggregates the outcome over all micro-tasks of one parent
type ParentResult struct {
	ParentID                 string                    `json:"parent_id"`
	TotalWorkers             int                       `json:"total_workers"`
	Successful               int                       `json:"successful"`
	Failed                   int                       `json:"failed"`
	TotalMicroTasks          int                       `json:"total_micro_tasks"`
	TotalEstimatedHours      float64                   `json:"total_estimated_hours"`
	CollaborationTimeSeconds float64                   `json:"collaboration_time_seconds"`
	CacheCleared             bool                      `json:"cache_cleared"`
	WorkerResults            map[int][]MicroTaskResult `json:"worker_results,omitempty"`
}

// Succeeded reports whether the parent should be marked completed.
// A parent counts as done when at least one worker delivered; wholly
// failed parents go back to pending for retry.
func (r *ParentResult) Succeeded() bool {
	return r.Successful > 0
}
