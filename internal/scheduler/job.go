// internal/scheduler/job.go
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/WORKHIVE/internal/work"
)

// Attempt records one execution try of a job
type Attempt struct {
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	WorkerID   int         `json:"worker_id"`
	AgentID    string      `json:"agent_id,omitempty"`
	Status     work.Status `json:"status"`
	Error      string      `json:"error,omitempty"`
}

// Job is a first-class schedulable item on the job plane, distinct
// from registry work items: it carries explicit dependencies, a
// deadline, resource requirements and its own retry policy.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	PriorityScore int        `json:"priority_score"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	Deadline      *time.Time `json:"deadline,omitempty"`

	Dependencies         []string `json:"dependencies,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	EstimatedMinutes     int      `json:"estimated_minutes"`

	MaxRetries int         `json:"max_retries"`
	Status     work.Status `json:"status"`
	Attempts   []Attempt   `json:"attempts,omitempty"`

	// notBefore delays re-admission after a retryable failure
	notBefore time.Time
	// effectiveScore includes the deadline bump; the heap orders on it
	effectiveScore int
	heapIndex      int
}

// NewJob creates a pending job with a generated id
func NewJob(name, description string, score int, estimatedMinutes int) *Job {
	u := uuid.New()
	return &Job{
		ID:               fmt.Sprintf("job_%x", u[:4]),
		Name:             name,
		Description:      description,
		PriorityScore:    score,
		ScheduledAt:      time.Now(),
		EstimatedMinutes: estimatedMinutes,
		Status:           work.StatusPending,
	}
}

// Validate checks job fields on admission
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is required", work.ErrValidation)
	}
	if j.Name == "" {
		return fmt.Errorf("%w: job name is required", work.ErrValidation)
	}
	if j.EstimatedMinutes < 0 {
		return fmt.Errorf("%w: estimated_minutes must be >= 0", work.ErrValidation)
	}
	for _, dep := range j.Dependencies {
		if dep == j.ID {
			return fmt.Errorf("%w: job cannot depend on itself", work.ErrValidation)
		}
	}
	return nil
}

// microTask converts the job into the unit the worker pool executes
func (j *Job) microTask() work.MicroTask {
	return work.MicroTask{
		TaskID:               j.ID,
		ParentID:             "job:" + j.ID,
		Title:                j.Name,
		Description:          j.Description,
		EstimatedMinutes:     j.EstimatedMinutes,
		RequiredCapabilities: append([]string(nil), j.RequiredCapabilities...),
		Status:               work.StatusPending,
	}
}

func (j *Job) clone() *Job {
	c := *j
	if j.Deadline != nil {
		d := *j.Deadline
		c.Deadline = &d
	}
	c.Dependencies = append([]string(nil), j.Dependencies...)
	c.RequiredCapabilities = append([]string(nil), j.RequiredCapabilities...)
	c.Attempts = append([]Attempt(nil), j.Attempts...)
	return &c
}
