// internal/work/types.go
package work

import (
	"fmt"
	"time"
)

// Status represents the current state of a work item
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
	StatusRetrying   Status = "retrying"
)

// Kind classifies a work item
type Kind string

const (
	KindTask        Kind = "task"
	KindTodo        Kind = "todo"
	KindComplexTodo Kind = "complex_todo"
)

// Complexity bands drive breakdown chunking and scoring
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityCritical Complexity = "critical"
)

// Priority is the producer-declared importance of a work item
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Multiplier returns the scoring multiplier for the priority level
func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityCritical:
		return 3.0
	case PriorityHigh:
		return 2.5
	case PriorityMedium:
		return 2.0
	default:
		return 1.5
	}
}

// BaseScore returns the complexity contribution used by the priority scorer
func (c Complexity) BaseScore() float64 {
	switch c {
	case ComplexityCritical:
		return 100
	case ComplexityHigh:
		return 80
	case ComplexityMedium:
		return 60
	default:
		return 40
	}
}

// WorkType derives the processing class from complexity
func (c Complexity) WorkType() string {
	switch c {
	case ComplexityCritical:
		return "intensive"
	case ComplexityHigh:
		return "detailed"
	case ComplexityMedium:
		return "standard"
	default:
		return "light"
	}
}

// PriorityBreakdown records how a composite priority score was computed,
// stored back on the item so operators can inspect scheduling decisions.
type PriorityBreakdown struct {
	ComplexityScore    float64 `json:"complexity_score"`
	PriorityMultiplier float64 `json:"priority_multiplier"`
	Urgency            float64 `json:"urgency"`
	ResourceFactor     float64 `json:"resource_factor"`
	DependencyFactor   float64 `json:"dependency_factor"`
	BusinessValue      float64 `json:"business_value"`
	Total              int     `json:"total"`
}

// MicroTask is a short-lived unit produced by the breakdown engine,
// always bounded to at most 60 minutes of estimated effort.
type MicroTask struct {
	TaskID               string   `json:"task_id"`
	ParentID             string   `json:"parent_id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	EstimatedMinutes     int      `json:"estimated_minutes"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	ComplexityScore      int      `json:"complexity_score"`
	Status               Status   `json:"status"`
}

// WorkItem represents a unit of work in the registry
type WorkItem struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Kind        Kind       `json:"kind"`
	Complexity  Complexity `json:"complexity"`
	Priority    Priority   `json:"priority"`

	CreatedAt      time.Time  `json:"created_at"`
	LastUpdated    time.Time  `json:"last_updated"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	EstimatedHours float64    `json:"estimated_hours"`

	AssignedAgent string     `json:"assigned_agent,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	WorkType      string     `json:"work_type,omitempty"`

	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	RetryCount int     `json:"retry_count"`

	Subtasks           []MicroTask        `json:"subtasks,omitempty"`
	SubtaskProgress    map[string]float64 `json:"subtask_progress,omitempty"`
	SubtaskAssignments map[string]string  `json:"subtask_assignments,omitempty"`

	Dependencies         []string           `json:"dependencies,omitempty"`
	RequiredCapabilities []string           `json:"required_capabilities,omitempty"`
	PriorityBreakdown    *PriorityBreakdown `json:"priority_breakdown,omitempty"`
	BreakdownCacheKey    string             `json:"breakdown_cache_key,omitempty"`

	AutoGenerated bool           `json:"auto_generated,omitempty"`
	BlocksOthers  bool           `json:"blocks_others,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty"`
	CancelledBy   string         `json:"cancelled_by,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// validTransitions defines allowed status transitions
var validTransitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusRetrying, StatusCancelled, StatusPending},
	StatusRetrying:   {StatusPending, StatusCancelled, StatusFailed},
	StatusBlocked:    {StatusPending, StatusCancelled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// NewTask creates a low-complexity task item
func NewTask(name, description string, priority Priority) *WorkItem {
	return newItem(name, description, KindTask, ComplexityLow, priority)
}

// NewTodo creates a todo item with the given complexity band
func NewTodo(name, description string, complexity Complexity, priority Priority) *WorkItem {
	return newItem(name, description, KindTodo, complexity, priority)
}

// NewComplexTodo creates a complex todo; complexity must be high or critical
func NewComplexTodo(name, description string, complexity Complexity, priority Priority) *WorkItem {
	return newItem(name, description, KindComplexTodo, complexity, priority)
}

func newItem(name, description string, kind Kind, complexity Complexity, priority Priority) *WorkItem {
	now := time.Now()
	return &WorkItem{
		ID:                 fmt.Sprintf("%s-%d", kind, now.UnixNano()),
		Name:               name,
		Description:        description,
		Kind:               kind,
		Complexity:         complexity,
		Priority:           priority,
		Status:             StatusPending,
		WorkType:           complexity.WorkType(),
		SubtaskProgress:    make(map[string]float64),
		SubtaskAssignments: make(map[string]string),
		Metadata:           make(map[string]any),
		CreatedAt:          now,
		LastUpdated:        now,
	}
}

// Validate checks that the item has consistent field values
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: id is required", ErrValidation)
	}
	if w.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if w.EstimatedHours < 0 {
		return fmt.Errorf("%w: estimated_hours must be >= 0", ErrValidation)
	}
	switch w.Kind {
	case KindTask:
		if w.Complexity != ComplexityLow {
			return fmt.Errorf("%w: tasks must be low complexity, got %s", ErrValidation, w.Complexity)
		}
	case KindComplexTodo:
		if w.Complexity != ComplexityHigh && w.Complexity != ComplexityCritical {
			return fmt.Errorf("%w: complex_todo must be high or critical, got %s", ErrValidation, w.Complexity)
		}
	case KindTodo:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, w.Kind)
	}
	switch w.Complexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh, ComplexityCritical:
	default:
		return fmt.Errorf("%w: unknown complexity %q", ErrValidation, w.Complexity)
	}
	switch w.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, w.Priority)
	}
	return nil
}

// TransitionTo attempts to move the item to a new status
func (w *WorkItem) TransitionTo(newStatus Status) error {
	allowed, ok := validTransitions[w.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", w.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			w.Status = newStatus
			w.LastUpdated = time.Now()
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", w.Status, newStatus)
}

// IsTerminal returns true if the item is in a final state
func (w *WorkItem) IsTerminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusFailed || w.Status == StatusCancelled
}

// IsLive reports whether the item still participates in duplicate detection
func (w *WorkItem) IsLive() bool {
	return w.Status == StatusPending || w.Status == StatusInProgress
}

// MeanSubtaskProgress returns the average progress across subtasks,
// which by invariant equals the parent progress for decomposed items.
func (w *WorkItem) MeanSubtaskProgress() float64 {
	if len(w.Subtasks) == 0 {
		return w.Progress
	}
	var sum float64
	for _, st := range w.Subtasks {
		sum += w.SubtaskProgress[st.Title]
	}
	return sum / float64(len(w.Subtasks))
}

// Clone returns a deep copy safe to hand outside the registry lock
func (w *WorkItem) Clone() *WorkItem {
	c := *w
	if w.Deadline != nil {
		d := *w.Deadline
		c.Deadline = &d
	}
	if w.AssignedAt != nil {
		a := *w.AssignedAt
		c.AssignedAt = &a
	}
	if w.NextRetryAt != nil {
		n := *w.NextRetryAt
		c.NextRetryAt = &n
	}
	if w.PriorityBreakdown != nil {
		pb := *w.PriorityBreakdown
		c.PriorityBreakdown = &pb
	}
	c.Subtasks = append([]MicroTask(nil), w.Subtasks...)
	for i := range c.Subtasks {
		c.Subtasks[i].RequiredCapabilities = append([]string(nil), w.Subtasks[i].RequiredCapabilities...)
	}
	c.Dependencies = append([]string(nil), w.Dependencies...)
	c.RequiredCapabilities = append([]string(nil), w.RequiredCapabilities...)
	c.SubtaskProgress = make(map[string]float64, len(w.SubtaskProgress))
	for k, v := range w.SubtaskProgress {
		c.SubtaskProgress[k] = v
	}
	c.SubtaskAssignments = make(map[string]string, len(w.SubtaskAssignments))
	for k, v := range w.SubtaskAssignments {
		c.SubtaskAssignments[k] = v
	}
	c.Metadata = make(map[string]any, len(w.Metadata))
	for k, v := range w.Metadata {
		c.Metadata[k] = v
	}
	return &c
}
