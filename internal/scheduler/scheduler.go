// internal/scheduler/scheduler.go
package scheduler

import (
	"container/heap"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/WORKHIVE/internal/agents"
	"github.com/WORKHIVE/internal/pool"
	"github.com/WORKHIVE/internal/work"
)

// Config holds scheduler tunables
type Config struct {
	EnableRetries     bool
	MaxRetries        int
	RetryDelayBase    time.Duration
	DeadlineEpsilon   time.Duration
	CapabilityOverlap float64
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		EnableRetries:     true,
		MaxRetries:        3,
		RetryDelayBase:    time.Second,
		DeadlineEpsilon:   time.Minute,
		CapabilityOverlap: 0.7,
	}
}

// Callback is invoked on terminal job outcomes
type Callback func(job *Job)

// Scheduler drives first-class jobs through the worker pool. It owns
// no executor of its own: ready jobs are matched to an agent and
// submitted to the shared pool.
type Scheduler struct {
	cfg  Config
	pool *pool.Pool
	dir  *agents.Directory

	mu        sync.Mutex
	ready     jobHeap
	delayed   map[string]*Job
	running   map[string]*Job
	jobs      map[string]*Job
	stopped   bool
	wg        sync.WaitGroup
	completed int64
	failed    int64

	onComplete Callback
	onFail     Callback
}

// New creates a scheduler on top of the given pool and agent directory
func New(cfg Config, p *pool.Pool, dir *agents.Directory) *Scheduler {
	if cfg.CapabilityOverlap <= 0 {
		cfg.CapabilityOverlap = 0.7
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	return &Scheduler{
		cfg:     cfg,
		pool:    p,
		dir:     dir,
		delayed: make(map[string]*Job),
		running: make(map[string]*Job),
		jobs:    make(map[string]*Job),
	}
}

// OnComplete registers the completion callback
func (s *Scheduler) OnComplete(cb Callback) { s.onComplete = cb }

// OnFail registers the failure callback
func (s *Scheduler) OnFail(cb Callback) { s.onFail = cb }

// Schedule validates and admits a job. Jobs with unmet dependencies
// are parked in the delayed set and promoted by Tick once their
// dependencies complete. Dependency cycles are rejected.
func (s *Scheduler) Schedule(job *Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = s.cfg.MaxRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return "", fmt.Errorf("scheduler stopped: %w", work.ErrCancelled)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return "", fmt.Errorf("%w: job %s", work.ErrDuplicate, job.ID)
	}
	if err := s.checkCycleLocked(job); err != nil {
		return "", err
	}

	s.jobs[job.ID] = job
	job.Status = work.StatusPending

	if s.unmetLocked(job) > 0 {
		job.Status = work.StatusBlocked
		s.delayed[job.ID] = job
		return job.ID, nil
	}

	s.admitLocked(job)
	return job.ID, nil
}

// Cancel removes a queued or delayed job, or marks a running one
// cancelled so its result is discarded.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: job %s", work.ErrNotFound, id)
	}

	switch {
	case job.heapIndex >= 0 && job.Status == work.StatusPending:
		heap.Remove(&s.ready, job.heapIndex)
		job.Status = work.StatusCancelled
	case s.delayed[id] != nil:
		delete(s.delayed, id)
		job.Status = work.StatusCancelled
	case s.running[id] != nil:
		job.Status = work.StatusCancelled
		s.pool.CancelParent("job:" + id)
	default:
		if job.Status == work.StatusPending || job.Status == work.StatusBlocked || job.Status == work.StatusRetrying {
			job.Status = work.StatusCancelled
		}
	}
	return nil
}

// Get returns a copy of a job
func (s *Scheduler) Get(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", work.ErrNotFound, id)
	}
	return job.clone(), nil
}

// QueueDepth returns how many jobs are ready or delayed
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len() + len(s.delayed)
}

// RunningCount returns how many jobs are executing
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Totals returns completed and failed tallies
func (s *Scheduler) Totals() (completed, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed, s.failed
}

// Tick promotes delayed jobs whose dependencies are now met or whose
// backoff expired, refreshes deadline bumps, and dispatches as many
// ready jobs as agents are available for.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()

	for id, job := range s.delayed {
		if now.Before(job.notBefore) {
			continue
		}
		if s.unmetLocked(job) > 0 {
			continue
		}
		delete(s.delayed, id)
		job.Status = work.StatusPending
		s.admitLocked(job)
	}

	// Jobs about to miss their deadline jump the queue.
	rebumped := false
	for _, job := range s.ready {
		if job.effectiveScore != math.MaxInt32 && s.deadlineBump(job, now) {
			job.effectiveScore = math.MaxInt32
			rebumped = true
		}
	}
	if rebumped {
		heap.Init(&s.ready)
	}

	var dispatch []*Job
	for s.ready.Len() > 0 {
		next := s.ready[0]
		agent, ok := s.dir.PickFor(next.RequiredCapabilities, s.cfg.CapabilityOverlap)
		if !ok {
			break
		}
		heap.Pop(&s.ready)
		next.Status = work.StatusInProgress
		s.running[next.ID] = next
		s.dir.AssignTask(agent.ID, next.ID)
		next.Attempts = append(next.Attempts, Attempt{StartedAt: now, AgentID: agent.ID})
		dispatch = append(dispatch, next)
	}
	s.mu.Unlock()

	for _, job := range dispatch {
		s.submit(job)
	}
}

// Stop prevents new admissions and waits for in-flight result handlers
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) submit(job *Job) {
	fut, err := s.pool.Submit(job.microTask())
	if err != nil {
		log.Printf("[SCHED] Submit %s rejected: %v", job.ID, err)
		s.finish(job, work.MicroTaskResult{Status: work.StatusFailed, Err: err})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result := <-fut.Done()
		s.finish(job, result)
	}()
}

func (s *Scheduler) finish(job *Job, result work.MicroTaskResult) {
	now := time.Now()

	s.mu.Lock()
	delete(s.running, job.ID)
	s.pool.ForgetParent("job:" + job.ID)

	if n := len(job.Attempts); n > 0 {
		att := &job.Attempts[n-1]
		att.FinishedAt = now
		att.WorkerID = result.WorkerID
		att.Status = result.Status
		if result.Err != nil {
			att.Error = result.Err.Error()
		}
		if att.AgentID != "" {
			s.dir.ReleaseTask(att.AgentID, job.ID)
		}
	}

	if job.Status == work.StatusCancelled || result.Status == work.StatusCancelled {
		job.Status = work.StatusCancelled
		s.mu.Unlock()
		return
	}

	if result.Status == work.StatusCompleted {
		job.Status = work.StatusCompleted
		s.completed++
		cb := s.onComplete
		s.mu.Unlock()
		if cb != nil {
			cb(job.clone())
		}
		return
	}

	attempts := len(job.Attempts)
	if s.cfg.EnableRetries && attempts <= job.MaxRetries {
		delay := time.Duration(float64(s.cfg.RetryDelayBase) * math.Pow(2, float64(attempts-1)))
		job.Status = work.StatusRetrying
		job.notBefore = now.Add(delay)
		s.delayed[job.ID] = job
		log.Printf("[SCHED] Job %s failed (attempt %d/%d), retrying in %v", job.ID, attempts, job.MaxRetries+1, delay)
		s.mu.Unlock()
		return
	}

	job.Status = work.StatusFailed
	s.failed++
	cb := s.onFail
	s.mu.Unlock()
	if cb != nil {
		cb(job.clone())
	}
}

// admitLocked pushes a job onto the ready heap with its effective score
func (s *Scheduler) admitLocked(job *Job) {
	job.effectiveScore = job.PriorityScore
	if s.deadlineBump(job, time.Now()) {
		job.effectiveScore = math.MaxInt32
	}
	heap.Push(&s.ready, job)
}

func (s *Scheduler) deadlineBump(job *Job, now time.Time) bool {
	return job.Deadline != nil && job.Deadline.Sub(now) < s.cfg.DeadlineEpsilon
}

// unmetLocked counts dependencies that have not completed. Unknown
// dependency ids count as unmet so a job never runs before a
// dependency that has yet to be scheduled.
func (s *Scheduler) unmetLocked(job *Job) int {
	n := 0
	for _, depID := range job.Dependencies {
		dep, ok := s.jobs[depID]
		if !ok || dep.Status != work.StatusCompleted {
			n++
		}
	}
	return n
}

// checkCycleLocked rejects admissions that would close a dependency
// cycle among known jobs.
func (s *Scheduler) checkCycleLocked(candidate *Job) error {
	// Walk the existing graph from each dependency; finding the
	// candidate's id again means admission closes a cycle.
	seen := make(map[string]bool)
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == candidate.ID {
			return true
		}
		if seen[id] {
			return false
		}
		seen[id] = true
		if job, ok := s.jobs[id]; ok {
			for _, dep := range job.Dependencies {
				if walk(dep) {
					return true
				}
			}
		}
		return false
	}
	for _, dep := range candidate.Dependencies {
		if walk(dep) {
			return fmt.Errorf("%w: dependency cycle through %s", work.ErrValidation, dep)
		}
	}
	return nil
}
