// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WORKHIVE/internal/work"
)

// Executor runs one micro-task. Implementations must honor ctx: it
// carries both the per-task deadline and cooperative cancellation.
type Executor interface {
	Execute(ctx context.Context, task work.MicroTask) (map[string]any, error)
}

// ExecFunc adapts a plain function to Executor
type ExecFunc func(ctx context.Context, task work.MicroTask) (map[string]any, error)

func (f ExecFunc) Execute(ctx context.Context, task work.MicroTask) (map[string]any, error) {
	return f(ctx, task)
}

// Config controls pool sizing and timeout policy
type Config struct {
	Workers      int
	MaxQueue     int
	MaxRetries   int
	Backpressure bool
	// TimeScale shrinks or stretches per-task deadlines; 1.0 runs the
	// production policy as-is, tests use small values.
	TimeScale   float64
	MinDeadline time.Duration
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		Workers:      8,
		MaxQueue:     256,
		MaxRetries:   3,
		Backpressure: true,
		TimeScale:    1.0,
		MinDeadline:  10 * time.Second,
	}
}

type request struct {
	task      work.MicroTask
	parentCtx context.Context
	future    *Future
}

// Pool is a fixed-size set of workers consuming a bounded channel of
// micro-task requests. Results are delivered through futures in
// completion order; there is no cross-task ordering guarantee.
type Pool struct {
	cfg  Config
	exec Executor

	requests chan *request
	wg       sync.WaitGroup

	baseCtx context.Context
	abort   context.CancelFunc

	mu      sync.Mutex
	parents map[string]context.CancelFunc
	pctxs   map[string]context.Context
	stopped bool

	busy int64
}

// New creates and starts the pool
func New(cfg Config, exec Executor) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 256
	}
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1.0
	}
	if cfg.MinDeadline <= 0 {
		cfg.MinDeadline = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		exec:     exec,
		requests: make(chan *request, cfg.MaxQueue),
		baseCtx:  ctx,
		abort:    cancel,
		parents:  make(map[string]context.CancelFunc),
		pctxs:    make(map[string]context.Context),
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	return p
}

// Submit enqueues a micro-task and returns a future for its result.
// With backpressure enabled a full queue rejects with ErrOverloaded;
// otherwise the call blocks until a slot frees or the pool stops.
func (p *Pool) Submit(task work.MicroTask) (*Future, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool stopped: %w", work.ErrCancelled)
	}
	req := &request{
		task:      task,
		parentCtx: p.parentContextLocked(task.ParentID),
		future:    newFuture(),
	}
	p.mu.Unlock()

	// Enqueue attempts happen under the lock so a concurrent Stop can
	// never close the channel between the stopped check and the send.
	for {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool stopped: %w", work.ErrCancelled)
		}
		select {
		case p.requests <- req:
			p.mu.Unlock()
			return req.future, nil
		default:
		}
		p.mu.Unlock()

		if p.cfg.Backpressure {
			return nil, fmt.Errorf("queue depth %d: %w", p.cfg.MaxQueue, work.ErrOverloaded)
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-p.baseCtx.Done():
			return nil, fmt.Errorf("pool stopped: %w", work.ErrCancelled)
		}
	}
}

// CancelParent aborts all pending and in-flight micro-tasks of the
// parent. Queued tasks report cancelled when dequeued.
func (p *Pool) CancelParent(parentID string) {
	p.mu.Lock()
	cancel, ok := p.parents[parentID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// ForgetParent releases the cancellation bookkeeping after a parent
// was fully aggregated.
func (p *Pool) ForgetParent(parentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.parents[parentID]; ok {
		cancel()
		delete(p.parents, parentID)
		delete(p.pctxs, parentID)
	}
}

// QueueDepth returns the number of queued, not yet running requests
func (p *Pool) QueueDepth() int {
	return len(p.requests)
}

// Busy returns how many workers are executing right now
func (p *Pool) Busy() int {
	return int(atomic.LoadInt64(&p.busy))
}

// Workers returns the configured pool size
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// Stop drains the queue and waits up to drainTimeout for workers to
// finish, then aborts whatever is still in flight. After Stop no
// worker goroutine is alive.
func (p *Pool) Stop(drainTimeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.requests)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		log.Printf("[POOL] Drain timeout after %v, aborting in-flight tasks", drainTimeout)
		p.abort()
		<-done
	}
	p.abort()
}

// parentContextLocked returns (creating if needed) the cancellation
// context shared by all micro-tasks of one parent. Caller holds p.mu.
func (p *Pool) parentContextLocked(parentID string) context.Context {
	if ctx, ok := p.pctxs[parentID]; ok {
		return ctx
	}
	ctx, cancel := context.WithCancel(p.baseCtx)
	p.pctxs[parentID] = ctx
	p.parents[parentID] = cancel
	return ctx
}

// deadlineFor applies the timeout policy: 80% of the estimate with a
// floor, scaled by config.
func (p *Pool) deadlineFor(task work.MicroTask) time.Duration {
	d := time.Duration(float64(task.EstimatedMinutes) * 0.8 * float64(time.Minute))
	if d < p.cfg.MinDeadline {
		d = p.cfg.MinDeadline
	}
	return time.Duration(float64(d) * p.cfg.TimeScale)
}

func (p *Pool) run(workerID int) {
	defer p.wg.Done()

	for req := range p.requests {
		p.handle(workerID, req)
	}
}

func (p *Pool) handle(workerID int, req *request) {
	atomic.AddInt64(&p.busy, 1)
	defer atomic.AddInt64(&p.busy, -1)

	start := time.Now()
	result := work.MicroTaskResult{
		TaskID:   req.task.TaskID,
		ParentID: req.task.ParentID,
		WorkerID: workerID,
	}

	if err := req.parentCtx.Err(); err != nil {
		result.Status = work.StatusCancelled
		result.Err = work.ErrCancelled
		result.Duration = time.Since(start)
		req.future.deliver(result)
		return
	}

	output, err := p.attempt(req)
	result.Duration = time.Since(start)
	result.Output = output

	switch {
	case err == nil:
		result.Status = work.StatusCompleted
	case errors.Is(err, work.ErrCancelled) || errors.Is(req.parentCtx.Err(), context.Canceled):
		result.Status = work.StatusCancelled
		result.Err = work.ErrCancelled
	default:
		result.Status = work.StatusFailed
		result.Err = err
	}
	req.future.deliver(result)
}

// attempt runs the executor with the per-task deadline, retrying
// timeouts and transient failures until the retry budget is spent.
func (p *Pool) attempt(req *request) (map[string]any, error) {
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if err := req.parentCtx.Err(); err != nil {
			return nil, work.ErrCancelled
		}

		ctx, cancel := context.WithTimeout(req.parentCtx, p.deadlineFor(req.task))
		output, err := p.execute(ctx, req.task)
		cancel()

		if err == nil {
			return output, nil
		}
		if errors.Is(req.parentCtx.Err(), context.Canceled) {
			return nil, work.ErrCancelled
		}
		if errors.Is(err, context.DeadlineExceeded) {
			lastErr = fmt.Errorf("task %s: %w", req.task.TaskID, work.ErrTimeout)
			log.Printf("[POOL] Task %s timed out (attempt %d/%d)", req.task.TaskID, attempt+1, p.cfg.MaxRetries+1)
			continue
		}
		if work.IsFatal(err) {
			return nil, err
		}
		// Collaborator errors are wrapped, never propagated raw.
		lastErr = work.Transient("executor failed", err)
		log.Printf("[POOL] Task %s failed (attempt %d/%d): %v", req.task.TaskID, attempt+1, p.cfg.MaxRetries+1, err)
	}

	return nil, lastErr
}

// execute shields the pool from a blocking executor: the call runs in
// its own goroutine and the worker regains control on ctx expiry even
// if the executor ignores cancellation.
func (p *Pool) execute(ctx context.Context, task work.MicroTask) (map[string]any, error) {
	type outcome struct {
		output map[string]any
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		output, err := p.exec.Execute(ctx, task)
		ch <- outcome{output, err}
	}()

	select {
	case out := <-ch:
		return out.output, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
