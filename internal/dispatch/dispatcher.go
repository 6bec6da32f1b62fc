// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/WORKHIVE/internal/breakdown"
	"github.com/WORKHIVE/internal/events"
	"github.com/WORKHIVE/internal/pool"
	"github.com/WORKHIVE/internal/priority"
	"github.com/WORKHIVE/internal/registry"
	"github.com/WORKHIVE/internal/work"
)

// Config holds dispatcher tunables
type Config struct {
	// AgentID is the processor identity written into assigned_agent
	// when marking items.
	AgentID string

	// Quota caps how many items of each kind one tick may load.
	Quota map[work.Kind]int

	// ParentTimeout bounds aggregation of one parent's micro-tasks.
	ParentTimeout time.Duration

	// TickWarn is the soft budget for one tick; exceeding it logs.
	TickWarn time.Duration

	MaxRetries       int
	RetryBackoffBase time.Duration

	// EnableBackfill synthesizes auto-generated filler items when the
	// pending backlog drops below RefillThreshold. Off by default.
	EnableBackfill  bool
	RefillThreshold int
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		AgentID: "dispatcher-1",
		Quota: map[work.Kind]int{
			work.KindTask:        1,
			work.KindComplexTodo: 3,
			work.KindTodo:        10,
		},
		ParentTimeout:    5 * time.Minute,
		TickWarn:         10 * time.Second,
		MaxRetries:       3,
		RetryBackoffBase: time.Second,
		EnableBackfill:   false,
		RefillThreshold:  5,
	}
}

// TickStats summarizes one scan-mark-load-dispatch iteration
type TickStats struct {
	Scanned    int
	Marked     int
	Errors     int
	Requeued   int
	Loaded     int
	Dispatched int
	Conflicts  int
	Elapsed    time.Duration
}

// Dispatcher runs the scan / mark / batch-load loop against the
// registry, decomposes loaded items through the breakdown engine and
// pushes the resulting micro-tasks into the worker pool. One
// dispatcher owns the items it marks; a second dispatcher sharing the
// registry is handled by the conflict detection pass.
type Dispatcher struct {
	cfg    Config
	reg    *registry.Registry
	scorer *priority.Scorer
	engine *breakdown.Engine
	pool   *pool.Pool
	bus    *events.Bus

	mu      sync.Mutex
	active  map[string]int // parentID -> outstanding micro-tasks
	stopped bool
	wg      sync.WaitGroup

	completedParents int64
	failedParents    int64
	processingTotal  time.Duration
	lastTick         TickStats
	backfillSeq      int
}

// New creates a dispatcher. bus may be nil.
func New(cfg Config, reg *registry.Registry, scorer *priority.Scorer, engine *breakdown.Engine, p *pool.Pool, bus *events.Bus) *Dispatcher {
	if cfg.AgentID == "" {
		cfg.AgentID = "dispatcher-1"
	}
	if len(cfg.Quota) == 0 {
		cfg.Quota = DefaultConfig().Quota
	}
	if cfg.ParentTimeout <= 0 {
		cfg.ParentTimeout = 5 * time.Minute
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		reg:    reg,
		scorer: scorer,
		engine: engine,
		pool:   p,
		bus:    bus,
		active: make(map[string]int),
	}
}

// Submit inserts a new item into the registry and announces it.
// This is the single entry point for external producers.
func (d *Dispatcher) Submit(item *work.WorkItem) error {
	if err := d.reg.Insert(item); err != nil {
		return err
	}
	d.publish(events.EventWorkSubmitted, events.PriorityNormal, map[string]interface{}{
		"item_id": item.ID,
		"kind":    string(item.Kind),
	})
	return nil
}

// CancelItem cancels the item and aborts its in-flight micro-tasks
func (d *Dispatcher) CancelItem(id, by string) error {
	if err := d.reg.Cancel(id, by); err != nil {
		return err
	}
	d.pool.CancelParent(id)
	d.publish(events.EventWorkCancelled, events.PriorityHigh, map[string]interface{}{
		"item_id":      id,
		"cancelled_by": by,
	})
	return nil
}

// Tick runs one full dispatcher iteration
func (d *Dispatcher) Tick(ctx context.Context) TickStats {
	start := time.Now()
	var stats TickStats

	stats.Requeued = d.requeueRetrying(start)

	stats.Scanned, stats.Marked, stats.Errors = d.scan()

	loaded := d.batchLoad()
	stats.Loaded = len(loaded)

	for _, item := range loaded {
		if err := d.dispatch(ctx, item); err != nil {
			log.Printf("[DISPATCH] Item %s not dispatched: %v", item.ID, err)
			stats.Errors++
			// Give the item back so the next tick can retry it.
			if rerr := d.reg.Release(item.ID); rerr != nil {
				log.Printf("[DISPATCH] Release %s failed: %v", item.ID, rerr)
			}
			continue
		}
		stats.Dispatched++
	}

	stats.Conflicts = d.selfHeal()

	if d.cfg.EnableBackfill {
		d.backfill()
	}

	stats.Elapsed = time.Since(start)
	if d.cfg.TickWarn > 0 && stats.Elapsed > d.cfg.TickWarn {
		log.Printf("[DISPATCH] Tick took %v, budget is %v", stats.Elapsed, d.cfg.TickWarn)
	}

	d.mu.Lock()
	d.lastTick = stats
	d.mu.Unlock()

	if stats.Marked > 0 || stats.Dispatched > 0 || stats.Errors > 0 {
		log.Printf("[DISPATCH] Scan: %d scanned, %d marked, %d errors; loaded %d, dispatched %d",
			stats.Scanned, stats.Marked, stats.Errors, stats.Loaded, stats.Dispatched)
	}
	return stats
}

// Stop waits for in-flight parent aggregations to settle
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
}

// LastTick returns the stats of the most recent iteration
func (d *Dispatcher) LastTick() TickStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTick
}

// Totals returns completed and failed parent tallies
func (d *Dispatcher) Totals() (completed, failed int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completedParents, d.failedParents
}

// AvgProcessing returns the mean wall time per finished parent
func (d *Dispatcher) AvgProcessing() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	finished := d.completedParents + d.failedParents
	if finished == 0 {
		return 0
	}
	return d.processingTotal / time.Duration(finished)
}

// ActiveParents returns how many parents have micro-tasks in flight
func (d *Dispatcher) ActiveParents() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// requeueRetrying moves retrying items whose backoff expired back to
// pending so the scan below can pick them up again.
func (d *Dispatcher) requeueRetrying(now time.Time) int {
	n := 0
	for _, item := range d.reg.ByStatus(work.StatusRetrying) {
		if item.NextRetryAt != nil && now.Before(*item.NextRetryAt) {
			continue
		}
		if err := d.reg.UpdateStatus(item.ID, work.StatusPending); err != nil {
			log.Printf("[DISPATCH] Requeue %s failed: %v", item.ID, err)
			continue
		}
		n++
	}
	return n
}

// scan marks every eligible pending item with our processor identity
// and stores its priority breakdown.
func (d *Dispatcher) scan() (scanned, marked, errors int) {
	for _, item := range d.reg.ByStatus(work.StatusPending) {
		scanned++
		if item.AssignedAgent != "" {
			continue
		}
		if !d.reg.MarkForProcessing(item.ID, d.cfg.AgentID) {
			continue
		}
		pb := d.scorer.Score(item)
		if err := d.reg.SetPriorityBreakdown(item.ID, pb); err != nil {
			log.Printf("[DISPATCH] Scoring %s failed: %v", item.ID, err)
			errors++
			continue
		}
		marked++
		d.publish(events.EventWorkMarked, events.PriorityLow, map[string]interface{}{
			"item_id":  item.ID,
			"priority": pb.Total,
		})
	}
	return scanned, marked, errors
}

// batchLoad drains marked items up to the per-kind quota, highest
// priority first, and moves them to in_progress.
func (d *Dispatcher) batchLoad() []*work.WorkItem {
	var loaded []*work.WorkItem

	for _, kind := range []work.Kind{work.KindTask, work.KindComplexTodo, work.KindTodo} {
		quota := d.cfg.Quota[kind]
		if quota <= 0 {
			continue
		}
		taken := 0
		for _, item := range d.reg.PendingOfKind(kind, 0) {
			if taken >= quota {
				break
			}
			if item.AssignedAgent != d.cfg.AgentID {
				continue
			}
			if unmet, err := d.reg.Unmet(item.ID); err != nil || len(unmet) > 0 {
				continue
			}
			if err := d.reg.UpdateStatus(item.ID, work.StatusInProgress); err != nil {
				log.Printf("[DISPATCH] Load %s failed: %v", item.ID, err)
				continue
			}
			item.Status = work.StatusInProgress
			loaded = append(loaded, item)
			taken++
			d.publish(events.EventWorkStarted, events.PriorityNormal, map[string]interface{}{
				"item_id": item.ID,
				"kind":    string(kind),
			})
		}
	}
	return loaded
}

// dispatch decomposes the item and submits its micro-tasks to the
// pool, then aggregates the results in the background.
func (d *Dispatcher) dispatch(ctx context.Context, item *work.WorkItem) error {
	tasks, key, hit, err := d.engine.Breakdown(item)
	if err != nil {
		return fmt.Errorf("breakdown: %w", err)
	}
	if err := d.reg.SetSubtasks(item.ID, tasks, key); err != nil {
		return fmt.Errorf("store subtasks: %w", err)
	}
	if hit {
		log.Printf("[DISPATCH] Breakdown for %s served from cache (%d micro-tasks)", item.ID, len(tasks))
	}

	futures := make([]*pool.Future, 0, len(tasks))
	for _, task := range tasks {
		fut, err := d.pool.Submit(task)
		if err != nil {
			// Abort the whole parent; partial submission would leave
			// orphaned micro-tasks running with no aggregator.
			d.pool.CancelParent(item.ID)
			d.pool.ForgetParent(item.ID)
			return fmt.Errorf("submit %s: %w", task.TaskID, err)
		}
		futures = append(futures, fut)
	}

	d.mu.Lock()
	d.active[item.ID] = len(futures)
	d.mu.Unlock()

	d.wg.Add(1)
	go d.aggregate(ctx, item, tasks, futures)
	return nil
}

// aggregate awaits every micro-task of one parent, with the per-parent
// timeout, then writes the outcome back into the registry.
func (d *Dispatcher) aggregate(ctx context.Context, item *work.WorkItem, tasks []work.MicroTask, futures []*pool.Future) {
	defer d.wg.Done()
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ParentTimeout)
	defer cancel()

	parent := work.ParentResult{
		ParentID:        item.ID,
		TotalMicroTasks: len(tasks),
		WorkerResults:   make(map[int][]work.MicroTaskResult),
	}
	for _, task := range tasks {
		parent.TotalEstimatedHours += float64(task.EstimatedMinutes) / 60.0
	}

	var lastErr string
	for i, fut := range futures {
		result, err := fut.Wait(waitCtx)
		if err != nil {
			// Timed out or the daemon is shutting down; the rest of the
			// parent cannot finish either.
			d.pool.CancelParent(item.ID)
			parent.Failed += len(futures) - i
			lastErr = err.Error()
			break
		}

		d.mu.Lock()
		if d.active[item.ID] > 0 {
			d.active[item.ID]--
		}
		d.mu.Unlock()

		parent.WorkerResults[result.WorkerID] = append(parent.WorkerResults[result.WorkerID], result)

		switch result.Status {
		case work.StatusCompleted:
			parent.Successful++
			if err := d.reg.UpdateSubtaskProgress(item.ID, tasks[i].Title, 1.0); err != nil {
				log.Printf("[DISPATCH] Progress update for %s failed: %v", item.ID, err)
			}
		case work.StatusCancelled:
			// Counted in neither column; a cancelled parent settles
			// from the registry status, not the tallies.
		default:
			parent.Failed++
			if result.Err != nil {
				lastErr = result.Err.Error()
			}
		}
	}
	parent.TotalWorkers = len(parent.WorkerResults)
	parent.CollaborationTimeSeconds = time.Since(start).Seconds()

	d.pool.ForgetParent(item.ID)
	d.mu.Lock()
	delete(d.active, item.ID)
	d.mu.Unlock()

	d.settle(item, parent, lastErr, time.Since(start))
}

// settle applies the aggregated outcome to the registry
func (d *Dispatcher) settle(item *work.WorkItem, parent work.ParentResult, lastErr string, elapsed time.Duration) {
	current, err := d.reg.Get(item.ID)
	if err != nil {
		log.Printf("[DISPATCH] Settle %s: %v", item.ID, err)
		return
	}
	if current.Status == work.StatusCancelled {
		d.finishParent(false, elapsed)
		return
	}

	if parent.Succeeded() {
		if err := d.reg.UpdateStatus(item.ID, work.StatusCompleted); err != nil {
			log.Printf("[DISPATCH] Complete %s failed: %v", item.ID, err)
			return
		}
		parent.CacheCleared = d.engine.PurgeParent(item.ID) > 0
		d.finishParent(true, elapsed)
		d.publish(events.EventWorkCompleted, events.PriorityNormal, map[string]interface{}{
			"item_id":               item.ID,
			"successful":            parent.Successful,
			"failed":                parent.Failed,
			"micro_tasks":           parent.TotalMicroTasks,
			"workers":               parent.TotalWorkers,
			"estimated_hours":       parent.TotalEstimatedHours,
			"collaboration_seconds": parent.CollaborationTimeSeconds,
			"cache_cleared":         parent.CacheCleared,
			"duration":              elapsed.String(),
		})
		return
	}

	// Nothing succeeded: retry with exponential backoff until the
	// budget is spent, then fail the item for good.
	retryable := current.RetryCount < d.cfg.MaxRetries
	backoff := time.Duration(float64(d.cfg.RetryBackoffBase) * math.Pow(2, float64(current.RetryCount)))
	if err := d.reg.RecordFailure(item.ID, lastErr, retryable, time.Now().Add(backoff)); err != nil {
		log.Printf("[DISPATCH] Record failure for %s: %v", item.ID, err)
	}

	if retryable {
		log.Printf("[DISPATCH] Item %s failed (retry %d/%d), next attempt in %v",
			item.ID, current.RetryCount+1, d.cfg.MaxRetries, backoff)
		d.finishParent(false, elapsed)
		return
	}

	d.finishParent(false, elapsed)
	d.publish(events.EventWorkFailed, events.PriorityHigh, map[string]interface{}{
		"item_id": item.ID,
		"error":   lastErr,
	})
}

func (d *Dispatcher) finishParent(completed bool, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if completed {
		d.completedParents++
	} else {
		d.failedParents++
	}
	d.processingTotal += elapsed
}

// selfHeal runs conflict detection over the items we own and resolves
// dual assignments in favor of the active processor.
func (d *Dispatcher) selfHeal() int {
	resolved := 0
	for _, item := range d.reg.ByStatus(work.StatusInProgress) {
		overlap, err := d.reg.CheckOverlap(item.ID, d.cfg.AgentID)
		if err != nil || overlap.Kind != registry.OverlapDualAssignment {
			continue
		}

		d.mu.Lock()
		ours := d.active[item.ID]
		d.mu.Unlock()

		assignedAt := time.Now()
		if item.AssignedAt != nil {
			assignedAt = *item.AssignedAt
		}
		claims := []registry.Claim{
			{Agent: d.cfg.AgentID, AssignedAt: time.Now(), ActiveTasks: ours},
			{Agent: overlap.OtherAgent, AssignedAt: assignedAt, ActiveTasks: 0},
		}
		winner, err := d.reg.ResolveDualAssignment(item.ID, claims)
		if err != nil {
			log.Printf("[DISPATCH] Conflict resolution for %s failed: %v", item.ID, err)
			continue
		}
		resolved++
		if winner != d.cfg.AgentID {
			// We lost the claim; abandon our micro-tasks for the item.
			d.pool.CancelParent(item.ID)
		}
		d.publish(events.EventConflictResolved, events.PriorityHigh, map[string]interface{}{
			"item_id": item.ID,
			"winner":  winner,
		})
	}
	return resolved
}

// backfill keeps the pipeline warm with clearly flagged filler items
func (d *Dispatcher) backfill() {
	counts := d.reg.Counts()
	if counts[work.StatusPending] >= d.cfg.RefillThreshold {
		return
	}

	d.mu.Lock()
	d.backfillSeq++
	seq := d.backfillSeq
	d.mu.Unlock()

	item := work.NewTodo(
		fmt.Sprintf("maintenance sweep %d", seq),
		"auto-generated maintenance item: verify registry consistency and refresh stale metrics",
		work.ComplexityLow,
		work.PriorityLow,
	)
	item.EstimatedHours = 0.25
	item.AutoGenerated = true
	if err := d.reg.Insert(item); err != nil {
		log.Printf("[DISPATCH] Backfill insert failed: %v", err)
		return
	}
	log.Printf("[DISPATCH] Backfilled %s (pending backlog below %d)", item.ID, d.cfg.RefillThreshold)
}

func (d *Dispatcher) publish(t events.EventType, prio int, payload map[string]interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.NewEvent(t, "dispatcher", "all", prio, payload))
}
