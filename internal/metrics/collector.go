package metrics

import (
	"sync"
	"time"

	"github.com/WORKHIVE/internal/work"
)

// Snapshot is the read-only view of the whole daemon at one instant.
// It is what the health endpoint and the scaler consume.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`

	TotalAgents int `json:"total_agents"`
	BusyAgents  int `json:"busy_agents"`

	AvgProcessingMs  int64   `json:"avg_processing_ms"`
	SuccessRate      float64 `json:"success_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	QueueDepth       int     `json:"queue_depth"`
	ScalerLastAction string  `json:"scaler_last_action"`
}

// Sources are the sampling hooks the collector pulls from. Function
// values instead of concrete subsystem types keep the dependency arrow
// pointing one way: subsystems never learn about metrics.
type Sources struct {
	Counts        func() map[work.Status]int
	AgentTotal    func() int
	AgentBusy     func() int
	QueueDepth    func() int
	ParentTotals  func() (completed, failed int64)
	AvgProcessing func() time.Duration
	CacheHitRate  func() float64
	ScalerAction  func() string
}

// Collector aggregates and stores daemon metrics
type Collector interface {
	TakeSnapshot() Snapshot
	Latest() Snapshot
	GetHistory() []Snapshot
	ResetHistory()
}

// StandardCollector implements Collector by polling the sources
type StandardCollector struct {
	mu         sync.RWMutex
	sources    Sources
	latest     Snapshot
	history    []Snapshot
	maxHistory int
}

// NewCollector creates a collector over the given sources. Nil hooks
// leave their fields zero, so partial wiring in tests is fine.
func NewCollector(sources Sources) *StandardCollector {
	return &StandardCollector{
		sources:    sources,
		history:    []Snapshot{},
		maxHistory: 1000,
	}
}

// TakeSnapshot samples every source and appends to the history ring
func (c *StandardCollector) TakeSnapshot() Snapshot {
	snap := Snapshot{Timestamp: time.Now()}

	if c.sources.Counts != nil {
		counts := c.sources.Counts()
		snap.Pending = counts[work.StatusPending]
		snap.InProgress = counts[work.StatusInProgress]
		snap.Completed = counts[work.StatusCompleted]
		snap.Failed = counts[work.StatusFailed]
	}
	if c.sources.AgentTotal != nil {
		snap.TotalAgents = c.sources.AgentTotal()
	}
	if c.sources.AgentBusy != nil {
		snap.BusyAgents = c.sources.AgentBusy()
	}
	if c.sources.QueueDepth != nil {
		snap.QueueDepth = c.sources.QueueDepth()
	}
	if c.sources.ParentTotals != nil {
		completed, failed := c.sources.ParentTotals()
		if total := completed + failed; total > 0 {
			snap.SuccessRate = float64(completed) / float64(total)
		}
	}
	if c.sources.AvgProcessing != nil {
		snap.AvgProcessingMs = c.sources.AvgProcessing().Milliseconds()
	}
	if c.sources.CacheHitRate != nil {
		snap.CacheHitRate = c.sources.CacheHitRate()
	}
	if c.sources.ScalerAction != nil {
		snap.ScalerLastAction = c.sources.ScalerAction()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.latest = snap
	c.history = append(c.history, snap)
	if len(c.history) > c.maxHistory {
		// Prune to exactly maxHistory items
		c.history = c.history[len(c.history)-c.maxHistory:]
	}
	return snap
}

// Latest returns the most recent snapshot without resampling
func (c *StandardCollector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest
}

// GetHistory returns a copy of the snapshot history
func (c *StandardCollector) GetHistory() []Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Snapshot, len(c.history))
	copy(result, c.history)
	return result
}

// ResetHistory clears the snapshot history
func (c *StandardCollector) ResetHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = []Snapshot{}
}
