// internal/metrics/health.go
package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HealthStatus represents overall daemon health
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthCritical HealthStatus = "critical"
)

// Alert flags a threshold breach found during a health check
type Alert struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Thresholds configure the health checker
type Thresholds struct {
	// MaxQueueDepth flags a worker queue that is not draining.
	MaxQueueDepth int
	// MinSuccessRate flags a failing pipeline once enough parents
	// have finished to make the rate meaningful.
	MinSuccessRate float64
	MinFinished    int64
	// MaxPendingBacklog flags a backlog the scaler cannot absorb.
	MaxPendingBacklog int
}

// DefaultThresholds returns production defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxQueueDepth:     200,
		MinSuccessRate:    0.5,
		MinFinished:       10,
		MaxPendingBacklog: 500,
	}
}

// Health is the evaluated state returned by the health endpoint.
// Status reflects every active breach; NewAlerts carries only breaches
// that were not already reported in the last five minutes, so event
// consumers are not flooded by a persistent condition.
type Health struct {
	Status    HealthStatus `json:"status"`
	Breaches  []string     `json:"breaches,omitempty"`
	NewAlerts []*Alert     `json:"new_alerts,omitempty"`
}

type breach struct {
	kind     string
	severity string
	msg      string
}

// HealthChecker evaluates snapshots against thresholds
type HealthChecker struct {
	mu           sync.Mutex
	thresholds   Thresholds
	recentAlerts map[string]time.Time
}

// NewHealthChecker creates a health checker
func NewHealthChecker(thresholds Thresholds) *HealthChecker {
	return &HealthChecker{
		thresholds:   thresholds,
		recentAlerts: make(map[string]time.Time),
	}
}

// SetThresholds updates the thresholds
func (h *HealthChecker) SetThresholds(thresholds Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thresholds = thresholds
}

// Check evaluates one snapshot plus the stale agent count
func (h *HealthChecker) Check(snap Snapshot, staleAgents int) Health {
	h.mu.Lock()
	thresholds := h.thresholds
	h.mu.Unlock()

	var breaches []breach

	if thresholds.MaxQueueDepth > 0 && snap.QueueDepth >= thresholds.MaxQueueDepth {
		breaches = append(breaches, breach{"queue_depth", "critical",
			fmt.Sprintf("worker queue depth %d at or above %d", snap.QueueDepth, thresholds.MaxQueueDepth)})
	}

	finished := int64(snap.Completed + snap.Failed)
	if thresholds.MinSuccessRate > 0 && finished >= thresholds.MinFinished && snap.SuccessRate < thresholds.MinSuccessRate {
		breaches = append(breaches, breach{"success_rate", "critical",
			fmt.Sprintf("success rate %.2f below %.2f", snap.SuccessRate, thresholds.MinSuccessRate)})
	}

	if thresholds.MaxPendingBacklog > 0 && snap.Pending >= thresholds.MaxPendingBacklog {
		breaches = append(breaches, breach{"pending_backlog", "warning",
			fmt.Sprintf("pending backlog %d at or above %d", snap.Pending, thresholds.MaxPendingBacklog)})
	}

	if staleAgents > 0 {
		breaches = append(breaches, breach{"stale_agents", "warning",
			fmt.Sprintf("%d agents missed their heartbeat window", staleAgents)})
	}

	if snap.TotalAgents == 0 {
		breaches = append(breaches, breach{"no_agents", "critical", "no agents registered"})
	}

	health := Health{Status: HealthHealthy}
	for _, b := range breaches {
		health.Breaches = append(health.Breaches, b.msg)
		if b.severity == "critical" {
			health.Status = HealthCritical
		} else if health.Status == HealthHealthy {
			health.Status = HealthDegraded
		}
		if a := h.alert(b.kind, b.severity, b.msg); a != nil {
			health.NewAlerts = append(health.NewAlerts, a)
		}
	}
	return health
}

// alert builds an alert unless the same kind fired recently
func (h *HealthChecker) alert(kind, severity, msg string) *Alert {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for k, t := range h.recentAlerts {
		if now.Sub(t) > 5*time.Minute {
			delete(h.recentAlerts, k)
		}
	}
	if _, exists := h.recentAlerts[kind]; exists {
		return nil
	}
	h.recentAlerts[kind] = now

	return &Alert{
		ID:        uuid.New().String(),
		Type:      kind,
		Message:   msg,
		Severity:  severity,
		CreatedAt: now,
	}
}
