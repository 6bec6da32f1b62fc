// internal/priority/scorer.go
package priority

import (
	"math"
	"strings"
	"time"

	"github.com/WORKHIVE/internal/work"
)

// AvailabilityFunc reports how many idle workers could serve the given
// capability set right now.
type AvailabilityFunc func(capabilities []string) int

// Scorer computes composite processing priority for work items.
// The breakdown of every score is stored back on the item so the
// dispatch order stays explainable.
type Scorer struct {
	available AvailabilityFunc
	now       func() time.Time
}

// NewScorer creates a scorer. availability may be nil when no worker
// directory is wired in (resource factor is then zero).
func NewScorer(available AvailabilityFunc) *Scorer {
	return &Scorer{
		available: available,
		now:       time.Now,
	}
}

// dependency and business-value keyword tables, matched case-insensitively
// against the item description.
var (
	dependencyKeywords = []string{"depends", "blocked", "requires", "prerequisite", "waiting"}
	businessKeywords   = []string{"revenue", "customer", "compliance", "security", "billing", "payment", "production", "outage"}
)

// Score computes the composite priority for the item
func (s *Scorer) Score(item *work.WorkItem) work.PriorityBreakdown {
	pb := work.PriorityBreakdown{
		ComplexityScore:    item.Complexity.BaseScore(),
		PriorityMultiplier: item.Priority.Multiplier(),
	}

	ageHours := s.now().Sub(item.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	pb.Urgency = math.Min(50, ageHours*2)

	if s.available != nil {
		pb.ResourceFactor = math.Min(30, float64(s.available(item.RequiredCapabilities))*10)
	}

	pb.DependencyFactor = dependencyFactor(item)
	pb.BusinessValue = businessValue(item)

	total := pb.ComplexityScore*pb.PriorityMultiplier + pb.Urgency + pb.ResourceFactor + pb.DependencyFactor + pb.BusinessValue
	pb.Total = int(math.Round(total))
	return pb
}

// dependencyFactor is bounded to [0, 20]: keyword mentions are worth 5
// each, explicit dependencies 3 each (capped at 15), and blocking other
// work adds a flat 10.
func dependencyFactor(item *work.WorkItem) float64 {
	desc := strings.ToLower(item.Description)

	var factor float64
	for _, kw := range dependencyKeywords {
		if strings.Contains(desc, kw) {
			factor += 5
		}
	}

	explicit := math.Min(15, float64(len(item.Dependencies))*3)
	factor += explicit

	if item.BlocksOthers {
		factor += 10
	}

	return math.Min(20, factor)
}

// businessValue is bounded to [0, 25]: business-critical keywords are
// worth 3 each plus a bonus by declared priority; auto-generated filler
// items take a 5 point penalty.
func businessValue(item *work.WorkItem) float64 {
	desc := strings.ToLower(item.Description)

	var value float64
	for _, kw := range businessKeywords {
		if strings.Contains(desc, kw) {
			value += 3
		}
	}

	switch item.Priority {
	case work.PriorityCritical:
		value += 10
	case work.PriorityHigh:
		value += 7
	case work.PriorityMedium:
		value += 4
	}

	if item.AutoGenerated {
		value -= 5
	}

	return math.Max(0, math.Min(25, value))
}
