// internal/registry/overlap.go
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/WORKHIVE/internal/work"
)

// OverlapKind classifies a detected assignment conflict
type OverlapKind string

const (
	OverlapNone               OverlapKind = "none"
	OverlapDualAssignment     OverlapKind = "dual_assignment"
	OverlapAlreadyImplemented OverlapKind = "already_implemented"
	OverlapSimilarInProgress  OverlapKind = "similar_in_progress"
)

// Overlap describes a conflict found for (item, agent)
type Overlap struct {
	Kind       OverlapKind
	OtherAgent string
	OtherID    string
}

// Claim is one processor's stake on an item during conflict resolution
type Claim struct {
	Agent      string
	AssignedAt time.Time
	// ActiveTasks is how many micro-tasks of this item the processor
	// currently holds out for execution. The active processor wins.
	ActiveTasks int
}

// sharedKeywordThreshold is the minimum number of shared description
// keywords for two items to count as similar.
const sharedKeywordThreshold = 2

// CheckOverlap inspects the item for assignment conflicts from the
// perspective of the given agent.
func (r *Registry) CheckOverlap(id, agent string) (Overlap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return Overlap{Kind: OverlapNone}, fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}

	// Someone else holds the exact item.
	if item.AssignedAgent != "" && item.AssignedAgent != agent {
		return Overlap{Kind: OverlapDualAssignment, OtherAgent: item.AssignedAgent, OtherID: id}, nil
	}

	hash := descHash(item.Description)
	keywords := descKeywords(item.Description)
	caps := capSet(item.RequiredCapabilities)

	for _, other := range r.items {
		if other.ID == id {
			continue
		}
		// An equivalent item was already completed elsewhere.
		if other.Status == work.StatusCompleted && other.Name == item.Name && descHash(other.Description) == hash {
			return Overlap{Kind: OverlapAlreadyImplemented, OtherAgent: other.AssignedAgent, OtherID: other.ID}, nil
		}
		// Similar work is in flight: capability sets intersect and the
		// descriptions share enough keywords.
		if other.Status == work.StatusInProgress && other.AssignedAgent != agent {
			if capsIntersect(caps, other.RequiredCapabilities) &&
				sharedKeywords(keywords, descKeywords(other.Description)) >= sharedKeywordThreshold {
				return Overlap{Kind: OverlapSimilarInProgress, OtherAgent: other.AssignedAgent, OtherID: other.ID}, nil
			}
		}
	}

	return Overlap{Kind: OverlapNone}, nil
}

// ResolveDualAssignment picks a single winner among claims on an item
// and rewrites the assignment atomically. A processor that actually has
// micro-tasks out for the item beats one that only marked it; among
// equally active claimants the earliest assigned_at wins, then the
// lexicographically smaller agent id.
func (r *Registry) ResolveDualAssignment(id string, claims []Claim) (string, error) {
	if len(claims) == 0 {
		return "", fmt.Errorf("%w: no claims for %s", work.ErrValidation, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", work.ErrNotFound, id)
	}

	ordered := append([]Claim(nil), claims...)
	sort.Slice(ordered, func(i, j int) bool {
		ai, aj := ordered[i].ActiveTasks > 0, ordered[j].ActiveTasks > 0
		if ai != aj {
			return ai
		}
		if !ordered[i].AssignedAt.Equal(ordered[j].AssignedAt) {
			return ordered[i].AssignedAt.Before(ordered[j].AssignedAt)
		}
		return ordered[i].Agent < ordered[j].Agent
	})

	winner := ordered[0]
	item.AssignedAgent = winner.Agent
	at := winner.AssignedAt
	item.AssignedAt = &at
	item.LastUpdated = time.Now()
	return winner.Agent, nil
}

// descKeywords tokenizes a description into significant lowercase words
func descKeywords(description string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) < 4 || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true,
	"into": true, "when": true, "then": true, "should": true,
	"must": true, "will": true, "have": true, "been": true,
}

func sharedKeywords(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func capSet(caps []string) map[string]bool {
	out := make(map[string]bool, len(caps))
	for _, c := range caps {
		out[c] = true
	}
	return out
}

func capsIntersect(a map[string]bool, b []string) bool {
	for _, c := range b {
		if a[c] {
			return true
		}
	}
	return false
}
