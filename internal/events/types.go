package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Event type constants
const (
	EventWorkSubmitted    EventType = "work_submitted"
	EventWorkMarked       EventType = "work_marked"
	EventWorkStarted      EventType = "work_started"
	EventWorkCompleted    EventType = "work_completed"
	EventWorkFailed       EventType = "work_failed"
	EventWorkCancelled    EventType = "work_cancelled"
	EventJobScheduled     EventType = "job_scheduled"
	EventJobCompleted     EventType = "job_completed"
	EventJobFailed        EventType = "job_failed"
	EventAgentRegistered  EventType = "agent_registered"
	EventAgentLost        EventType = "agent_lost"
	EventScaleAction      EventType = "scale_action"
	EventConflictResolved EventType = "conflict_resolved"
)

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, source, target string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Target:    target,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		EventWorkSubmitted,
		EventWorkMarked,
		EventWorkStarted,
		EventWorkCompleted,
		EventWorkFailed,
		EventWorkCancelled,
		EventJobScheduled,
		EventJobCompleted,
		EventJobFailed,
		EventAgentRegistered,
		EventAgentLost,
		EventScaleAction,
		EventConflictResolved,
	}
}
