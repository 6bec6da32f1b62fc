package nats

import "time"

// QueueGroup is shared by every daemon instance on the broker so
// request/reply subjects load-balance instead of fanning out.
const QueueGroup = "workhive"

// Subject constants for the workhive messaging plane
const (
	// SubjectWorkSubmit accepts work submissions over request/reply
	SubjectWorkSubmit = "workhive.work.submit"

	// SubjectWorkCancel accepts cancellation requests over request/reply
	SubjectWorkCancel = "workhive.work.cancel"

	// SubjectAgentRegister accepts agent registrations over request/reply
	SubjectAgentRegister = "workhive.agents.register"

	// SubjectAgentHeartbeat is the pattern for agent heartbeats.
	// Use fmt.Sprintf(SubjectAgentHeartbeat, agentID) to create specific subjects.
	SubjectAgentHeartbeat = "workhive.agents.%s.heartbeat"

	// SubjectAllHeartbeats subscribes to every agent heartbeat
	SubjectAllHeartbeats = "workhive.agents.*.heartbeat"

	// SubjectEventPrefix is prepended to the event type when the bridge
	// republishes bus events, e.g. workhive.events.work_completed.
	SubjectEventPrefix = "workhive.events."

	// SubjectAllEvents subscribes to the full event firehose
	SubjectAllEvents = "workhive.events.>"
)

// SubmitRequest asks the daemon to accept a new work item
type SubmitRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Kind           string     `json:"kind"`
	Complexity     string     `json:"complexity"`
	Priority       string     `json:"priority"`
	EstimatedHours float64    `json:"estimated_hours,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	Dependencies   []string   `json:"dependencies,omitempty"`
}

// SubmitResponse carries the accepted item id or the rejection reason
type SubmitResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// CancelRequest asks the daemon to cancel a live work item
type CancelRequest struct {
	ID          string `json:"id"`
	CancelledBy string `json:"cancelled_by"`
}

// CancelResponse reports whether the cancellation took effect
type CancelResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RegisterRequest registers an external agent with the directory
type RegisterRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities,omitempty"`
	Pinned       bool     `json:"pinned,omitempty"`
}

// RegisterResponse carries the assigned agent id
type RegisterResponse struct {
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HeartbeatMessage is a liveness signal from an agent
type HeartbeatMessage struct {
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventMessage is the wire form of a bus event republished by the bridge
type EventMessage struct {
	EventID   string                 `json:"event_id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
