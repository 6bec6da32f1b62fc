package nats

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"
)

// HandlerCallbacks defines the hooks the daemon wires into the
// messaging plane. Submit and register run over request/reply so the
// caller gets the assigned id back.
type HandlerCallbacks struct {
	OnSubmitWork func(req SubmitRequest) (id string, err error)
	OnCancelWork func(id, cancelledBy string) error
	OnHeartbeat  func(agentID string) error
	OnRegister   func(name string, capabilities []string, pinned bool) (agentID string, err error)
}

// Handler processes inbound NATS messages and delegates to callbacks
type Handler struct {
	client    *Client
	callbacks HandlerCallbacks

	subs   []*nats.Subscription
	subsMu sync.Mutex

	running bool
}

// NewHandler creates a new NATS message handler
func NewHandler(client *Client, callbacks HandlerCallbacks) *Handler {
	return &Handler{
		client:    client,
		callbacks: callbacks,
	}
}

// Start subscribes to the inbound subjects
func (h *Handler) Start() error {
	if h.running {
		return fmt.Errorf("handler already running")
	}
	h.running = true

	// Queue group so multiple daemon instances split the submit load.
	sub, err := h.client.QueueSubscribe(SubjectWorkSubmit, QueueGroup, h.handleSubmit)
	if err != nil {
		return fmt.Errorf("failed to subscribe to work submit: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.QueueSubscribe(SubjectWorkCancel, QueueGroup, h.handleCancel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to work cancel: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.QueueSubscribe(SubjectAgentRegister, QueueGroup, h.handleRegister)
	if err != nil {
		return fmt.Errorf("failed to subscribe to agent register: %w", err)
	}
	h.addSub(sub)

	sub, err = h.client.Subscribe(SubjectAllHeartbeats, h.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	h.addSub(sub)

	log.Printf("[NATS-HANDLER] Started, subscribed to %d subjects", len(h.subs))
	return nil
}

// Stop terminates message processing
func (h *Handler) Stop() {
	if !h.running {
		return
	}

	h.subsMu.Lock()
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
	h.subs = nil
	h.subsMu.Unlock()

	h.running = false
	log.Printf("[NATS-HANDLER] Stopped")
}

func (h *Handler) addSub(sub *nats.Subscription) {
	h.subsMu.Lock()
	h.subs = append(h.subs, sub)
	h.subsMu.Unlock()
}

func (h *Handler) handleSubmit(msg *Message) {
	var req SubmitRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg.Reply, SubmitResponse{Error: "invalid request format"})
		return
	}
	if h.callbacks.OnSubmitWork == nil {
		h.reply(msg.Reply, SubmitResponse{Error: "no submit handler configured"})
		return
	}

	id, err := h.callbacks.OnSubmitWork(req)
	if err != nil {
		h.reply(msg.Reply, SubmitResponse{Error: err.Error()})
		return
	}
	h.reply(msg.Reply, SubmitResponse{ID: id})
}

func (h *Handler) handleCancel(msg *Message) {
	var req CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg.Reply, CancelResponse{Error: "invalid request format"})
		return
	}
	if h.callbacks.OnCancelWork == nil {
		h.reply(msg.Reply, CancelResponse{Error: "no cancel handler configured"})
		return
	}

	if err := h.callbacks.OnCancelWork(req.ID, req.CancelledBy); err != nil {
		h.reply(msg.Reply, CancelResponse{Error: err.Error()})
		return
	}
	h.reply(msg.Reply, CancelResponse{OK: true})
}

func (h *Handler) handleRegister(msg *Message) {
	var req RegisterRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.reply(msg.Reply, RegisterResponse{Error: "invalid request format"})
		return
	}
	if h.callbacks.OnRegister == nil {
		h.reply(msg.Reply, RegisterResponse{Error: "no register handler configured"})
		return
	}

	id, err := h.callbacks.OnRegister(req.Name, req.Capabilities, req.Pinned)
	if err != nil {
		h.reply(msg.Reply, RegisterResponse{Error: err.Error()})
		return
	}
	h.reply(msg.Reply, RegisterResponse{AgentID: id})
}

func (h *Handler) handleHeartbeat(msg *Message) {
	var hb HeartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		log.Printf("[NATS-HANDLER] Invalid heartbeat message: %v", err)
		return
	}
	if h.callbacks.OnHeartbeat == nil {
		return
	}
	if err := h.callbacks.OnHeartbeat(hb.AgentID); err != nil {
		log.Printf("[NATS-HANDLER] Heartbeat callback error: %v", err)
	}
}

// reply sends a JSON response to a reply subject
func (h *Handler) reply(subject string, data interface{}) {
	if subject == "" {
		return
	}
	if err := h.client.PublishJSON(subject, data); err != nil {
		log.Printf("[NATS-HANDLER] Failed to send reply: %v", err)
	}
}
