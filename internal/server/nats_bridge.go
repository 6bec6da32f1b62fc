package server

import (
	"log"
	"sync"

	"github.com/WORKHIVE/internal/events"
	natslib "github.com/WORKHIVE/internal/nats"
)

// NATSBridge connects the messaging plane to the daemon. Inbound it
// maps submit, cancel, register and heartbeat messages onto the same
// subsystems the HTTP API uses; outbound it republishes every bus
// event onto workhive.events.<type> so external consumers can follow
// the lifecycle without a websocket.
type NATSBridge struct {
	deps    Deps
	client  *natslib.Client
	handler *natslib.Handler

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewNATSBridge creates a bridge between NATS and the daemon
func NewNATSBridge(deps Deps, client *natslib.Client) *NATSBridge {
	bridge := &NATSBridge{
		deps:     deps,
		client:   client,
		stopChan: make(chan struct{}),
	}

	bridge.handler = natslib.NewHandler(client, natslib.HandlerCallbacks{
		OnSubmitWork: bridge.handleSubmit,
		OnCancelWork: bridge.handleCancel,
		OnHeartbeat:  bridge.handleHeartbeat,
		OnRegister:   bridge.handleRegister,
	})
	return bridge
}

// Start begins processing inbound messages and republishing events
func (b *NATSBridge) Start() error {
	if err := b.handler.Start(); err != nil {
		return err
	}
	go b.pumpEvents()
	return nil
}

// Stop terminates message processing
func (b *NATSBridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.handler.Stop()
}

func (b *NATSBridge) handleSubmit(req natslib.SubmitRequest) (string, error) {
	item, err := BuildWorkItem(submitWorkRequest{
		Name:           req.Name,
		Description:    req.Description,
		Kind:           req.Kind,
		Complexity:     req.Complexity,
		Priority:       req.Priority,
		EstimatedHours: req.EstimatedHours,
		Deadline:       req.Deadline,
		Dependencies:   req.Dependencies,
	})
	if err != nil {
		return "", err
	}
	if err := b.deps.Dispatcher.Submit(item); err != nil {
		return "", err
	}
	log.Printf("[NATS-BRIDGE] Accepted %s %q over NATS", item.Kind, item.Name)
	return item.ID, nil
}

func (b *NATSBridge) handleCancel(id, cancelledBy string) error {
	if cancelledBy == "" {
		cancelledBy = "nats"
	}
	return b.deps.Dispatcher.CancelItem(id, cancelledBy)
}

func (b *NATSBridge) handleHeartbeat(agentID string) error {
	return b.deps.Directory.Heartbeat(agentID)
}

func (b *NATSBridge) handleRegister(name string, capabilities []string, pinned bool) (string, error) {
	agent := b.deps.Directory.Register(name, capabilities, pinned)
	log.Printf("[NATS-BRIDGE] Registered agent %s (%s) over NATS", agent.ID, name)
	return agent.ID, nil
}

// pumpEvents republishes bus events onto the NATS event subjects
func (b *NATSBridge) pumpEvents() {
	ch := b.deps.Bus.Subscribe("all", nil)
	defer b.deps.Bus.Unsubscribe("all", ch)

	for {
		select {
		case <-b.stopChan:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			b.republish(event)
		}
	}
}

func (b *NATSBridge) republish(event events.Event) {
	msg := natslib.EventMessage{
		EventID:   event.ID,
		Type:      string(event.Type),
		Source:    event.Source,
		Target:    event.Target,
		Priority:  event.Priority,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	}
	if err := b.client.PublishEvent(msg); err != nil {
		log.Printf("[NATS-BRIDGE] Failed to republish %s: %v", event.Type, err)
	}
}
