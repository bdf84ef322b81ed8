package dispatch

import (
	"context"
	"log/slog"
)

const defaultHubQueueSize = 256

// HubConfig configures the delivery hub.
type HubConfig struct {
	Registry  *Registry
	Logger    *slog.Logger
	QueueSize int
}

// Hub fans events out to the live channels of their participants. A single
// sequencer goroutine drains the submit queue, so two events submitted in
// order reach a given recipient's pipe in that order.
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	submit   chan Event
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultHubQueueSize
	}
	return &Hub{
		registry: cfg.Registry,
		logger:   cfg.Logger,
		submit:   make(chan Event, cfg.QueueSize),
	}
}

// Registry exposes the connection registry the hub routes against.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Deliver queues the event for fan-out. It blocks only when the submit queue
// is full, and then honours ctx cancellation.
func (h *Hub) Deliver(ctx context.Context, ev Event) error {
	select {
	case h.submit <- ev:
		return nil
	default:
	}
	select {
	case h.submit <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the submit queue until ctx is cancelled. Exactly one Run loop
// may be active per hub.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-h.submit:
			h.dispatch(ev)
		}
	}
}

func (h *Hub) dispatch(ev Event) {
	for _, user := range ev.Participants() {
		ch, ok := h.registry.Lookup(user)
		if !ok {
			continue
		}
		if err := ch.Send(ev); err != nil {
			// A broken channel comes out of the routing table so later
			// events skip it immediately.
			h.registry.DeregisterChannel(user, ch)
			ch.Close()
			h.logger.Debug("dropped live connection", "user", user, "error", err)
		}
	}
}
