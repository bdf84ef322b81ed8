// Package dispatch routes message events to the live connections of their two
// participants. Delivery is fail-open: an unreachable participant never blocks
// or fails the operation that produced the event.
package dispatch

import "dmrelay/internal/models"

// Event is one unit of live delivery. The same shape carries both new
// messages and tally updates; receivers distinguish them by message id.
type Event struct {
	Message models.Message
}

// Participants lists the users the event is addressed to. The sender and the
// receiver both see the event; a self-addressed message is delivered once.
func (e Event) Participants() []string {
	if e.Message.Sender == e.Message.Receiver {
		return []string{e.Message.Sender}
	}
	return []string{e.Message.Sender, e.Message.Receiver}
}
