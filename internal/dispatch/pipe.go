package dispatch

import (
	"errors"
	"sync"
)

// ErrPipeClosed is returned by Send after the pipe has been closed.
var ErrPipeClosed = errors.New("pipe closed")

const defaultPipeCapacity = 64

// Pipe is a bounded per-connection event buffer. When the buffer is full the
// oldest pending event is dropped to make room, so a slow reader lags instead
// of stalling the hub or growing without bound.
type Pipe struct {
	mu     sync.Mutex
	events chan Event
	closed bool
}

// NewPipe allocates a pipe with the given capacity; zero or negative picks
// the default.
func NewPipe(capacity int) *Pipe {
	if capacity <= 0 {
		capacity = defaultPipeCapacity
	}
	return &Pipe{events: make(chan Event, capacity)}
}

// Send enqueues the event, evicting the oldest pending event when full.
func (p *Pipe) Send(ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	for {
		select {
		case p.events <- ev:
			return nil
		default:
		}
		select {
		case <-p.events:
		default:
		}
	}
}

// Events is the read side consumed by the connection's write loop. The
// channel is closed when the pipe closes.
func (p *Pipe) Events() <-chan Event {
	return p.events
}

// Close shuts the pipe. Pending events are discarded; Send returns
// ErrPipeClosed afterwards. Close is idempotent.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.events)
}

var _ Channel = (*Pipe)(nil)
