package relay

import (
	"sync"

	"github.com/mossy-p/rtcnet/internal/models"
)

// Outbox buffers frames for one client socket. Send never blocks: when the
// buffer is full the outbox closes itself and the socket writer, seeing the
// closed channel, drops the client.
type Outbox struct {
	mu     sync.Mutex
	ch     chan models.NetworkEvent
	closed bool
}

// NewOutbox creates an outbox holding up to size frames.
func NewOutbox(size int) *Outbox {
	return &Outbox{ch: make(chan models.NetworkEvent, size)}
}

// Send queues ev. It is a SendFunc.
func (o *Outbox) Send(ev models.NetworkEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.ch <- ev:
	default:
		o.closed = true
		close(o.ch)
	}
}

// Events is drained by the socket writer.
func (o *Outbox) Events() <-chan models.NetworkEvent {
	return o.ch
}

// Close stops accepting frames. Frames already queued are still delivered.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.ch)
	}
}
