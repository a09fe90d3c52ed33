package models

import "sync"

// EventQueue is a FIFO of network events. It is safe for concurrent use so
// that socket goroutines can feed a queue that the poll loop drains.
type EventQueue struct {
	mu     sync.Mutex
	events []NetworkEvent
}

// Push appends an event.
func (q *EventQueue) Push(ev NetworkEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

// Pop removes and returns the oldest event.
func (q *EventQueue) Pop() (NetworkEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return NetworkEvent{}, false
	}
	ev := q.events[0]
	q.events[0] = NetworkEvent{}
	q.events = q.events[1:]
	return ev, true
}

// Peek returns the oldest event without removing it.
func (q *EventQueue) Peek() (NetworkEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return NetworkEvent{}, false
	}
	return q.events[0], true
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Clear drops all queued events.
func (q *EventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
}
