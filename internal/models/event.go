package models

import "fmt"

// ConnectionID identifies one connection inside a single transport or
// connection manager instance.
type ConnectionID int16

// InvalidConnectionID marks events that are not scoped to a connection.
const InvalidConnectionID ConnectionID = -1

// EventKind represents the type of a network event
type EventKind uint8

const (
	EventInvalid                   EventKind = 0
	EventUnreliableMessageReceived EventKind = 1
	EventReliableMessageReceived   EventKind = 2
	EventServerInitialized         EventKind = 3
	EventServerInitFailed          EventKind = 4
	EventServerClosed              EventKind = 5
	EventNewConnection             EventKind = 6
	EventConnectionFailed          EventKind = 7
	EventDisconnected              EventKind = 8
	EventFatalError                EventKind = 100
	EventWarning                   EventKind = 101
	EventLog                       EventKind = 102
)

var eventKindNames = map[EventKind]string{
	EventInvalid:                   "invalid",
	EventUnreliableMessageReceived: "unreliable-message",
	EventReliableMessageReceived:   "reliable-message",
	EventServerInitialized:         "server-started",
	EventServerInitFailed:          "server-start-failed",
	EventServerClosed:              "server-closed",
	EventNewConnection:             "new-connection",
	EventConnectionFailed:          "connection-failed",
	EventDisconnected:              "disconnected",
	EventFatalError:                "fatal-error",
	EventWarning:                   "warning",
	EventLog:                       "log",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event-kind(%d)", uint8(k))
}

// Valid reports whether k is one of the known event kinds other than EventInvalid.
func (k EventKind) Valid() bool {
	_, ok := eventKindNames[k]
	return ok && k != EventInvalid
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(name string) (EventKind, error) {
	for kind, n := range eventKindNames {
		if n == name {
			return kind, nil
		}
	}
	return EventInvalid, fmt.Errorf("unknown event kind %q", name)
}

// Payload is the data attached to a NetworkEvent. It is implemented only by
// Bytes and Text; a nil Payload means the event carries nothing.
type Payload interface {
	isPayload()
}

// Bytes is a raw byte payload.
type Bytes []byte

// Text is a string payload. It travels as UTF-16 on the wire.
type Text string

func (Bytes) isPayload() {}
func (Text) isPayload()  {}

// NetworkEvent is the single event vocabulary shared by transports and the
// connection manager.
type NetworkEvent struct {
	Kind         EventKind
	ConnectionID ConnectionID
	Payload      Payload
}

// NewEvent builds an event without payload.
func NewEvent(kind EventKind, id ConnectionID) NetworkEvent {
	return NetworkEvent{Kind: kind, ConnectionID: id}
}

// NewTextEvent builds an event carrying a string.
func NewTextEvent(kind EventKind, id ConnectionID, text string) NetworkEvent {
	return NetworkEvent{Kind: kind, ConnectionID: id, Payload: Text(text)}
}

// NewBytesEvent builds an event carrying bytes.
func NewBytesEvent(kind EventKind, id ConnectionID, data []byte) NetworkEvent {
	return NetworkEvent{Kind: kind, ConnectionID: id, Payload: Bytes(data)}
}

// Text returns the string payload, if any.
func (e NetworkEvent) Text() (string, bool) {
	t, ok := e.Payload.(Text)
	return string(t), ok
}

// Bytes returns the byte payload, if any.
func (e NetworkEvent) Bytes() ([]byte, bool) {
	b, ok := e.Payload.(Bytes)
	return []byte(b), ok
}

func (e NetworkEvent) String() string {
	switch p := e.Payload.(type) {
	case nil:
		return fmt.Sprintf("%s(%d)", e.Kind, e.ConnectionID)
	case Bytes:
		return fmt.Sprintf("%s(%d, %d bytes)", e.Kind, e.ConnectionID, len(p))
	case Text:
		return fmt.Sprintf("%s(%d, %q)", e.Kind, e.ConnectionID, string(p))
	default:
		panic(fmt.Sprintf("unexpected payload type %T", p))
	}
}
