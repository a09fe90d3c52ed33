// Package signaling defines the poll-based carrier that ConnectionManager
// uses to reach remote peers before a direct connection exists, plus its
// implementations: an in-process loopback, and clients for the relay over a
// text TCP protocol, WebSocket and MQTT.
package signaling

import (
	"slices"

	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
)

// Transport is a minimal polling transport. No method blocks. Results of
// StartServer, Connect and remote activity surface as events through Dequeue.
//
// StartServer eventually yields exactly one server-started (payload: the
// resolved address) or server-start-failed. Connect returns an id at once and
// eventually yields exactly one new-connection or connection-failed for it.
// Shutdown is idempotent and synthesizes a disconnected event for every open
// connection and a server-closed event if the instance was listening.
type Transport interface {
	StartServer(address string)
	StopServer()
	Connect(address string) models.ConnectionID
	SendData(id models.ConnectionID, data []byte, reliable bool) bool
	Disconnect(id models.ConnectionID)
	Update()
	Flush()
	Dequeue() (models.NetworkEvent, bool)
	Peek() (models.NetworkEvent, bool)
	Shutdown()
	Dispose()
}

// maxConnectionID bounds id allocation; ids are never reused.
const maxConnectionID = models.ConnectionID(32767)

// idAllocator hands out strictly increasing connection ids starting at 1.
type idAllocator struct {
	last      models.ConnectionID
	exhausted bool
}

func (a *idAllocator) allocate() (models.ConnectionID, bool) {
	if a.exhausted {
		return models.InvalidConnectionID, false
	}
	a.last++
	if a.last == maxConnectionID {
		a.exhausted = true
	}
	return a.last, true
}

func messageKind(reliable bool) models.EventKind {
	if reliable {
		return models.EventReliableMessageReceived
	}
	return models.EventUnreliableMessageReceived
}

func loggerFactory(factory logging.LoggerFactory) logging.LoggerFactory {
	if factory == nil {
		return logging.NewDefaultLoggerFactory()
	}
	return factory
}

func sortedIDs(set map[models.ConnectionID]bool) []models.ConnectionID {
	ids := make([]models.ConnectionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
