package signaling

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
)

// Compile-time interface check.
var _ Transport = (*LoopbackTransport)(nil)

// LoopbackHubConfig configures a LoopbackHub.
type LoopbackHubConfig struct {
	// AddressSharing lets several transports listen on the same address.
	// A transport joining a shared address is connected to every transport
	// already listening there.
	AddressSharing bool

	LoggerFactory logging.LoggerFactory
}

// LoopbackHub is the address book that in-process transports use to find
// each other. Transports created from the same hub can connect by address
// without any network; transports from different hubs never see each other.
type LoopbackHub struct {
	mu        sync.Mutex
	sharing   bool
	listeners map[string][]*LoopbackTransport
	factory   logging.LoggerFactory
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub(config LoopbackHubConfig) *LoopbackHub {
	return &LoopbackHub{
		sharing:   config.AddressSharing,
		listeners: make(map[string][]*LoopbackTransport),
		factory:   loggerFactory(config.LoggerFactory),
	}
}

// NewTransport creates a transport registered with the hub.
func (h *LoopbackHub) NewTransport() *LoopbackTransport {
	return &LoopbackTransport{
		hub:   h,
		log:   h.factory.NewLogger("signaling"),
		links: make(map[models.ConnectionID]loopbackLink),
	}
}

// loopbackLink points at the other end of a connection.
type loopbackLink struct {
	remote   *LoopbackTransport
	remoteID models.ConnectionID
}

// LoopbackTransport is an in-process Transport. All state is guarded by the
// hub's mutex; events are delivered straight into the receiver's queue.
type LoopbackTransport struct {
	hub    *LoopbackHub
	log    logging.LeveledLogger
	events models.EventQueue

	// Guarded by hub.mu.
	ids       idAllocator
	address   string
	listening bool
	links     map[models.ConnectionID]loopbackLink
	disposed  bool
}

func (t *LoopbackTransport) StartServer(address string) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if t.disposed || t.listening {
		t.events.Push(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}
	if address == "" {
		address = uuid.NewString()
	}

	members := t.hub.listeners[address]
	if len(members) > 0 && !t.hub.sharing {
		t.log.Infof("address %q already in use", address)
		t.events.Push(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}

	t.hub.listeners[address] = append(members, t)
	t.address = address
	t.listening = true
	t.events.Push(models.NewTextEvent(models.EventServerInitialized, models.InvalidConnectionID, address))

	// Joining a shared address connects to everyone already there.
	for _, member := range members {
		localID, remoteID, ok := t.linkLocked(member)
		if !ok {
			t.log.Warnf("could not join %s member, out of connection ids", address)
			continue
		}
		t.events.Push(models.NewEvent(models.EventNewConnection, localID))
		member.events.Push(models.NewEvent(models.EventNewConnection, remoteID))
	}
}

func (t *LoopbackTransport) StopServer() {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.stopServerLocked()
}

func (t *LoopbackTransport) stopServerLocked() {
	if !t.listening {
		return
	}
	members := t.hub.listeners[t.address]
	for i, member := range members {
		if member == t {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(t.hub.listeners, t.address)
	} else {
		t.hub.listeners[t.address] = members
	}
	t.listening = false
	t.address = ""
	t.events.Push(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
}

func (t *LoopbackTransport) Connect(address string) models.ConnectionID {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	if t.disposed {
		return models.InvalidConnectionID
	}

	members := t.hub.listeners[address]
	if len(members) == 0 {
		id, ok := t.ids.allocate()
		if !ok {
			return models.InvalidConnectionID
		}
		t.events.Push(models.NewEvent(models.EventConnectionFailed, id))
		return id
	}

	localID, remoteID, ok := t.linkLocked(members[0])
	if !ok {
		// Out of ids on either side. Only an id handed back gets an event.
		if localID != models.InvalidConnectionID {
			t.events.Push(models.NewEvent(models.EventConnectionFailed, localID))
		}
		return localID
	}
	t.events.Push(models.NewEvent(models.EventNewConnection, localID))
	members[0].events.Push(models.NewEvent(models.EventNewConnection, remoteID))
	return localID
}

// linkLocked allocates an id on both sides and records the link. On failure
// the returned local id may still be valid and must be reported as failed.
func (t *LoopbackTransport) linkLocked(remote *LoopbackTransport) (models.ConnectionID, models.ConnectionID, bool) {
	localID, ok := t.ids.allocate()
	if !ok {
		return models.InvalidConnectionID, models.InvalidConnectionID, false
	}
	remoteID, ok := remote.ids.allocate()
	if !ok {
		return localID, models.InvalidConnectionID, false
	}
	t.links[localID] = loopbackLink{remote: remote, remoteID: remoteID}
	remote.links[remoteID] = loopbackLink{remote: t, remoteID: localID}
	return localID, remoteID, true
}

func (t *LoopbackTransport) SendData(id models.ConnectionID, data []byte, reliable bool) bool {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()

	link, ok := t.links[id]
	if !ok {
		return false
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	link.remote.events.Push(models.NewBytesEvent(messageKind(reliable), link.remoteID, payload))
	return true
}

func (t *LoopbackTransport) Disconnect(id models.ConnectionID) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.disconnectLocked(id)
}

func (t *LoopbackTransport) disconnectLocked(id models.ConnectionID) {
	link, ok := t.links[id]
	if !ok {
		return
	}
	delete(t.links, id)
	delete(link.remote.links, link.remoteID)
	t.events.Push(models.NewEvent(models.EventDisconnected, id))
	link.remote.events.Push(models.NewEvent(models.EventDisconnected, link.remoteID))
}

// Update is a no-op: loopback delivery happens during the sender's call.
func (t *LoopbackTransport) Update() {}

func (t *LoopbackTransport) Flush() {}

func (t *LoopbackTransport) Dequeue() (models.NetworkEvent, bool) {
	return t.events.Pop()
}

func (t *LoopbackTransport) Peek() (models.NetworkEvent, bool) {
	return t.events.Peek()
}

func (t *LoopbackTransport) Shutdown() {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	t.shutdownLocked()
}

func (t *LoopbackTransport) shutdownLocked() {
	for id := range t.links {
		t.disconnectLocked(id)
	}
	t.stopServerLocked()
}

// Dispose shuts the transport down and makes further calls no-ops.
func (t *LoopbackTransport) Dispose() {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if t.disposed {
		return
	}
	t.shutdownLocked()
	t.disposed = true
}
