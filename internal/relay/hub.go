// Package relay implements the signaling relay: an address book that lets
// clients publish an address, connect to each other's addresses and
// exchange frames over whatever socket they arrived on.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
)

const (
	// firstIncomingID is the first id the relay assigns to a connection it
	// opens towards a client. Lower ids belong to the client.
	firstIncomingID = models.ConnectionID(16384)
	maxIncomingID   = models.ConnectionID(32767)

	registryTimeout = 5 * time.Second
)

// SendFunc delivers one frame to a client. It must not block.
type SendFunc func(ev models.NetworkEvent)

// HubConfig configures a Hub.
type HubConfig struct {
	// AddressSharing turns every address into a conference address: any
	// number of clients may listen on it and each newcomer is connected to
	// every client already there.
	AddressSharing bool

	// Registry records address claims; a MemoryRegistry when nil.
	Registry Registry

	LoggerFactory logging.LoggerFactory
}

// Hub routes frames between the clients attached to it.
type Hub struct {
	sharing  bool
	registry Registry
	log      logging.LeveledLogger

	mu        sync.Mutex
	listeners map[string][]*Peer
	peers     map[string]*Peer
}

// NewHub creates a hub.
func NewHub(config HubConfig) *Hub {
	factory := config.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	registry := config.Registry
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Hub{
		sharing:   config.AddressSharing,
		registry:  registry,
		log:       factory.NewLogger("relay"),
		listeners: make(map[string][]*Peer),
		peers:     make(map[string]*Peer),
	}
}

// Shared reports whether the hub is in conference mode.
func (h *Hub) Shared() bool {
	return h.sharing
}

// Registry returns the registry the hub claims addresses in.
func (h *Hub) Registry() Registry {
	return h.registry
}

// relayLink is one end of a relayed connection.
type relayLink struct {
	remote   *Peer
	remoteID models.ConnectionID
}

// Peer is one client attached to the hub.
type Peer struct {
	ID   string
	hub  *Hub
	send SendFunc

	// Guarded by hub.mu.
	address   string
	listening bool
	links     map[models.ConnectionID]relayLink
	nextID    models.ConnectionID
	left      bool
}

// Join attaches a new client whose frames are delivered through send.
func (h *Hub) Join(send SendFunc) *Peer {
	peer := &Peer{
		ID:     uuid.NewString(),
		hub:    h,
		send:   send,
		links:  make(map[models.ConnectionID]relayLink),
		nextID: firstIncomingID,
	}
	h.mu.Lock()
	h.peers[peer.ID] = peer
	h.mu.Unlock()
	h.log.Debugf("peer %s joined", peer.ID)
	return peer
}

// PeerCount returns the number of attached clients.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Handle processes one frame received from the client.
func (p *Peer) Handle(ev models.NetworkEvent) {
	switch ev.Kind {
	case models.EventServerInitialized:
		address, _ := ev.Text()
		p.startServer(address)
	case models.EventServerClosed:
		p.stopServer(true)
	case models.EventNewConnection:
		address, _ := ev.Text()
		p.connect(ev.ConnectionID, address)
	case models.EventReliableMessageReceived, models.EventUnreliableMessageReceived:
		p.forward(ev)
	case models.EventDisconnected:
		if ev.ConnectionID == models.InvalidConnectionID {
			p.Leave()
			return
		}
		p.disconnect(ev.ConnectionID)
	default:
		p.hub.log.Warnf("peer %s sent unexpected %s", p.ID, ev)
		p.send(models.NewTextEvent(models.EventWarning, models.InvalidConnectionID, "unexpected "+ev.Kind.String()))
	}
}

func (p *Peer) startServer(address string) {
	h := p.hub
	if address == "" {
		address = uuid.NewString()
	}

	h.mu.Lock()
	busy := p.listening || p.left
	h.mu.Unlock()
	if busy {
		p.send(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	claimed, err := h.registry.Claim(ctx, address, p.ID, h.sharing)
	cancel()
	if err != nil {
		h.log.Errorf("registry claim for %q failed: %v", address, err)
	}
	if err != nil || !claimed {
		p.send(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if p.left || p.listening {
		go h.release(address, p.ID)
		p.send(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}

	members := h.listeners[address]
	h.listeners[address] = append(members, p)
	p.address = address
	p.listening = true
	p.send(models.NewTextEvent(models.EventServerInitialized, models.InvalidConnectionID, address))
	h.log.Infof("peer %s listening on %q (%d members)", p.ID, address, len(members)+1)

	if !h.sharing {
		return
	}
	for _, member := range members {
		localID, ok := p.allocateLocked()
		if !ok {
			break
		}
		remoteID, ok := member.allocateLocked()
		if !ok {
			continue
		}
		p.links[localID] = relayLink{remote: member, remoteID: remoteID}
		member.links[remoteID] = relayLink{remote: p, remoteID: localID}
		p.send(models.NewEvent(models.EventNewConnection, localID))
		member.send(models.NewEvent(models.EventNewConnection, remoteID))
	}
}

// stopServer stops listening; notify controls whether the client is told.
func (p *Peer) stopServer(notify bool) {
	h := p.hub
	h.mu.Lock()
	address, ok := p.stopServerLocked()
	h.mu.Unlock()

	if !ok {
		return
	}
	h.release(address, p.ID)
	if notify {
		p.send(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
	}
}

func (p *Peer) stopServerLocked() (string, bool) {
	if !p.listening {
		return "", false
	}
	h := p.hub
	address := p.address
	members := h.listeners[address]
	for i, member := range members {
		if member == p {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(h.listeners, address)
	} else {
		h.listeners[address] = members
	}
	p.listening = false
	p.address = ""
	return address, true
}

func (h *Hub) release(address, owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := h.registry.Release(ctx, address, owner); err != nil {
		h.log.Errorf("registry release for %q failed: %v", address, err)
	}
}

func (p *Peer) connect(id models.ConnectionID, address string) {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	if id < 0 || id >= firstIncomingID {
		p.send(models.NewTextEvent(models.EventWarning, models.InvalidConnectionID, "connection id out of client range"))
		p.send(models.NewEvent(models.EventConnectionFailed, id))
		return
	}
	if _, exists := p.links[id]; exists {
		p.send(models.NewEvent(models.EventConnectionFailed, id))
		return
	}

	members := h.listeners[address]
	if len(members) == 0 {
		h.log.Debugf("peer %s: nobody listens on %q", p.ID, address)
		p.send(models.NewEvent(models.EventConnectionFailed, id))
		return
	}

	target := members[0]
	remoteID, ok := target.allocateLocked()
	if !ok {
		p.send(models.NewEvent(models.EventConnectionFailed, id))
		return
	}
	p.links[id] = relayLink{remote: target, remoteID: remoteID}
	target.links[remoteID] = relayLink{remote: p, remoteID: id}
	target.send(models.NewEvent(models.EventNewConnection, remoteID))
	p.send(models.NewEvent(models.EventNewConnection, id))
}

func (p *Peer) forward(ev models.NetworkEvent) {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	link, ok := p.links[ev.ConnectionID]
	if !ok {
		return
	}
	link.remote.send(models.NetworkEvent{Kind: ev.Kind, ConnectionID: link.remoteID, Payload: ev.Payload})
}

func (p *Peer) disconnect(id models.ConnectionID) {
	h := p.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	p.disconnectLocked(id, false)
}

// disconnectLocked drops a link; the remote end is always told, the local
// end only when notifyLocal is set because a client that asked already knows.
func (p *Peer) disconnectLocked(id models.ConnectionID, notifyLocal bool) {
	link, ok := p.links[id]
	if !ok {
		return
	}
	delete(p.links, id)
	delete(link.remote.links, link.remoteID)
	link.remote.send(models.NewEvent(models.EventDisconnected, link.remoteID))
	if notifyLocal {
		p.send(models.NewEvent(models.EventDisconnected, id))
	}
}

func (p *Peer) allocateLocked() (models.ConnectionID, bool) {
	if p.nextID > maxIncomingID || p.nextID < firstIncomingID {
		return models.InvalidConnectionID, false
	}
	id := p.nextID
	if id == maxIncomingID {
		p.nextID = models.InvalidConnectionID
	} else {
		p.nextID++
	}
	return id, true
}

// Leave detaches the client: its connections are closed towards the remote
// ends and its address is released. Safe to call more than once.
func (p *Peer) Leave() {
	h := p.hub
	h.mu.Lock()
	if p.left {
		h.mu.Unlock()
		return
	}
	p.left = true
	for id := range p.links {
		p.disconnectLocked(id, false)
	}
	address, wasListening := p.stopServerLocked()
	delete(h.peers, p.ID)
	h.mu.Unlock()

	if wasListening {
		h.release(address, p.ID)
	}
	h.log.Debugf("peer %s left", p.ID)
}

// CloseAddress stops every listener on address and returns how many there were.
func (h *Hub) CloseAddress(address string) int {
	h.mu.Lock()
	members := append([]*Peer(nil), h.listeners[address]...)
	h.mu.Unlock()

	for _, member := range members {
		member.stopServer(true)
	}
	return len(members)
}

// Lookup returns the registry record for address.
func (h *Hub) Lookup(ctx context.Context, address string) (AddressRecord, bool, error) {
	return h.registry.Lookup(ctx, address)
}
