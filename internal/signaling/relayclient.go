package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
)

// firstIncomingWireID is where the relay starts numbering connections it
// opens towards a client. Ids below it are chosen by the client for its own
// outgoing connections, so the two ranges never collide on one channel.
const firstIncomingWireID = models.ConnectionID(16384)

// defaultDialTimeout bounds how long the relay channel may take to open.
const defaultDialTimeout = 10 * time.Second

var errChannelClosed = errors.New("signaling: relay channel closed")

// frameConn is an open channel to the relay carrying NetworkEvent frames.
type frameConn interface {
	// WriteEvent queues or writes one frame. It must not block for long.
	WriteEvent(ev models.NetworkEvent) error
	// ReadEvent blocks until the next frame arrives or the channel closes.
	ReadEvent() (models.NetworkEvent, error)
	Close() error
}

type dialFunc func(ctx context.Context) (frameConn, error)

// queuedConn moves writes of a blocking frameConn onto a writer goroutine so
// WriteEvent never waits on the network. When the buffer is full the frame
// is dropped with an error.
type queuedConn struct {
	frameConn
	log  logging.LeveledLogger
	send chan models.NetworkEvent
	done chan struct{}
	once sync.Once
}

func newQueuedConn(conn frameConn, size int, log logging.LeveledLogger) *queuedConn {
	c := &queuedConn{
		frameConn: conn,
		log:       log,
		send:      make(chan models.NetworkEvent, size),
		done:      make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *queuedConn) WriteEvent(ev models.NetworkEvent) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", ev.Kind)
	}
}

// Close stops accepting frames. Frames already queued are written before
// the underlying connection closes.
func (c *queuedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *queuedConn) writePump() {
	defer c.frameConn.Close()
	for {
		select {
		case ev := <-c.send:
			if err := c.frameConn.WriteEvent(ev); err != nil {
				c.log.Warnf("failed to write %s: %v", ev.Kind, err)
				return
			}
		case <-c.done:
			for {
				select {
				case ev := <-c.send:
					if err := c.frameConn.WriteEvent(ev); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

type channelStatus int

const (
	channelIdle channelStatus = iota
	channelConnecting
	channelOpen
)

// relayClient implements Transport on top of any frameConn. The relay
// channel is opened lazily by the first StartServer or Connect; commands
// issued while it is opening are queued and written once it is up.
type relayClient struct {
	name        string
	dial        dialFunc
	dialTimeout time.Duration
	log         logging.LeveledLogger
	events      models.EventQueue

	mu         sync.Mutex
	status     channelStatus
	conn       frameConn
	generation int
	pending    []models.NetworkEvent

	ids         idAllocator
	wireIDs     idAllocator
	localToWire map[models.ConnectionID]models.ConnectionID
	wireToLocal map[models.ConnectionID]models.ConnectionID
	outgoing    map[models.ConnectionID]bool
	connected   map[models.ConnectionID]bool

	serverRequested bool
	listening       bool
	disposed        bool
}

func newRelayClient(name string, dial dialFunc, dialTimeout time.Duration, factory logging.LoggerFactory) *relayClient {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	c := &relayClient{
		name:        name,
		dial:        dial,
		dialTimeout: dialTimeout,
		log:         loggerFactory(factory).NewLogger("signaling"),
	}
	c.resetLocked()
	return c
}

func (c *relayClient) resetLocked() {
	c.localToWire = make(map[models.ConnectionID]models.ConnectionID)
	c.wireToLocal = make(map[models.ConnectionID]models.ConnectionID)
	c.outgoing = make(map[models.ConnectionID]bool)
	c.connected = make(map[models.ConnectionID]bool)
	c.pending = nil
	c.serverRequested = false
	c.listening = false
}

func (c *relayClient) StartServer(address string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.serverRequested || c.listening {
		c.events.Push(models.NewTextEvent(models.EventServerInitFailed, models.InvalidConnectionID, address))
		return
	}
	c.serverRequested = true
	c.sendLocked(models.NewTextEvent(models.EventServerInitialized, models.InvalidConnectionID, address))
}

func (c *relayClient) StopServer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.serverRequested && !c.listening {
		return
	}
	c.sendLocked(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
}

func (c *relayClient) Connect(address string) models.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return models.InvalidConnectionID
	}
	id, ok := c.ids.allocate()
	if !ok {
		c.log.Warnf("%s: out of connection ids", c.name)
		return models.InvalidConnectionID
	}
	wireID, ok := c.wireIDs.allocate()
	if !ok || wireID >= firstIncomingWireID {
		c.log.Warnf("%s: out of outgoing connection ids", c.name)
		c.events.Push(models.NewEvent(models.EventConnectionFailed, id))
		return id
	}

	c.mapLocked(id, wireID)
	c.outgoing[id] = true
	c.sendLocked(models.NewTextEvent(models.EventNewConnection, wireID, address))
	return id
}

func (c *relayClient) SendData(id models.ConnectionID, data []byte, reliable bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected[id] {
		return false
	}
	payload := make([]byte, len(data))
	copy(payload, data)
	c.sendLocked(models.NewBytesEvent(messageKind(reliable), c.localToWire[id], payload))
	return true
}

func (c *relayClient) Disconnect(id models.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.connected[id]:
		c.sendLocked(models.NewEvent(models.EventDisconnected, c.localToWire[id]))
		c.events.Push(models.NewEvent(models.EventDisconnected, id))
	case c.outgoing[id]:
		c.sendLocked(models.NewEvent(models.EventDisconnected, c.localToWire[id]))
		c.events.Push(models.NewEvent(models.EventConnectionFailed, id))
	default:
		return
	}
	c.forgetLocked(id)
}

// Update is a no-op: the read goroutine feeds the event queue directly.
func (c *relayClient) Update() {}

func (c *relayClient) Flush() {}

func (c *relayClient) Dequeue() (models.NetworkEvent, bool) {
	return c.events.Pop()
}

func (c *relayClient) Peek() (models.NetworkEvent, bool) {
	return c.events.Peek()
}

func (c *relayClient) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
}

func (c *relayClient) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.teardownLocked()
	c.disposed = true
}

// teardownLocked closes the channel and reports everything that was open.
func (c *relayClient) teardownLocked() {
	c.failAllLocked()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.generation++
	c.status = channelIdle
}

// failAllLocked synthesizes the closing event of every open or pending
// connection and of the server, then clears the bookkeeping.
func (c *relayClient) failAllLocked() {
	for _, id := range sortedIDs(c.connected) {
		c.events.Push(models.NewEvent(models.EventDisconnected, id))
	}
	for _, id := range sortedIDs(c.outgoing) {
		c.events.Push(models.NewEvent(models.EventConnectionFailed, id))
	}
	switch {
	case c.listening:
		c.events.Push(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
	case c.serverRequested:
		c.events.Push(models.NewEvent(models.EventServerInitFailed, models.InvalidConnectionID))
	}
	c.resetLocked()
}

func (c *relayClient) mapLocked(local, wire models.ConnectionID) {
	c.localToWire[local] = wire
	c.wireToLocal[wire] = local
}

func (c *relayClient) forgetLocked(local models.ConnectionID) {
	delete(c.wireToLocal, c.localToWire[local])
	delete(c.localToWire, local)
	delete(c.outgoing, local)
	delete(c.connected, local)
}

// sendLocked writes ev to the relay, opening the channel first if needed.
func (c *relayClient) sendLocked(ev models.NetworkEvent) {
	switch c.status {
	case channelOpen:
		if err := c.conn.WriteEvent(ev); err != nil {
			c.log.Warnf("%s: writing %s: %v", c.name, ev.Kind, err)
		}
	case channelConnecting:
		c.pending = append(c.pending, ev)
	case channelIdle:
		c.pending = append(c.pending, ev)
		c.status = channelConnecting
		go c.run(c.generation)
	}
}

// run dials the relay and then reads frames until the channel closes.
func (c *relayClient) run(generation int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	conn, err := c.dial(ctx)
	cancel()

	c.mu.Lock()
	if generation != c.generation {
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warnf("%s: connecting to relay: %v", c.name, err)
		c.failAllLocked()
		c.status = channelIdle
		c.generation++
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.status = channelOpen
	for _, ev := range c.pending {
		if err := conn.WriteEvent(ev); err != nil {
			c.log.Warnf("%s: writing %s: %v", c.name, ev.Kind, err)
		}
	}
	c.pending = nil
	c.mu.Unlock()

	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			c.closed(generation, err)
			return
		}
		c.handleRelayEvent(generation, ev)
	}
}

func (c *relayClient) closed(generation int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}
	c.log.Infof("%s: relay channel closed: %v", c.name, err)
	c.teardownLocked()
}

// handleRelayEvent translates relay wire ids into local connection ids.
func (c *relayClient) handleRelayEvent(generation int, ev models.NetworkEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if generation != c.generation {
		return
	}

	switch ev.Kind {
	case models.EventServerInitialized:
		address, _ := ev.Text()
		c.serverRequested = false
		c.listening = true
		c.events.Push(models.NewTextEvent(models.EventServerInitialized, models.InvalidConnectionID, address))

	case models.EventServerInitFailed:
		c.serverRequested = false
		c.events.Push(models.NetworkEvent{Kind: models.EventServerInitFailed, ConnectionID: models.InvalidConnectionID, Payload: ev.Payload})

	case models.EventServerClosed:
		if c.listening || c.serverRequested {
			c.serverRequested = false
			c.listening = false
			c.events.Push(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
		}

	case models.EventNewConnection:
		if local, ok := c.wireToLocal[ev.ConnectionID]; ok {
			if c.outgoing[local] {
				delete(c.outgoing, local)
				c.connected[local] = true
				c.events.Push(models.NewEvent(models.EventNewConnection, local))
			}
			return
		}
		local, ok := c.ids.allocate()
		if !ok {
			c.log.Warnf("%s: out of connection ids, refusing incoming connection", c.name)
			c.writeLocked(models.NewEvent(models.EventDisconnected, ev.ConnectionID))
			return
		}
		c.mapLocked(local, ev.ConnectionID)
		c.connected[local] = true
		c.events.Push(models.NewEvent(models.EventNewConnection, local))

	case models.EventConnectionFailed:
		if local, ok := c.wireToLocal[ev.ConnectionID]; ok && c.outgoing[local] {
			c.forgetLocked(local)
			c.events.Push(models.NewEvent(models.EventConnectionFailed, local))
		}

	case models.EventDisconnected:
		local, ok := c.wireToLocal[ev.ConnectionID]
		if !ok {
			return
		}
		wasConnected := c.connected[local]
		c.forgetLocked(local)
		if wasConnected {
			c.events.Push(models.NewEvent(models.EventDisconnected, local))
		} else {
			c.events.Push(models.NewEvent(models.EventConnectionFailed, local))
		}

	case models.EventReliableMessageReceived, models.EventUnreliableMessageReceived:
		local, ok := c.wireToLocal[ev.ConnectionID]
		if !ok || !c.connected[local] {
			c.log.Debugf("%s: dropping message for unknown relay id %d", c.name, ev.ConnectionID)
			return
		}
		data, _ := ev.Bytes()
		c.events.Push(models.NewBytesEvent(ev.Kind, local, data))

	case models.EventWarning, models.EventLog:
		text, _ := ev.Text()
		c.log.Infof("%s: relay says: %s", c.name, text)

	case models.EventFatalError:
		text, _ := ev.Text()
		c.log.Errorf("%s: relay fatal error: %s", c.name, text)
		c.teardownLocked()

	default:
		c.log.Warnf("%s: unexpected relay event %s", c.name, ev)
	}
}

func (c *relayClient) writeLocked(ev models.NetworkEvent) {
	if c.conn == nil {
		return
	}
	if err := c.conn.WriteEvent(ev); err != nil {
		c.log.Warnf("%s: writing %s: %v", c.name, ev.Kind, err)
	}
}
