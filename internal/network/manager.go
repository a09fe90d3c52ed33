// Package network presents many peer sessions as one poll-based network:
// a single FIFO of NetworkEvents and a single send/disconnect surface keyed
// by ConnectionID, no matter which signaling transport carries the
// handshake traffic.
package network

import (
	"errors"
	"slices"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/peer"
	"github.com/mossy-p/rtcnet/internal/signaling"
	"github.com/mossy-p/rtcnet/internal/wire"
)

// maxRTCEvents bounds the secondary queue; the oldest entries are dropped.
const maxRTCEvents = 1024

var (
	ErrNoTransport       = errors.New("network: no signaling transport")
	ErrNoFactory         = errors.New("network: no primitive factory")
	ErrUnknownConnection = errors.New("network: unknown connection")
)

// SignalingInfo describes how a session was set up.
type SignalingInfo struct {
	ConnectionID models.ConnectionID
	Incoming     bool
	CreatedAt    time.Time

	// SignalingConnected goes false when the signaling connection closes,
	// which does not end an established session.
	SignalingConnected bool
}

// Config configures a ConnectionManager.
type Config struct {
	// Transport carries signaling. The manager owns it and disposes it.
	Transport signaling.Transport

	// Factory creates one connection primitive per session.
	Factory peer.Factory

	// Peer is handed to every session. Peer.SignalingTimeout is the
	// handshake deadline.
	Peer peer.Config

	// Now is the clock; time.Now when nil.
	Now func() time.Time

	// OnEvent, when set, sees every event as it is queued. It may call
	// Disconnect and Shutdown.
	OnEvent func(models.NetworkEvent)

	LoggerFactory logging.LoggerFactory
}

type entry struct {
	session *peer.Session
	info    SignalingInfo
}

// ConnectionManager owns one signaling transport and every session created
// through it. It is driven entirely by Update and is not safe for
// concurrent use.
type ConnectionManager struct {
	transport  signaling.Transport
	factory    peer.Factory
	peerConfig peer.Config
	now        func() time.Time
	onEvent    func(models.NetworkEvent)
	log        logging.LeveledLogger

	inSignaling map[models.ConnectionID]*entry
	established map[models.ConnectionID]*entry
	retired     map[models.ConnectionID]bool

	events    models.EventQueue
	rtcEvents []peer.RTCEvent

	shuttingDown bool
	shutdown     bool
	disposed     bool
}

// Compile-time interface check: the manager is itself a poll-based network.
var _ signaling.Transport = (*ConnectionManager)(nil)

// NewConnectionManager creates a manager around config.Transport.
func NewConnectionManager(config Config) (*ConnectionManager, error) {
	if config.Transport == nil {
		return nil, ErrNoTransport
	}
	if config.Factory == nil {
		return nil, ErrNoFactory
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if config.Peer.LoggerFactory == nil {
		config.Peer.LoggerFactory = config.LoggerFactory
	}

	return &ConnectionManager{
		transport:   config.Transport,
		factory:     config.Factory,
		peerConfig:  config.Peer.WithDefaults(),
		now:         config.Now,
		onEvent:     config.OnEvent,
		log:         config.LoggerFactory.NewLogger("network"),
		inSignaling: make(map[models.ConnectionID]*entry),
		established: make(map[models.ConnectionID]*entry),
		retired:     make(map[models.ConnectionID]bool),
	}, nil
}

func (m *ConnectionManager) emit(ev models.NetworkEvent) {
	m.events.Push(ev)
	if m.onEvent != nil {
		m.onEvent(ev)
	}
}

// StartServer listens for incoming connections on address, or on a
// generated address when empty.
func (m *ConnectionManager) StartServer(address string) {
	if m.disposed {
		return
	}
	m.shutdown = false
	m.transport.StartServer(address)
}

func (m *ConnectionManager) StopServer() {
	if m.disposed {
		return
	}
	m.transport.StopServer()
}

// Connect opens a connection to address. The returned id is final: it
// eventually yields exactly one new-connection or connection-failed event.
func (m *ConnectionManager) Connect(address string) models.ConnectionID {
	if m.disposed {
		return models.InvalidConnectionID
	}
	m.shutdown = false

	id := m.transport.Connect(address)
	if id == models.InvalidConnectionID {
		return id
	}
	if _, err := m.newSession(id, false); err != nil {
		m.log.Errorf("connection %d: %v", id, err)
		m.retired[id] = true
		m.transport.Disconnect(id)
		m.emit(models.NewEvent(models.EventConnectionFailed, id))
	}
	return id
}

func (m *ConnectionManager) newSession(id models.ConnectionID, incoming bool) (*entry, error) {
	prim, err := m.factory.NewPrimitive(m.peerConfig)
	if err != nil {
		return nil, err
	}
	e := &entry{
		session: peer.NewSession(id, prim, m.peerConfig),
		info: SignalingInfo{
			ConnectionID:       id,
			Incoming:           incoming,
			CreatedAt:          m.now(),
			SignalingConnected: incoming,
		},
	}
	m.inSignaling[id] = e
	if incoming {
		e.session.Negotiate()
	} else {
		e.session.AwaitNegotiation()
	}
	return e, nil
}

// SendData sends data to an established connection. It reports false for
// unknown ids and for sends the primitive refuses.
func (m *ConnectionManager) SendData(id models.ConnectionID, data []byte, reliable bool) bool {
	e, ok := m.established[id]
	if !ok {
		return false
	}
	return e.session.Send(data, reliable)
}

// Disconnect closes a connection. An established connection yields exactly
// one disconnected event; a pending outgoing one yields connection-failed.
func (m *ConnectionManager) Disconnect(id models.ConnectionID) {
	if e, ok := m.established[id]; ok {
		m.release(id, e)
		m.emit(models.NewEvent(models.EventDisconnected, id))
		return
	}
	if e, ok := m.inSignaling[id]; ok {
		e.session.Fail("disconnected locally")
		m.dropPending(id, e)
	}
}

// release forgets a session and closes both its primitive and its
// signaling connection.
func (m *ConnectionManager) release(id models.ConnectionID, e *entry) {
	delete(m.inSignaling, id)
	delete(m.established, id)
	m.retired[id] = true
	e.session.Close()
	m.transport.Disconnect(id)
}

// dropPending removes a session that failed before connecting, incoming or
// outgoing, and reports it with one connection-failed.
func (m *ConnectionManager) dropPending(id models.ConnectionID, e *entry) {
	m.release(id, e)
	m.log.Infof("connection %d failed: %s", id, e.session.Reason())
	m.emit(models.NewEvent(models.EventConnectionFailed, id))
}

// Shutdown ends every connection: connection-failed for each outgoing
// attempt in flight, disconnected for each established connection, then
// server-closed if the manager was listening. Nothing follows until the
// manager is started again.
func (m *ConnectionManager) Shutdown() {
	if m.shuttingDown || m.shutdown || m.disposed {
		return
	}
	m.shuttingDown = true
	defer func() { m.shuttingDown = false }()

	// Only attempts this side started are reported; incoming handshakes in
	// flight were never announced to the caller.
	for _, id := range sortedIDs(m.inSignaling) {
		e, ok := m.inSignaling[id]
		if !ok {
			continue
		}
		e.session.Fail("shut down")
		if e.info.Incoming {
			m.release(id, e)
			continue
		}
		m.dropPending(id, e)
	}
	for _, id := range sortedIDs(m.established) {
		if e, ok := m.established[id]; ok {
			m.release(id, e)
			m.emit(models.NewEvent(models.EventDisconnected, id))
		}
	}

	m.transport.Shutdown()
	for {
		ev, ok := m.transport.Dequeue()
		if !ok {
			break
		}
		switch ev.Kind {
		case models.EventServerInitialized, models.EventServerInitFailed, models.EventServerClosed:
			m.emit(ev)
		}
	}
	m.shutdown = true
}

// Update advances everything: pending sessions, promotions, failures, the
// transport, then established sessions.
func (m *ConnectionManager) Update() {
	if m.disposed || m.shutdown {
		return
	}
	now := m.now()

	// Pending sessions.
	for _, id := range sortedIDs(m.inSignaling) {
		e, ok := m.inSignaling[id]
		if !ok {
			continue
		}
		e.session.Update(now)
		if now.Sub(e.info.CreatedAt) > m.peerConfig.SignalingTimeout {
			e.session.Fail("signaling timed out")
		}
		m.flushSignals(id, e)
	}

	// Promotions.
	for _, id := range sortedIDs(m.inSignaling) {
		e, ok := m.inSignaling[id]
		if !ok || e.session.State() != peer.StateConnected {
			continue
		}
		delete(m.inSignaling, id)
		m.established[id] = e
		m.log.Infof("connection %d established", id)
		m.emit(models.NewEvent(models.EventNewConnection, id))
		if m.shutdown {
			return
		}
	}

	// Failures.
	for _, id := range sortedIDs(m.inSignaling) {
		e, ok := m.inSignaling[id]
		if !ok {
			continue
		}
		if state := e.session.State(); state == peer.StateSignalingFailed || state == peer.StateClosed {
			m.dropPending(id, e)
			if m.shutdown {
				return
			}
		}
	}

	// Transport.
	m.transport.Update()
	for !m.shutdown {
		ev, ok := m.transport.Dequeue()
		if !ok {
			break
		}
		m.handleTransportEvent(ev)
	}
	if m.shutdown {
		return
	}

	// Established sessions.
	for _, id := range sortedIDs(m.established) {
		e, ok := m.established[id]
		if !ok {
			continue
		}
		e.session.Update(now)
		m.flushSignals(id, e)

		for msg, ok := e.session.DequeueMessage(); ok; msg, ok = e.session.DequeueMessage() {
			kind := models.EventUnreliableMessageReceived
			if msg.Reliable {
				kind = models.EventReliableMessageReceived
			}
			m.emit(models.NewBytesEvent(kind, id, msg.Data))
			if m.shutdown {
				return
			}
			if _, still := m.established[id]; !still {
				// Disconnected from the event callback; nothing may follow.
				break
			}
		}
		if _, still := m.established[id]; !still {
			continue
		}
		for ev, ok := e.session.DequeueRTCEvent(); ok; ev, ok = e.session.DequeueRTCEvent() {
			m.pushRTCEvent(ev)
		}

		if _, still := m.established[id]; still && e.session.State() == peer.StateClosed {
			m.log.Infof("connection %d closed: %s", id, e.session.Reason())
			m.release(id, e)
			m.emit(models.NewEvent(models.EventDisconnected, id))
			if m.shutdown {
				return
			}
		}
	}
}

// flushSignals carries a session's outgoing signaling messages to the
// transport as UTF-16 payloads of reliable messages.
func (m *ConnectionManager) flushSignals(id models.ConnectionID, e *entry) {
	for msg, ok := e.session.DequeueSignal(); ok; msg, ok = e.session.DequeueSignal() {
		if !e.info.SignalingConnected {
			m.log.Debugf("connection %d: signaling closed, dropping message", id)
			continue
		}
		if !m.transport.SendData(id, wire.EncodeUTF16(msg), true) {
			m.log.Warnf("connection %d: transport refused signaling message", id)
		}
	}
}

func (m *ConnectionManager) handleTransportEvent(ev models.NetworkEvent) {
	id := ev.ConnectionID
	switch ev.Kind {
	case models.EventServerInitialized, models.EventServerInitFailed, models.EventServerClosed:
		m.emit(ev)

	case models.EventNewConnection:
		if m.retired[id] {
			m.transport.Disconnect(id)
			return
		}
		if e, ok := m.inSignaling[id]; ok {
			e.info.SignalingConnected = true
			return
		}
		if _, ok := m.established[id]; ok {
			return
		}
		if _, err := m.newSession(id, true); err != nil {
			m.log.Errorf("incoming connection %d: %v", id, err)
			m.retired[id] = true
			m.transport.Disconnect(id)
		}

	case models.EventConnectionFailed, models.EventDisconnected:
		if e, ok := m.inSignaling[id]; ok {
			e.info.SignalingConnected = false
			e.session.Fail("signaling connection closed")
			m.dropPending(id, e)
			return
		}
		if e, ok := m.established[id]; ok {
			e.info.SignalingConnected = false
			return
		}
		if ev.Kind == models.EventConnectionFailed && id != models.InvalidConnectionID && !m.retired[id] {
			// Connect handed out an id the transport failed before a
			// session existed.
			m.retired[id] = true
			m.emit(ev)
		}

	case models.EventReliableMessageReceived, models.EventUnreliableMessageReceived:
		msg, ok := signalText(ev)
		if !ok {
			return
		}
		if e, found := m.inSignaling[id]; found {
			e.session.HandleSignal(msg)
		} else if e, found := m.established[id]; found {
			e.session.HandleSignal(msg)
		} else {
			m.log.Debugf("signal for unknown connection %d dropped", id)
		}

	case models.EventFatalError:
		text, _ := ev.Text()
		m.log.Errorf("transport: %s", text)
	case models.EventWarning:
		text, _ := ev.Text()
		m.log.Warnf("transport: %s", text)
	case models.EventLog:
		text, _ := ev.Text()
		m.log.Infof("transport: %s", text)
	default:
		m.log.Warnf("unexpected transport event %s", ev)
	}
}

func signalText(ev models.NetworkEvent) (string, bool) {
	if data, ok := ev.Bytes(); ok {
		return wire.DecodeUTF16(data), true
	}
	return ev.Text()
}

func (m *ConnectionManager) pushRTCEvent(ev peer.RTCEvent) {
	if len(m.rtcEvents) >= maxRTCEvents {
		m.rtcEvents = m.rtcEvents[1:]
	}
	m.rtcEvents = append(m.rtcEvents, ev)
}

func (m *ConnectionManager) Flush() {
	if !m.disposed {
		m.transport.Flush()
	}
}

func (m *ConnectionManager) Dequeue() (models.NetworkEvent, bool) {
	return m.events.Pop()
}

func (m *ConnectionManager) Peek() (models.NetworkEvent, bool) {
	return m.events.Peek()
}

// DequeueRTCEvent returns the next primitive notification. Delivery is best
// effort: the queue keeps only the most recent events.
func (m *ConnectionManager) DequeueRTCEvent() (peer.RTCEvent, bool) {
	if len(m.rtcEvents) == 0 {
		return nil, false
	}
	ev := m.rtcEvents[0]
	m.rtcEvents = m.rtcEvents[1:]
	return ev, true
}

// GetBufferedAmount returns the bytes waiting on a channel of an
// established connection, or -1 for unknown ids.
func (m *ConnectionManager) GetBufferedAmount(id models.ConnectionID, reliable bool) int {
	e, ok := m.established[id]
	if !ok {
		return -1
	}
	return e.session.BufferedAmount(reliable)
}

// AttachLocalSource adds local media tracks to a connection.
func (m *ConnectionManager) AttachLocalSource(id models.ConnectionID, tracks []webrtc.TrackLocal) error {
	e, ok := m.established[id]
	if !ok {
		e, ok = m.inSignaling[id]
	}
	if !ok {
		return ErrUnknownConnection
	}
	return e.session.AttachLocalSource(tracks)
}

// SignalingInfo returns the signaling metadata of a live connection.
func (m *ConnectionManager) SignalingInfo(id models.ConnectionID) (SignalingInfo, bool) {
	if e, ok := m.inSignaling[id]; ok {
		return e.info, true
	}
	if e, ok := m.established[id]; ok {
		return e.info, true
	}
	return SignalingInfo{}, false
}

// Dispose shuts down and releases the transport. Safe to call more than once.
func (m *ConnectionManager) Dispose() {
	if m.disposed {
		return
	}
	m.Shutdown()
	m.transport.Dispose()
	m.disposed = true
}

func sortedIDs(set map[models.ConnectionID]*entry) []models.ConnectionID {
	ids := make([]models.ConnectionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
