package network

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/peer"
	"github.com/mossy-p/rtcnet/internal/peer/peertest"
	"github.com/mossy-p/rtcnet/internal/signaling"
	"github.com/mossy-p/rtcnet/internal/wire"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type node struct {
	m      *ConnectionManager
	events []models.NetworkEvent
}

func (n *node) collect() {
	for ev, ok := n.m.Dequeue(); ok; ev, ok = n.m.Dequeue() {
		n.events = append(n.events, ev)
	}
}

// take returns and forgets the events collected so far.
func (n *node) take() []models.NetworkEvent {
	n.collect()
	events := n.events
	n.events = nil
	return events
}

func (n *node) count(kind models.EventKind) int {
	n.collect()
	c := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			c++
		}
	}
	return c
}

// firstID returns the id of the first collected event of kind.
func (n *node) firstID(t *testing.T, kind models.EventKind) models.ConnectionID {
	t.Helper()
	n.collect()
	for _, ev := range n.events {
		if ev.Kind == kind {
			return ev.ConnectionID
		}
	}
	t.Fatalf("no %s event in %v", kind, n.events)
	return models.InvalidConnectionID
}

type harness struct {
	t     *testing.T
	hub   *signaling.LoopbackHub
	prims *peertest.Network
	clock *testClock
}

func newHarness(t *testing.T, sharing bool) *harness {
	return &harness{
		t:     t,
		hub:   signaling.NewLoopbackHub(signaling.LoopbackHubConfig{AddressSharing: sharing}),
		prims: peertest.NewNetwork(),
		clock: &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

// add creates a manager whose role numbers are always n. hook, if set,
// sees every event the manager queues.
func (h *harness) add(n int32, hook func(*ConnectionManager, models.NetworkEvent)) *node {
	h.t.Helper()
	nd := &node{}
	config := Config{
		Transport: h.hub.NewTransport(),
		Factory:   h.prims,
		Peer:      peer.Config{Rand: func() int32 { return n }},
		Now:       h.clock.Now,
	}
	if hook != nil {
		config.OnEvent = func(ev models.NetworkEvent) { hook(nd.m, ev) }
	}
	m, err := NewConnectionManager(config)
	if err != nil {
		h.t.Fatalf("NewConnectionManager: %v", err)
	}
	nd.m = m
	return nd
}

func (h *harness) step(nodes ...*node) {
	h.clock.now = h.clock.now.Add(50 * time.Millisecond)
	for _, n := range nodes {
		n.m.Update()
		n.collect()
	}
}

func (h *harness) run(steps int, nodes ...*node) {
	for i := 0; i < steps; i++ {
		h.step(nodes...)
	}
}

func (h *harness) runUntil(done func() bool, nodes ...*node) {
	h.t.Helper()
	for i := 0; i < 200; i++ {
		if done() {
			return
		}
		h.step(nodes...)
	}
	h.t.Fatal("condition not reached")
}

func expectEvents(t *testing.T, who string, got []models.NetworkEvent, want ...models.NetworkEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s events = %v, want %v", who, got, want)
	}
	for i := range want {
		if got[i].String() != want[i].String() {
			t.Errorf("%s event %d = %v, want %v", who, i, got[i], want[i])
		}
	}
}

// connectPair makes b connect to a listening a and returns both ids.
func (h *harness) connectPair(a, b *node, address string) (models.ConnectionID, models.ConnectionID) {
	h.t.Helper()
	a.m.StartServer(address)
	h.step(a)
	a.take()

	idB := b.m.Connect(address)
	h.runUntil(func() bool {
		return a.count(models.EventNewConnection) == 1 && b.count(models.EventNewConnection) == 1
	}, a, b)
	idA := a.firstID(h.t, models.EventNewConnection)
	a.take()
	b.take()
	return idA, idB
}

func TestNewConnectionManagerValidates(t *testing.T) {
	if _, err := NewConnectionManager(Config{Factory: peertest.NewNetwork()}); !errors.Is(err, ErrNoTransport) {
		t.Errorf("missing transport: err = %v", err)
	}
	hub := signaling.NewLoopbackHub(signaling.LoopbackHubConfig{})
	if _, err := NewConnectionManager(Config{Transport: hub.NewTransport()}); !errors.Is(err, ErrNoFactory) {
		t.Errorf("missing factory: err = %v", err)
	}
}

func TestHandshakeYieldsOneNewConnectionPerSide(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)

	a.m.StartServer("room1")
	h.step(a)
	expectEvents(t, "a", a.take(), models.NewTextEvent(models.EventServerInitialized, -1, "room1"))

	idB := b.m.Connect("room1")
	if idB != 1 {
		t.Errorf("first Connect id = %d, want 1", idB)
	}
	h.runUntil(func() bool {
		return a.count(models.EventNewConnection) == 1 && b.count(models.EventNewConnection) == 1
	}, a, b)
	h.run(20, a, b)

	expectEvents(t, "a", a.take(), models.NewEvent(models.EventNewConnection, 1))
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventNewConnection, idB))
}

func TestConnectionIDsAreNeverReused(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)
	a.m.StartServer("room1")
	h.step(a)

	ids := []models.ConnectionID{
		b.m.Connect("room1"),
		b.m.Connect("nobody"),
		b.m.Connect("room1"),
	}
	b.m.Disconnect(ids[2])
	ids = append(ids, b.m.Connect("room1"))

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids = %v, want strictly increasing", ids)
		}
	}
	h.run(5, a, b)

	failed := 0
	for _, ev := range b.take() {
		if ev.Kind == models.EventConnectionFailed {
			failed++
			if ev.ConnectionID != ids[1] && ev.ConnectionID != ids[2] {
				t.Errorf("unexpected connection-failed for %d", ev.ConnectionID)
			}
		}
	}
	if failed != 2 {
		t.Errorf("connection-failed events = %d, want 2", failed)
	}
}

func TestConnectToUnknownAddressFails(t *testing.T) {
	h := newHarness(t, false)
	b := h.add(200, nil)

	id := b.m.Connect("nobody")
	h.run(5, b)
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventConnectionFailed, id))
}

func TestSendData(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)
	idA, idB := h.connectPair(a, b, "room1")

	if !a.m.SendData(idA, []byte("ping"), true) {
		t.Fatal("SendData on an established connection failed")
	}
	if !a.m.SendData(idA, []byte("fast"), false) {
		t.Fatal("unreliable SendData failed")
	}
	if a.m.SendData(idA+10, []byte("lost"), true) {
		t.Error("SendData to an unknown id succeeded")
	}
	if a.m.SendData(models.InvalidConnectionID, []byte("lost"), true) {
		t.Error("SendData to the invalid id succeeded")
	}
	h.run(3, a, b)

	expectEvents(t, "b", b.take(),
		models.NewBytesEvent(models.EventReliableMessageReceived, idB, []byte("ping")),
		models.NewBytesEvent(models.EventUnreliableMessageReceived, idB, []byte("fast")))
	expectEvents(t, "a", a.take())
}

func TestDisconnectYieldsOneEventPerSide(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)
	idA, idB := h.connectPair(a, b, "room1")

	a.m.Disconnect(idA)
	expectEvents(t, "a", a.take(), models.NewEvent(models.EventDisconnected, idA))

	a.m.Disconnect(idA)
	h.run(10, a, b)
	expectEvents(t, "a", a.take())
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventDisconnected, idB))

	if b.m.SendData(idB, []byte("x"), true) {
		t.Error("SendData after disconnect succeeded")
	}
}

func TestShutdownReportsEveryConnection(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)
	c := h.add(300, nil)
	far := h.add(400, nil)

	idAB, idB := h.connectPair(a, b, "hub")
	idC := c.m.Connect("hub")
	h.runUntil(func() bool {
		return a.count(models.EventNewConnection) == 1 && c.count(models.EventNewConnection) == 1
	}, a, b, c)
	idAC := a.firstID(t, models.EventNewConnection)
	a.take()
	c.take()

	// far listens but is never updated again, so the attempt stays in flight.
	far.m.StartServer("far")
	h.step(far)
	idFar := a.m.Connect("far")
	h.run(3, a, b, c)
	expectEvents(t, "a", a.take())

	a.m.Shutdown()
	expectEvents(t, "a", a.take(),
		models.NewEvent(models.EventConnectionFailed, idFar),
		models.NewEvent(models.EventDisconnected, idAB),
		models.NewEvent(models.EventDisconnected, idAC),
		models.NewEvent(models.EventServerClosed, -1))

	a.m.Shutdown()
	h.run(10, a, b, c)
	expectEvents(t, "a", a.take())
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventDisconnected, idB))
	expectEvents(t, "c", c.take(), models.NewEvent(models.EventDisconnected, idC))
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)

	// a accepts the signaling connection but never answers.
	a.m.StartServer("room1")
	h.step(a)
	id := b.m.Connect("room1")
	h.run(5, b)
	expectEvents(t, "b", b.take())

	h.clock.now = h.clock.now.Add(peer.DefaultSignalingTimeout)
	h.step(b)
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventConnectionFailed, id))
	h.run(5, b)
	expectEvents(t, "b", b.take())
	if _, ok := b.m.SignalingInfo(id); ok {
		t.Error("timed out connection still tracked")
	}
}

func TestShutdownFromEventCallback(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, func(m *ConnectionManager, ev models.NetworkEvent) {
		if ev.Kind == models.EventReliableMessageReceived {
			m.Shutdown()
		}
	})
	b := h.add(200, nil)
	idA, idB := h.connectPair(a, b, "room1")

	b.m.SendData(idB, []byte("bye"), true)
	h.run(10, a, b)

	expectEvents(t, "a", a.take(),
		models.NewBytesEvent(models.EventReliableMessageReceived, idA, []byte("bye")),
		models.NewEvent(models.EventDisconnected, idA),
		models.NewEvent(models.EventServerClosed, -1))
	expectEvents(t, "b", b.take(), models.NewEvent(models.EventDisconnected, idB))
}

func TestDisconnectFromEventCallback(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, func(m *ConnectionManager, ev models.NetworkEvent) {
		if ev.Kind == models.EventNewConnection {
			m.Disconnect(ev.ConnectionID)
			m.Disconnect(ev.ConnectionID)
		}
	})
	b := h.add(200, nil)

	a.m.StartServer("room1")
	h.step(a)
	a.take()
	b.m.Connect("room1")
	h.runUntil(func() bool { return a.count(models.EventDisconnected) == 1 }, a, b)
	h.run(10, a, b)

	got := a.take()
	if len(got) != 2 || got[0].Kind != models.EventNewConnection || got[1].Kind != models.EventDisconnected {
		t.Errorf("a events = %v, want new-connection then disconnected", got)
	}
	if n := b.count(models.EventDisconnected) + b.count(models.EventConnectionFailed); n != 1 {
		t.Errorf("b saw %d terminal events, want 1: %v", n, b.events)
	}
}

func TestDisconnectWhileMessagesQueued(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, func(m *ConnectionManager, ev models.NetworkEvent) {
		if ev.Kind == models.EventReliableMessageReceived {
			m.Disconnect(ev.ConnectionID)
		}
	})
	b := h.add(200, nil)
	_, idB := h.connectPair(a, b, "room1")

	b.m.SendData(idB, []byte("one"), true)
	b.m.SendData(idB, []byte("two"), true)
	h.run(5, a, b)

	got := a.take()
	if len(got) != 2 || got[0].Kind != models.EventReliableMessageReceived || got[1].Kind != models.EventDisconnected {
		t.Fatalf("a events = %v, want one message then disconnected", got)
	}
	if data, _ := got[0].Bytes(); string(data) != "one" {
		t.Errorf("delivered %q, want one", data)
	}
	if n := b.count(models.EventDisconnected); n != 1 {
		t.Errorf("b saw %d disconnected events, want 1: %v", n, b.events)
	}
}

func TestConferenceAddressing(t *testing.T) {
	h := newHarness(t, true)
	nodes := []*node{h.add(100, nil), h.add(200, nil), h.add(300, nil)}

	for _, n := range nodes {
		n.m.StartServer("conf")
		h.step(n)
	}
	h.runUntil(func() bool {
		for _, n := range nodes {
			if n.count(models.EventNewConnection) != 2 {
				return false
			}
		}
		return true
	}, nodes...)
	h.run(10, nodes...)

	for i, n := range nodes {
		if got := n.count(models.EventServerInitialized); got != 1 {
			t.Errorf("node %d server-started = %d", i, got)
		}
		if got := n.count(models.EventNewConnection); got != 2 {
			t.Errorf("node %d new-connection = %d, want 2", i, got)
		}
	}
}

func TestSignalingInfoAndMedia(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	b := h.add(200, nil)

	a.m.StartServer("room1")
	h.step(a)
	connectedAt := h.clock.now
	idB := b.m.Connect("room1")

	info, ok := b.m.SignalingInfo(idB)
	if !ok || info.Incoming || info.SignalingConnected || !info.CreatedAt.Equal(connectedAt) {
		t.Errorf("outgoing info before update = %+v, %v", info, ok)
	}

	h.runUntil(func() bool {
		return a.count(models.EventNewConnection) == 1 && b.count(models.EventNewConnection) == 1
	}, a, b)
	idA := a.firstID(t, models.EventNewConnection)

	info, _ = b.m.SignalingInfo(idB)
	if !info.SignalingConnected {
		t.Errorf("outgoing info after handshake = %+v", info)
	}
	if info, _ := a.m.SignalingInfo(idA); !info.Incoming {
		t.Errorf("incoming info = %+v", info)
	}

	if got := b.m.GetBufferedAmount(idB, true); got != 0 {
		t.Errorf("GetBufferedAmount = %d, want 0", got)
	}
	if got := b.m.GetBufferedAmount(idB+5, true); got != -1 {
		t.Errorf("GetBufferedAmount(unknown) = %d, want -1", got)
	}

	ev, ok := b.m.DequeueRTCEvent()
	if changed, isState := ev.(peer.StateChanged); !ok || !isState || changed.State != webrtc.PeerConnectionStateConnected || changed.ConnectionID != idB {
		t.Errorf("first RTC event = %#v", ev)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "rtcnet")
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	if err := a.m.AttachLocalSource(idA, []webrtc.TrackLocal{track}); err != nil {
		t.Fatalf("AttachLocalSource: %v", err)
	}
	if err := a.m.AttachLocalSource(idA+5, nil); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("AttachLocalSource(unknown) err = %v", err)
	}
	h.run(2, a, b)

	found := false
	for ev, ok := b.m.DequeueRTCEvent(); ok; ev, ok = b.m.DequeueRTCEvent() {
		if added, isTrack := ev.(peer.TrackAdded); isTrack && added.ConnectionID == idB {
			found = true
		}
	}
	if !found {
		t.Error("remote track not reported")
	}
}

func TestMalformedSignalingIsIgnored(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	a.m.StartServer("room1")
	h.step(a)
	a.take()

	raw := h.hub.NewTransport()
	id := raw.Connect("room1")
	h.step(a)
	raw.SendData(id, wire.EncodeUTF16("{not json"), true)
	raw.SendData(id, []byte{0xff}, true)
	h.run(3, a)
	expectEvents(t, "a", a.take())

	// An incoming attempt that loses its signaling connection fails.
	raw.Disconnect(id)
	h.run(3, a)
	expectEvents(t, "a", a.take(), models.NewEvent(models.EventConnectionFailed, 1))
}

func TestIncomingHandshakeTimeout(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	a.m.StartServer("room1")
	h.step(a)
	a.take()

	// The remote never answers the role number.
	raw := h.hub.NewTransport()
	raw.Connect("room1")
	h.run(5, a)
	expectEvents(t, "a", a.take())

	h.clock.now = h.clock.now.Add(peer.DefaultSignalingTimeout)
	h.step(a)
	expectEvents(t, "a", a.take(), models.NewEvent(models.EventConnectionFailed, 1))
	if _, ok := a.m.SignalingInfo(1); ok {
		t.Error("timed out session still tracked")
	}
}

func TestShutdownIgnoresIncomingHandshakes(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	a.m.StartServer("room1")
	h.step(a)
	a.take()

	raw := h.hub.NewTransport()
	raw.Connect("room1")
	h.run(2, a)

	a.m.Shutdown()
	expectEvents(t, "a", a.take(), models.NewEvent(models.EventServerClosed, -1))
}

func TestDisposeIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	a := h.add(100, nil)
	a.m.StartServer("room1")
	h.step(a)
	a.take()

	a.m.Dispose()
	a.m.Dispose()
	expectEvents(t, "a", a.take(), models.NewEvent(models.EventServerClosed, -1))

	if id := a.m.Connect("room1"); id != models.InvalidConnectionID {
		t.Errorf("Connect after Dispose = %d", id)
	}
	h.run(3, a)
	expectEvents(t, "a", a.take())
}

// extraEvents is a transport that reports queued events ahead of the
// wrapped transport's own.
type extraEvents struct {
	signaling.Transport
	queued []models.NetworkEvent
}

func (t *extraEvents) Dequeue() (models.NetworkEvent, bool) {
	if len(t.queued) > 0 {
		ev := t.queued[0]
		t.queued = t.queued[1:]
		return ev, true
	}
	return t.Transport.Dequeue()
}

func TestInvalidIDFailureIsNotForwarded(t *testing.T) {
	hub := signaling.NewLoopbackHub(signaling.LoopbackHubConfig{})
	tr := &extraEvents{
		Transport: hub.NewTransport(),
		queued:    []models.NetworkEvent{models.NewEvent(models.EventConnectionFailed, models.InvalidConnectionID)},
	}
	m, err := NewConnectionManager(Config{Transport: tr, Factory: peertest.NewNetwork()})
	if err != nil {
		t.Fatal(err)
	}
	m.Update()
	if ev, ok := m.Dequeue(); ok {
		t.Errorf("got %s, want no event", ev)
	}
}
