package relay

import (
	"context"
	"sync"
	"testing"

	"github.com/mossy-p/rtcnet/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []models.NetworkEvent
}

func (r *recorder) send(ev models.NetworkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// take returns and forgets everything recorded so far.
func (r *recorder) take() []models.NetworkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func expectEvents(t *testing.T, who string, got []models.NetworkEvent, want ...models.NetworkEvent) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s got %v, want %v", who, got, want)
	}
	for i := range want {
		if got[i].String() != want[i].String() {
			t.Errorf("%s event %d = %v, want %v", who, i, got[i], want[i])
		}
	}
}

func joinPeer(h *Hub) (*Peer, *recorder) {
	rec := &recorder{}
	return h.Join(rec.send), rec
}

func listen(p *Peer, address string) {
	p.Handle(models.NewTextEvent(models.EventServerInitialized, models.InvalidConnectionID, address))
}

func TestHubExclusiveAddress(t *testing.T) {
	hub := NewHub(HubConfig{})
	server, serverRec := joinPeer(hub)
	other, otherRec := joinPeer(hub)
	client, clientRec := joinPeer(hub)

	listen(server, "room")
	expectEvents(t, "server", serverRec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "room"))

	listen(other, "room")
	expectEvents(t, "other", otherRec.take(),
		models.NewTextEvent(models.EventServerInitFailed, -1, "room"))

	client.Handle(models.NewTextEvent(models.EventNewConnection, 1, "room"))
	expectEvents(t, "server", serverRec.take(), models.NewEvent(models.EventNewConnection, 16384))
	expectEvents(t, "client", clientRec.take(), models.NewEvent(models.EventNewConnection, 1))

	client.Handle(models.NewBytesEvent(models.EventReliableMessageReceived, 1, []byte("hi")))
	server.Handle(models.NewBytesEvent(models.EventUnreliableMessageReceived, 16384, []byte("yo")))
	expectEvents(t, "server", serverRec.take(),
		models.NewBytesEvent(models.EventReliableMessageReceived, 16384, []byte("hi")))
	expectEvents(t, "client", clientRec.take(),
		models.NewBytesEvent(models.EventUnreliableMessageReceived, 1, []byte("yo")))

	server.Handle(models.NewEvent(models.EventDisconnected, 16384))
	expectEvents(t, "server", serverRec.take())
	expectEvents(t, "client", clientRec.take(), models.NewEvent(models.EventDisconnected, 1))

	// Frames for a closed connection go nowhere.
	client.Handle(models.NewBytesEvent(models.EventReliableMessageReceived, 1, []byte("late")))
	expectEvents(t, "server", serverRec.take())
}

func TestHubExclusiveAcceptsManyConnections(t *testing.T) {
	hub := NewHub(HubConfig{})
	server, serverRec := joinPeer(hub)
	first, _ := joinPeer(hub)
	second, _ := joinPeer(hub)

	listen(server, "room")
	serverRec.take()

	first.Handle(models.NewTextEvent(models.EventNewConnection, 1, "room"))
	second.Handle(models.NewTextEvent(models.EventNewConnection, 1, "room"))
	expectEvents(t, "server", serverRec.take(),
		models.NewEvent(models.EventNewConnection, 16384),
		models.NewEvent(models.EventNewConnection, 16385))
}

func TestHubConnectFailures(t *testing.T) {
	hub := NewHub(HubConfig{})
	client, rec := joinPeer(hub)

	client.Handle(models.NewTextEvent(models.EventNewConnection, 1, "nobody"))
	expectEvents(t, "client", rec.take(), models.NewEvent(models.EventConnectionFailed, 1))

	client.Handle(models.NewTextEvent(models.EventNewConnection, 20000, "nobody"))
	got := rec.take()
	if len(got) != 2 || got[0].Kind != models.EventWarning || got[1].Kind != models.EventConnectionFailed {
		t.Fatalf("out of range connect = %v", got)
	}
}

func TestHubEmptyAddressGetsGenerated(t *testing.T) {
	hub := NewHub(HubConfig{})
	server, rec := joinPeer(hub)

	listen(server, "")
	got := rec.take()
	if len(got) != 1 || got[0].Kind != models.EventServerInitialized {
		t.Fatalf("got %v", got)
	}
	address, _ := got[0].Text()
	if len(address) != 36 {
		t.Errorf("generated address = %q, want a uuid", address)
	}
	if _, found, _ := hub.Lookup(context.Background(), address); !found {
		t.Errorf("generated address %q not registered", address)
	}
}

func TestHubSharedAddress(t *testing.T) {
	hub := NewHub(HubConfig{AddressSharing: true})
	a, aRec := joinPeer(hub)
	b, bRec := joinPeer(hub)
	c, cRec := joinPeer(hub)

	listen(a, "conf")
	listen(b, "conf")
	listen(c, "conf")

	expectEvents(t, "a", aRec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "conf"),
		models.NewEvent(models.EventNewConnection, 16384),
		models.NewEvent(models.EventNewConnection, 16385))
	expectEvents(t, "b", bRec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "conf"),
		models.NewEvent(models.EventNewConnection, 16384),
		models.NewEvent(models.EventNewConnection, 16385))
	expectEvents(t, "c", cRec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "conf"),
		models.NewEvent(models.EventNewConnection, 16384),
		models.NewEvent(models.EventNewConnection, 16385))

	// c's first link goes to a.
	c.Handle(models.NewBytesEvent(models.EventReliableMessageReceived, 16384, []byte("to a")))
	expectEvents(t, "a", aRec.take(),
		models.NewBytesEvent(models.EventReliableMessageReceived, 16385, []byte("to a")))

	record, found, err := hub.Lookup(context.Background(), "conf")
	if err != nil || !found {
		t.Fatalf("Lookup = %v, %v", found, err)
	}
	if !record.Shared || len(record.Members) != 3 {
		t.Errorf("record = %+v, want 3 shared members", record)
	}

	b.Leave()
	expectEvents(t, "a", aRec.take(), models.NewEvent(models.EventDisconnected, 16384))
	expectEvents(t, "c", cRec.take(), models.NewEvent(models.EventDisconnected, 16385))
}

func TestHubStopServer(t *testing.T) {
	hub := NewHub(HubConfig{})
	server, rec := joinPeer(hub)

	listen(server, "room")
	server.Handle(models.NewEvent(models.EventServerClosed, models.InvalidConnectionID))
	expectEvents(t, "server", rec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "room"),
		models.NewEvent(models.EventServerClosed, -1))

	if _, found, _ := hub.Lookup(context.Background(), "room"); found {
		t.Error("address still registered after stop")
	}

	// The address is free again.
	other, otherRec := joinPeer(hub)
	listen(other, "room")
	expectEvents(t, "other", otherRec.take(),
		models.NewTextEvent(models.EventServerInitialized, -1, "room"))
}

func TestHubGoodbyeLeaves(t *testing.T) {
	hub := NewHub(HubConfig{})
	server, serverRec := joinPeer(hub)
	client, clientRec := joinPeer(hub)

	listen(server, "room")
	client.Handle(models.NewTextEvent(models.EventNewConnection, 5, "room"))
	serverRec.take()
	clientRec.take()

	server.Handle(models.NewEvent(models.EventDisconnected, models.InvalidConnectionID))
	expectEvents(t, "client", clientRec.take(), models.NewEvent(models.EventDisconnected, 5))
	if n := hub.PeerCount(); n != 1 {
		t.Errorf("PeerCount = %d, want 1", n)
	}
	if _, found, _ := hub.Lookup(context.Background(), "room"); found {
		t.Error("address still registered after goodbye")
	}

	// Leave twice is harmless.
	server.Leave()
}

func TestHubCloseAddress(t *testing.T) {
	hub := NewHub(HubConfig{AddressSharing: true})
	a, aRec := joinPeer(hub)
	b, _ := joinPeer(hub)
	listen(a, "conf")
	listen(b, "conf")
	aRec.take()

	if n := hub.CloseAddress("conf"); n != 2 {
		t.Errorf("CloseAddress = %d, want 2", n)
	}
	expectEvents(t, "a", aRec.take(), models.NewEvent(models.EventServerClosed, -1))
	if n := hub.CloseAddress("conf"); n != 0 {
		t.Errorf("second CloseAddress = %d, want 0", n)
	}
}

func TestOutboxOverflowCloses(t *testing.T) {
	outbox := NewOutbox(1)
	outbox.Send(models.NewEvent(models.EventNewConnection, 1))
	outbox.Send(models.NewEvent(models.EventNewConnection, 2))
	outbox.Send(models.NewEvent(models.EventNewConnection, 3))

	var got []models.NetworkEvent
	for ev := range outbox.Events() {
		got = append(got, ev)
	}
	expectEvents(t, "outbox", got, models.NewEvent(models.EventNewConnection, 1))
	outbox.Close()
}
