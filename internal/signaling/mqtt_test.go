package signaling

import (
	"net"
	"testing"
	"time"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/wire"
)

func TestMQTTTopics(t *testing.T) {
	in := MQTTInboundTopic(DefaultMQTTPrefix, "abc")
	if in != "rtcnet/relay/in/abc" {
		t.Fatalf("inbound topic = %q", in)
	}
	if out := MQTTOutboundTopic(DefaultMQTTPrefix, "abc"); out != "rtcnet/relay/out/abc" {
		t.Fatalf("outbound topic = %q", out)
	}

	tests := []struct {
		topic string
		id    string
		ok    bool
	}{
		{in, "abc", true},
		{"rtcnet/relay/in/", "", false},
		{"rtcnet/relay/in/a/b", "", false},
		{"rtcnet/relay/out/abc", "", false},
		{"other/in/abc", "", false},
	}
	for _, tt := range tests {
		id, ok := MQTTClientFromTopic(DefaultMQTTPrefix, tt.topic)
		if id != tt.id || ok != tt.ok {
			t.Errorf("MQTTClientFromTopic(%q) = %q, %v, want %q, %v", tt.topic, id, ok, tt.id, tt.ok)
		}
	}
}

func TestMQTTGoodbye(t *testing.T) {
	ev, err := wire.Decode(MQTTGoodbye())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Kind != models.EventDisconnected || ev.ConnectionID != models.InvalidConnectionID {
		t.Fatalf("goodbye = %s", ev)
	}
}

func TestMQTTTransportUnreachableBroker(t *testing.T) {
	// Grab a free port and release it so nothing is listening there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	tr := NewMQTTTransport(MQTTConfig{Broker: "tcp://" + addr, DialTimeout: time.Second})
	defer tr.Dispose()

	id := tr.Connect("somewhere")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := tr.Dequeue(); ok {
			if ev.Kind != models.EventConnectionFailed || ev.ConnectionID != id {
				t.Fatalf("got %s, want connection-failed(%d)", ev, id)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no connection-failed event")
}
