package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/mossy-p/rtcnet/internal/models"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		event models.NetworkEvent
	}{
		{"no payload", models.NewEvent(models.EventNewConnection, 7)},
		{"local event", models.NewEvent(models.EventServerClosed, models.InvalidConnectionID)},
		{"bytes", models.NewBytesEvent(models.EventReliableMessageReceived, 12, []byte{0, 1, 2, 255})},
		{"empty bytes", models.NewBytesEvent(models.EventUnreliableMessageReceived, 3, []byte{})},
		{"ascii text", models.NewTextEvent(models.EventServerInitialized, -1, "room1")},
		{"empty text", models.NewTextEvent(models.EventServerInitialized, -1, "")},
		{"non-bmp text", models.NewTextEvent(models.EventLog, 0, "grüße 🚀")},
		{"max id", models.NewEvent(models.EventDisconnected, 32767)},
		{"min id", models.NewEvent(models.EventDisconnected, -32768)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, err := Decode(Encode(tt.event))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !reflect.DeepEqual(decoded, tt.event) {
				t.Errorf("round trip = %#v, want %#v", decoded, tt.event)
			}
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	frame := Encode(models.NewTextEvent(models.EventNewConnection, 0x0102, "hi"))
	want := []byte{
		6,          // kind
		2,          // string payload
		0x02, 0x01, // id, little-endian
		2, 0, 0, 0, // two code units
		'h', 0, 'i', 0,
	}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

func TestEncodeNilPayload(t *testing.T) {
	for _, ev := range []models.NetworkEvent{
		{Kind: models.EventDisconnected, ConnectionID: 4},
		{Kind: models.EventDisconnected, ConnectionID: 4, Payload: models.Bytes(nil)},
	} {
		frame := Encode(ev)
		if len(frame) != headerSize {
			t.Fatalf("len(frame) = %d, want %d", len(frame), headerSize)
		}
		if frame[1] != byte(payloadNone) {
			t.Errorf("payload type = %d, want 0", frame[1])
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"empty", nil, ErrTruncated},
		{"short header", []byte{6, 0, 1}, ErrTruncated},
		{"unknown payload type", []byte{6, 9, 1, 0, 0, 0, 0, 0}, ErrUnknownPayloadType},
		{"missing length", []byte{2, 1, 1, 0, 5}, ErrTruncated},
		{"short body", []byte{2, 1, 1, 0, 4, 0, 0, 0, 'a'}, ErrTruncated},
		{"short string body", []byte{2, 2, 1, 0, 2, 0, 0, 0, 'a', 0, 'b'}, ErrTruncated},
		{"trailing after header", []byte{8, 0, 1, 0, 0}, ErrTrailingData},
		{"trailing after body", []byte{2, 1, 1, 0, 1, 0, 0, 0, 'a', 'b'}, ErrTrailingData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			if !errors.Is(err, tt.want) {
				t.Errorf("Decode error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUTF16(t *testing.T) {
	encoded := EncodeUTF16("a€")
	if want := []byte{'a', 0, 0xAC, 0x20}; !bytes.Equal(encoded, want) {
		t.Errorf("EncodeUTF16 = %v, want %v", encoded, want)
	}
	if got := DecodeUTF16(encoded); got != "a€" {
		t.Errorf("DecodeUTF16 = %q", got)
	}
	if got := DecodeUTF16([]byte{'x', 0, 'y'}); got != "x" {
		t.Errorf("DecodeUTF16 with odd length = %q, want %q", got, "x")
	}
}
