// Package wire implements the framing used between signaling transports and
// the relay: a compact binary frame for sockets and a one-line text form for
// the text relay.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mossy-p/rtcnet/internal/models"
)

// Frame layout:
//
//	byte 0     event kind
//	byte 1     payload type (0 none, 1 bytes, 2 UTF-16 string)
//	bytes 2-3  connection id, int16 little-endian
//	bytes 4-7  element count, uint32 little-endian (payload types 1 and 2)
//	bytes 8-   elements (bytes, or 16-bit code units)
const (
	headerSize = 4
	lengthSize = 4
)

type payloadType uint8

const (
	payloadNone   payloadType = 0
	payloadBytes  payloadType = 1
	payloadString payloadType = 2
)

var (
	ErrTruncated          = errors.New("wire: truncated frame")
	ErrUnknownPayloadType = errors.New("wire: unknown payload type")
	ErrTrailingData       = errors.New("wire: trailing data after payload")
)

// Encode serializes ev into a binary frame. A nil payload, including a nil
// Bytes slice, is encoded as payload type 0 with nothing after the header.
func Encode(ev models.NetworkEvent) []byte {
	var (
		ptype    payloadType
		body     []byte
		elements int
	)
	switch p := ev.Payload.(type) {
	case nil:
		ptype = payloadNone
	case models.Bytes:
		if p == nil {
			ptype = payloadNone
			break
		}
		ptype = payloadBytes
		body = p
		elements = len(p)
	case models.Text:
		ptype = payloadString
		body = EncodeUTF16(string(p))
		elements = len(body) / 2
	}

	size := headerSize
	if ptype != payloadNone {
		size += lengthSize + len(body)
	}
	frame := make([]byte, size)
	frame[0] = byte(ev.Kind)
	frame[1] = byte(ptype)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(ev.ConnectionID))
	if ptype != payloadNone {
		binary.LittleEndian.PutUint32(frame[4:8], uint32(elements))
		copy(frame[8:], body)
	}
	return frame
}

// Decode parses a binary frame produced by Encode.
func Decode(frame []byte) (models.NetworkEvent, error) {
	if len(frame) < headerSize {
		return models.NetworkEvent{}, ErrTruncated
	}
	ev := models.NetworkEvent{
		Kind:         models.EventKind(frame[0]),
		ConnectionID: models.ConnectionID(int16(binary.LittleEndian.Uint16(frame[2:4]))),
	}

	ptype := payloadType(frame[1])
	if ptype == payloadNone {
		if len(frame) != headerSize {
			return models.NetworkEvent{}, ErrTrailingData
		}
		return ev, nil
	}
	if ptype != payloadBytes && ptype != payloadString {
		return models.NetworkEvent{}, fmt.Errorf("%w: %d", ErrUnknownPayloadType, ptype)
	}

	if len(frame) < headerSize+lengthSize {
		return models.NetworkEvent{}, ErrTruncated
	}
	elements := uint64(binary.LittleEndian.Uint32(frame[4:8]))
	width := uint64(1)
	if ptype == payloadString {
		width = 2
	}
	body := frame[headerSize+lengthSize:]
	want := elements * width
	if uint64(len(body)) < want {
		return models.NetworkEvent{}, ErrTruncated
	}
	if uint64(len(body)) > want {
		return models.NetworkEvent{}, ErrTrailingData
	}

	if ptype == payloadBytes {
		data := make([]byte, len(body))
		copy(data, body)
		ev.Payload = models.Bytes(data)
	} else {
		ev.Payload = models.Text(DecodeUTF16(body))
	}
	return ev, nil
}
