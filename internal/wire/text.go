package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/mossy-p/rtcnet/internal/models"
)

// EncodeText renders ev as a single line without a trailing newline:
//
//	new-connection 3
//	server-started -1 text "room1"
//	reliable-message 3 bytes aGVsbG8=
func EncodeText(ev models.NetworkEvent) string {
	var b strings.Builder
	b.WriteString(ev.Kind.String())
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(int(ev.ConnectionID)))
	switch p := ev.Payload.(type) {
	case nil:
	case models.Bytes:
		if p != nil {
			b.WriteString(" bytes ")
			b.WriteString(base64.StdEncoding.EncodeToString(p))
		}
	case models.Text:
		b.WriteString(" text ")
		b.WriteString(strconv.Quote(string(p)))
	}
	return b.String()
}

// DecodeText parses a line produced by EncodeText.
func DecodeText(line string) (models.NetworkEvent, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.SplitN(line, " ", 4)
	if len(fields) < 2 {
		return models.NetworkEvent{}, fmt.Errorf("wire: malformed text frame %q", line)
	}

	kind, err := models.ParseEventKind(fields[0])
	if err != nil {
		return models.NetworkEvent{}, fmt.Errorf("wire: %w", err)
	}
	id, err := strconv.ParseInt(fields[1], 10, 16)
	if err != nil {
		return models.NetworkEvent{}, fmt.Errorf("wire: bad connection id %q: %w", fields[1], err)
	}
	ev := models.NetworkEvent{Kind: kind, ConnectionID: models.ConnectionID(id)}

	switch {
	case len(fields) == 2:
		return ev, nil
	case len(fields) == 3:
		return models.NetworkEvent{}, fmt.Errorf("wire: missing payload in %q", line)
	}

	switch fields[2] {
	case "bytes":
		data, err := base64.StdEncoding.DecodeString(fields[3])
		if err != nil {
			return models.NetworkEvent{}, fmt.Errorf("wire: bad base64 payload: %w", err)
		}
		ev.Payload = models.Bytes(data)
	case "text":
		text, err := strconv.Unquote(fields[3])
		if err != nil {
			return models.NetworkEvent{}, fmt.Errorf("wire: bad text payload: %w", err)
		}
		ev.Payload = models.Text(text)
	default:
		return models.NetworkEvent{}, fmt.Errorf("%w: %q", ErrUnknownPayloadType, fields[2])
	}
	return ev, nil
}
