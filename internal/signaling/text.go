package signaling

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/wire"
)

// Compile-time interface check.
var _ Transport = (*TextTransport)(nil)

// TextConfig configures a TextTransport.
type TextConfig struct {
	// Address is the host:port of the relay's text listener.
	Address string

	DialTimeout   time.Duration
	LoggerFactory logging.LoggerFactory
}

// TextTransport reaches the relay over plain TCP, one human-readable frame
// per line. Every frame can be read in a packet capture or typed by hand
// with netcat, which makes it useful for manual testing.
type TextTransport struct {
	*relayClient
}

// NewTextTransport creates a transport; the TCP connection opens on first use.
func NewTextTransport(config TextConfig) *TextTransport {
	factory := loggerFactory(config.LoggerFactory)
	log := factory.NewLogger("signaling")
	dial := func(ctx context.Context) (frameConn, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", config.Address)
		if err != nil {
			return nil, fmt.Errorf("dialing %s: %w", config.Address, err)
		}
		return newQueuedConn(NewLineConn(conn, log), sendBuffer, log), nil
	}
	return &TextTransport{relayClient: newRelayClient("text", dial, config.DialTimeout, factory)}
}

// LineConn carries wire.EncodeText frames over a stream, one per line. The
// relay's text listener uses it for the server side of the same protocol.
type LineConn struct {
	conn   net.Conn
	reader *bufio.Reader
	log    logging.LeveledLogger

	writeMu sync.Mutex
}

// NewLineConn wraps conn.
func NewLineConn(conn net.Conn, log logging.LeveledLogger) *LineConn {
	return &LineConn{conn: conn, reader: bufio.NewReader(conn), log: log}
}

func (c *LineConn) WriteEvent(ev models.NetworkEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_, err := c.conn.Write([]byte(wire.EncodeText(ev) + "\n"))
	return err
}

// ReadEvent returns the next well-formed line; malformed lines are logged
// and skipped.
func (c *LineConn) ReadEvent() (models.NetworkEvent, error) {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return models.NetworkEvent{}, err
		}
		if len(line) <= 1 {
			continue
		}
		ev, err := wire.DecodeText(line)
		if err != nil {
			c.log.Warnf("dropping malformed line: %v", err)
			continue
		}
		return ev, nil
	}
}

func (c *LineConn) Close() error {
	return c.conn.Close()
}
