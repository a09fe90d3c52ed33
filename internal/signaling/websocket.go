package signaling

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/models"
	"github.com/mossy-p/rtcnet/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Compile-time interface check.
var _ Transport = (*WebSocketTransport)(nil)

// WebSocketConfig configures a WebSocketTransport.
type WebSocketConfig struct {
	// URL of the relay endpoint, e.g. ws://localhost:8080/ws/signal.
	URL string

	// Token is sent as a bearer token when the relay requires JWT auth.
	Token string

	DialTimeout   time.Duration
	LoggerFactory logging.LoggerFactory
}

// WebSocketTransport reaches the relay over a persistent WebSocket carrying
// binary wire frames.
type WebSocketTransport struct {
	*relayClient
}

// NewWebSocketTransport creates a transport; the socket opens on first use.
func NewWebSocketTransport(config WebSocketConfig) *WebSocketTransport {
	factory := loggerFactory(config.LoggerFactory)
	log := factory.NewLogger("signaling")
	dial := func(ctx context.Context) (frameConn, error) {
		conn, err := dialWebSocket(ctx, config.URL, config.Token, log)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return &WebSocketTransport{relayClient: newRelayClient("websocket", dial, config.DialTimeout, factory)}
}

// wsConn wraps a websocket with a dedicated write goroutine, since gorilla
// connections allow only one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	log  logging.LeveledLogger
	send chan []byte
	done chan struct{}
	once sync.Once
}

func dialWebSocket(ctx context.Context, url, token string, log logging.LeveledLogger) (*wsConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	c := &wsConn{
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.writePump()
	return c, nil
}

func (c *wsConn) WriteEvent(ev models.NetworkEvent) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}
	select {
	case c.send <- wire.Encode(ev):
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", ev.Kind)
	}
}

func (c *wsConn) ReadEvent() (models.NetworkEvent, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Infof("websocket error: %v", err)
			}
			c.Close()
			return models.NetworkEvent{}, err
		}
		if messageType != websocket.BinaryMessage {
			c.log.Warnf("ignoring non-binary websocket message")
			continue
		}
		ev, err := wire.Decode(message)
		if err != nil {
			c.log.Warnf("dropping malformed frame: %v", err)
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return nil
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				c.log.Warnf("failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			// Drain what was queued before the close so a final
			// Disconnected frame still reaches the relay.
			for {
				select {
				case message := <-c.send:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(writeWait))
					c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
