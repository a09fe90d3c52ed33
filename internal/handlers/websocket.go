package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/mossy-p/rtcnet/internal/relay"
	"github.com/mossy-p/rtcnet/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Client is one WebSocket attached to the relay hub.
type Client struct {
	Conn   *websocket.Conn
	Peer   *relay.Peer
	outbox *relay.Outbox
	log    logging.LeveledLogger
}

// HandleSignaling attaches WebSocket clients to hub. Every binary message is
// one wire frame in each direction.
func HandleSignaling(hub *relay.Hub, factory logging.LoggerFactory) gin.HandlerFunc {
	log := factory.NewLogger("handlers")
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnf("failed to upgrade connection: %v", err)
			return
		}

		outbox := relay.NewOutbox(sendBuffer)
		client := &Client{
			Conn:   conn,
			Peer:   hub.Join(outbox.Send),
			outbox: outbox,
			log:    log,
		}
		if user := c.GetString("user_id"); user != "" {
			log.Infof("peer %s attached for user %s", client.Peer.ID, user)
		} else {
			log.Infof("peer %s attached", client.Peer.ID)
		}

		go client.writePump()
		go client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.Peer.Leave()
		c.outbox.Close()
		c.Conn.Close()
		c.log.Infof("peer %s detached", c.Peer.ID)
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Infof("websocket error: %v", err)
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			c.log.Debugf("peer %s sent a non-binary message", c.Peer.ID)
			continue
		}

		ev, err := wire.Decode(message)
		if err != nil {
			c.log.Warnf("peer %s sent a malformed frame: %v", c.Peer.ID, err)
			continue
		}
		c.Peer.Handle(ev)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.outbox.Events():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Closed by readPump, or by the hub when the client fell behind.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.BinaryMessage, wire.Encode(ev)); err != nil {
				c.log.Debugf("failed to write to peer %s: %v", c.Peer.ID, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
