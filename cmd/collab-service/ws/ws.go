package ws

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ltrye/TeamSyncWorkspace-sub000/cmd/collab-service/hub"
	"github.com/ltrye/TeamSyncWorkspace-sub000/pkg/datamodel"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // document snapshots ride in every update
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth happens upstream; the collaboration endpoint accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one websocket participant connection. It satisfies hub.Conn:
// Send enqueues without blocking and drops the frame when the peer cannot
// keep up, so one slow connection never stalls a whole room.
type Client struct {
	id          string
	conn        *websocket.Conn
	coordinator *hub.Coordinator
	send        chan []byte
	done        chan struct{}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Send(payload []byte) {
	select {
	case <-c.done:
		// Connection already went away; a room broadcast may still hold a
		// reference to it for a moment.
	case c.send <- payload:
	default:
		zap.S().Warnf("Send buffer full for connection %s, dropping frame", c.id)
	}
}

// Handler upgrades the request and runs the connection's read loop until
// the peer goes away.
func Handler(coordinator *hub.Coordinator) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
		if err != nil {
			zap.S().Warnf("Failed to upgrade connection: %s", err)
			return
		}

		client := &Client{
			id:          uuid.New().String(),
			conn:        conn,
			coordinator: coordinator,
			send:        make(chan []byte, sendBuffer),
			done:        make(chan struct{}),
		}

		zap.S().Debugf("Connection %s established from %s", client.id, conn.RemoteAddr())

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.coordinator.Disconnect(c.id)
		close(c.done)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.S().Warnf("Connection %s closed unexpectedly: %s", c.id, err)
			} else {
				zap.S().Debugf("Connection %s closed: %s", c.id, err)
			}
			return
		}
		c.dispatch(payload)
	}
}

func (c *Client) dispatch(payload []byte) {
	e, err := datamodel.DecodeEnvelope(payload)
	if err != nil {
		zap.S().Warnf("Dropping malformed frame from connection %s: %s", c.id, err)
		return
	}

	switch e.Type {
	case datamodel.OpJoinDocument:
		if err := c.coordinator.Join(c, e.DocID, e.User); err != nil {
			zap.S().Warnf("Join of document %s failed on connection %s: %s", e.DocID, c.id, err)
		}
	case datamodel.OpUpdateDocument:
		c.coordinator.Update(c.id, e.DocID, e.UserID, e.Content, e.Delta)
	case datamodel.OpLeaveDocument:
		c.coordinator.Disconnect(c.id)
	case datamodel.OpSendCursorPosition:
		c.coordinator.SendCursorPosition(c.id, e.DocID, e.UserID, e.User, e.Cursor)
	case datamodel.OpAddComment:
		c.coordinator.AddComment(c.id, e.DocID, e.Comment)
	case datamodel.OpResolveComment:
		c.coordinator.ResolveComment(c.id, e.DocID, e.CommentID)
	default:
		zap.S().Warnf("Unknown operation %q from connection %s", e.Type, c.id)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				zap.S().Debugf("Write to connection %s failed: %s", c.id, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
