package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	defaultSendBuffer = 64
)

// Close codes sent to clients.
const (
	CloseSuperseded   = 4000
	CloseUnauthorized = 4001
)

// Client is one authenticated socket. Writes go through a buffered queue
// drained by writePump, so a frame queued before another reaches the peer first.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func newClient(conn *websocket.Conn, userID string, buffer int, log *zap.Logger) *Client {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		log:    log.With(zap.String("conn_id", id), zap.String("user_id", userID)),
	}
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.userID }

// Send queues frame without blocking. A client whose queue is full is too slow
// to keep up and gets disconnected in the background.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, closing connection")
		go c.CloseWith(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

// CloseWith sends a close frame with code and tears the socket down. Only the
// first call has any effect.
func (c *Client) CloseWith(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		if code != 0 {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		}
		_ = c.conn.Close()
	})
}

func (c *Client) close() {
	c.CloseWith(0, "")
}

// Done is closed once the client has been torn down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
