package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// Client is one authenticated WebSocket connection. All writes to the socket
// go through the send channel so the write pump is the only writer.
type Client struct {
	conn *websocket.Conn
	send chan []byte

	ConnectionID string
	UserID       string
	DisplayName  string
	AvatarURL    string

	// onPong refreshes presence liveness; connected-but-idle clients answer
	// pings, so this keeps the reaper from evicting them.
	onPong func(*Client)

	mu     sync.Mutex
	room   string
	closed bool
}

// Room returns the project the client has joined, or "" before a join.
func (c *Client) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) setRoom(projectID string) {
	c.mu.Lock()
	c.room = projectID
	c.mu.Unlock()
}

// enqueue hands a frame to the write pump. A client whose buffer is full is
// too slow to keep up and gets dropped rather than blocking the room. Both
// the send and the close happen under the client mutex, so a fan-out racing
// a drop sees the closed flag instead of a closed channel.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		log.Printf("ws: dropping slow client conn=%s user=%s", c.ConnectionID, c.UserID)
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump owns all reads from the socket. It exits on any read error, which
// triggers disconnect cleanup in the gateway.
func (c *Client) readPump(handle func(*Client, Envelope)) {
	defer func() {
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong(c)
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws: read error conn=%s: %v", c.ConnectionID, err)
			}
			return
		}
		handle(c, env)
	}
}

// writePump owns all writes to the socket, including keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
