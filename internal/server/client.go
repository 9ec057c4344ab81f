package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Client is one websocket connection. A connection belongs to one room
// at a time; the room membership itself lives in the registry under
// the client's userId.
type Client struct {
	conn      *websocket.Conn
	server    *JamServer
	log       *log.Logger
	username  string
	sessionId string

	mu     sync.Mutex
	userId string
	roomId string

	send     chan *ServerMessage
	stop     chan struct{}
	stopOnce sync.Once
}

func NewClient(username, sessionId string, conn *websocket.Conn, js *JamServer, l *log.Logger) *Client {
	return &Client{
		conn:      conn,
		server:    js,
		log:       l,
		username:  username,
		sessionId: sessionId,
		send:      make(chan *ServerMessage, 256),
		stop:      make(chan struct{}),
	}
}

func (c *Client) setRoom(roomId, userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomId = roomId
	c.userId = userId
}

func (c *Client) clearRoom() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomId = ""
	c.userId = ""
}

// currentRoom returns the joined room and user ids, or "" when the
// client has not joined.
func (c *Client) currentRoom() (roomId, userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomId, c.userId
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.Timestamp = Now()

		c.server.dispatch(&msg)
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send buffer full for %q, dropping message", c.sessionId)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup runs when the read pump exits: the departure is propagated
// to the registry so membership does not linger on dead connections.
func (c *Client) cleanup() {
	c.server.handleDisconnect(c)
	c.server.deRegisterChan <- c
	c.stopClient()
}
