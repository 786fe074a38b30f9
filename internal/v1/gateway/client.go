package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harmonychat/harmony/internal/v1/events"
	"github.com/harmonychat/harmony/internal/v1/logging"
	"github.com/harmonychat/harmony/internal/v1/metrics"
)

// wsConnection defines the interface for WebSocket connection operations.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error) // Read the next message from the connection
	WriteMessage(messageType int, data []byte) error     // Write a message to the connection
	Close() error                                        // Close the connection
	SetWriteDeadline(t time.Time) error
}

// sendBuffer bounds the per-socket outbound queue. A full buffer means the
// client cannot keep up; the socket is closed and the client reconnects with
// fresh state rather than receiving a silently gapped event stream.
const sendBuffer = 256

// Client is one websocket connection of one authenticated user. A user may
// hold several clients at once (multiple tabs or devices).
type Client struct {
	hub      *Hub
	conn     wsConnection
	socketID string
	userID   string

	acks *events.AckCache

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once

	send chan events.Envelope
}

func newClient(hub *Hub, conn wsConnection, socketID, userID string) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		socketID: socketID,
		userID:   userID,
		acks:     events.NewAckCache(events.DefaultAckCacheSize),
		send:     make(chan events.Envelope, sendBuffer),
	}
}

// Send queues an envelope for the write pump. It satisfies registry.Sender.
// A full buffer closes the socket instead of dropping the event. The read
// lock is held across the channel send so Close cannot close the channel
// between the closed check and the send.
func (c *Client) Send(env events.Envelope) bool {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return false
	}

	select {
	case c.send <- env:
		c.mu.RUnlock()
		return true
	default:
		c.mu.RUnlock()
		logging.Warn(context.Background(), "Send buffer full, closing slow consumer",
			zap.String("socketId", c.socketID), zap.String("userId", c.userID))
		c.Close()
		return false
	}
}

// Close shuts the connection down. Closing the send channel makes the write
// pump drain remaining events, send a close frame, and close the socket.
// The channel close happens under the write lock, serialized against Send.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump processes inbound frames until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logging.Warn(context.Background(), "Malformed frame",
				zap.String("socketId", c.socketID), zap.Error(err))
			c.Send(events.NewError(events.KindInvalidArgument, "malformed frame", ""))
			continue
		}

		c.hub.dispatch(context.Background(), c, env)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()
	writeWait := 10 * time.Second

	for env := range c.send {
		data, err := json.Marshal(env)
		if err != nil {
			logging.Error(context.Background(), "Failed to marshal outbound envelope",
				zap.String("event", env.Type), zap.Error(err))
			continue
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Error(context.Background(), "Error writing message",
				zap.String("socketId", c.socketID), zap.Error(err))
			return
		}
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
