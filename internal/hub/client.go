// Package hub owns observer websocket connections and message routing.
//
// client.go - one observer connection
//
// Each client gets a buffered send channel; broadcasts that cannot be
// buffered are dropped for that client rather than blocking the sender.
// Inbound commands are rate limited per connection before dispatch.

package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/garrison-dev/garrison/internal/logger"
	"github.com/garrison-dev/garrison/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 256

	// inbound command budget per connection
	commandsPerSecond = 10
	commandBurst      = 20
)

// Client is one observer connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(commandsPerSecond), commandBurst),
	}
}

// enqueue offers data to this client without ever blocking. The send
// channel is never closed: detachment is signalled through done, so a
// broadcast holding a stale snapshot of the client set can never hit a
// closed channel.
func (c *Client) enqueue(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		metrics.RecordBroadcastDrop()
	}
}

// sendMessage marshals and enqueues a single message for this client
func (c *Client) sendMessage(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Failed to marshal message for observer: %v", err)
		return
	}
	c.enqueue(data)
}

// readPump consumes inbound observer commands until the connection dies
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Error("Observer connection error: %v", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendMessage(OutboundMessage{
				Type:    OutError,
				Payload: ErrorPayload{Message: "rate limit exceeded", Kind: "rate_limited"},
			})
			continue
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Error("Malformed observer message: %v", err)
			c.sendMessage(OutboundMessage{
				Type:    OutError,
				Payload: ErrorPayload{Message: "malformed message", Kind: "bad_request"},
			})
			continue
		}

		if err := validatePayload(msg.Type, msg.Payload); err != nil {
			logger.Error("Rejected observer message: %v", err)
			c.sendMessage(OutboundMessage{
				Type:    OutError,
				Payload: ErrorPayload{Message: err.Error(), Kind: "bad_request"},
			})
			continue
		}

		c.hub.handleInbound(c, msg)
	}
}

// writePump drains the send channel and keeps the connection alive
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
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
