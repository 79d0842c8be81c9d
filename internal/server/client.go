// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/sketchrelay/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one WebSocket connection. It satisfies domain.Connection so the
// router can address it directly.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	addr string
	log  logrus.FieldLogger

	send     chan []byte
	mu       sync.Mutex // guards closed, evicting and sends on the channel
	closed   bool
	evicting bool

	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	metrics        *metrics.Metrics
}

// NewClient wraps conn with a fresh connection ID. conn and hub may be nil in
// tests that only exercise queueing; the pumps require both.
func NewClient(conn *websocket.Conn, hub *Hub, addr string, cfg Config) *Client {
	cfg = cfg.Sanitize()
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	id := uuid.NewString()
	var log logrus.FieldLogger = logrus.StandardLogger()
	var m *metrics.Metrics
	if hub != nil {
		log = hub.log
		m = hub.metrics
	}

	return &Client{
		id:             id,
		conn:           conn,
		hub:            hub,
		addr:           addr,
		log:            log.WithFields(logrus.Fields{"conn_id": id, "remote_addr": addr}),
		send:           make(chan []byte, cfg.SendQueueSize),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		metrics:        m,
	}
}

// ID returns the connection identity handed to other room members.
func (c *Client) ID() string {
	return c.id
}

// Send queues frame for delivery without blocking. A client whose queue is
// full is evicted: the frame is dropped and the connection closed.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnectionClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
	}

	if !c.evicting && c.hub != nil {
		c.evicting = true
		c.log.Warn("send queue full; evicting slow client")
		go c.hub.unregisterClient(c)
	}
	return ErrSendQueueFull
}

// GetSendChan returns the client's outgoing queue.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// closeSend closes the outgoing queue once; the write pump then sends a close
// frame and exits.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// isClosed reports whether the hub has already let go of the client.
func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.WithError(err).Error("setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// logReadError classifies the error that ended the read loop.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.WithField("max_message_size", c.maxMessageSize).Warn("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.WithError(err).Debug("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.WithError(err).Debug("connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.WithError(err).Warn("unexpected WebSocket close")
	default:
		c.log.WithError(err).Debug("WebSocket read ended")
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
func (c *Client) checkRateLimit() bool {
	if c.rateLimiter.allow() {
		return true
	}
	c.metrics.Dropped(metrics.ReasonRateLimited)
	c.log.WithFields(logrus.Fields{
		"burst":    c.rateLimit.Burst,
		"interval": c.rateLimit.RefillInterval,
	}).Warn("rate limit exceeded; discarding frame")
	return false
}

// readPump feeds inbound frames to the router one at a time, which keeps a
// sender's events in order.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		// An evicted client may have rejoined a room after the hub removed it.
		c.hub.router.Forget(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.handleFrame(frame)
	}
}

// handleFrame routes one inbound frame unless the client has been closed or
// is over its rate limit.
func (c *Client) handleFrame(frame []byte) {
	if c.isClosed() {
		c.log.Debug("discarding frame from closed client")
		return
	}
	if !c.checkRateLimit() {
		return
	}

	// Unroutable frames are logged by the router; the connection stays up.
	_ = c.hub.router.Handle(c, frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !c.writeFrame(frame, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.WithError(err).Debug("closing connection")
	}
}

// writeFrame writes one queued frame, or a close frame once the queue is
// closed. It returns false when the pump should stop.
func (c *Client) writeFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.WithError(err).Debug("setting write deadline")
		return false
	}

	if !ok {
		err := c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("writing close frame")
		}
		return false
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Warn("writing frame")
		}
		return false
	}
	return true
}

// writePing sends a ping message to keep the connection alive
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.WithError(err).Debug("writing ping")
		}
		return false
	}
	return true
}
