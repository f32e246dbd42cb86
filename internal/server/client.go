// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
)

// ConnState is the lifecycle state of a client connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// CloseReason records why a connection was torn down.
type CloseReason string

const (
	ReasonClientClosed       CloseReason = "client closed"
	ReasonReadError          CloseReason = "read error"
	ReasonMessageTooBig      CloseReason = "message too big"
	ReasonTransportError     CloseReason = "transport error"
	ReasonHeartbeatTimeout   CloseReason = "heartbeat timeout"
	ReasonSlowConsumer       CloseReason = "slow consumer"
	ReasonShutdown           CloseReason = "server shutdown"
	ReasonRegistrationFailed CloseReason = "registration failed"
)

// closeCode returns the close frame sent for reason, if any. Dead or
// unresponsive peers get no frame so closing never waits on their socket.
func (r CloseReason) closeCode() (int, bool) {
	switch r {
	case ReasonShutdown:
		return websocket.CloseGoingAway, true
	case ReasonSlowConsumer:
		return websocket.CloseTryAgainLater, true
	case ReasonMessageTooBig:
		return websocket.CloseMessageTooBig, true
	case ReasonRegistrationFailed:
		return websocket.CloseInternalServerErr, true
	}
	return 0, false
}

// transport is the subset of *websocket.Conn a client uses.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	notOpen
	queueFull
)

// Client represents a WebSocket client connection in the chat system.
// The client owns its socket; the write pump is the only goroutine that
// writes data frames, control frames go through WriteControl.
type Client struct {
	id        string
	conn      transport
	addr      string
	principal auth.Principal
	log       *zap.Logger

	send      chan []byte
	done      chan struct{}
	state     atomic.Int32
	lastPong  atomic.Int64
	probeSent atomic.Int64
	closeOnce sync.Once

	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	rateLimiter    *rateLimiter
	onClose        func(*Client, CloseReason)
}

// newConnID generates connection ids.
var newConnID = uuid.NewString

// NewClient creates a Client in the CONNECTING state with a fresh id.
func NewClient(conn transport, addr string, principal auth.Principal, cfg Config, log *zap.Logger) *Client {
	cfg = cfg.sanitize()
	if log == nil {
		log = zap.NewNop()
	}
	id := newConnID()
	return &Client{
		id:             id,
		conn:           conn,
		addr:           addr,
		principal:      principal,
		log:            log.With(zap.String("conn", id), zap.String("addr", addr)),
		send:           make(chan []byte, cfg.SendBufferSize),
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		writeWait:      cfg.WriteTimeout,
		pongWait:       2*cfg.HeartbeatInterval + cfg.WriteTimeout,
		rateLimiter:    newRateLimiter(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Addr() string { return c.addr }

func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) Principal() auth.Principal { return c.principal }

// UserID is the principal id, or the connection id for anonymous clients.
func (c *Client) UserID() string {
	if c.principal.Anonymous || c.principal.ID == "" {
		return c.id
	}
	return c.principal.ID
}

// DisplayName is the principal name, or the placeholder for anonymous clients.
func (c *Client) DisplayName() string {
	if c.principal.Anonymous || c.principal.Name == "" {
		return chat.PlaceholderName(c.id)
	}
	return c.principal.Name
}

func (c *Client) sender() chat.Sender {
	return chat.Sender{
		ConnectionID:  c.id,
		PrincipalID:   c.principal.ID,
		PrincipalName: c.principal.Name,
		Anonymous:     c.principal.Anonymous,
	}
}

// Done is closed once the client starts closing.
func (c *Client) Done() <-chan struct{} { return c.done }

// LastPongAt reports the last liveness response (or the accept time).
func (c *Client) LastPongAt() time.Time { return unixNano(c.lastPong.Load()) }

func (c *Client) probeSentAt() time.Time { return unixNano(c.probeSent.Load()) }

func (c *Client) markPong(at time.Time) { c.lastPong.Store(at.UnixNano()) }

func (c *Client) markProbe(at time.Time) { c.probeSent.Store(at.UnixNano()) }

func unixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// open moves CONNECTING to OPEN and starts liveness tracking at now.
func (c *Client) open(now time.Time) bool {
	c.markPong(now)
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// enqueue hands payload to the write pump without ever blocking.
func (c *Client) enqueue(payload []byte) enqueueResult {
	if c.State() != StateOpen {
		return notOpen
	}
	select {
	case <-c.done:
		return notOpen
	default:
	}
	select {
	case c.send <- payload:
		return enqueued
	default:
		return queueFull
	}
}

// ping writes a liveness probe; it does not wait for the pong.
func (c *Client) ping(deadline time.Time) error {
	if c.conn == nil {
		return errors.New("no transport")
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tears the connection down once. Later calls are no-ops. The
// registered onClose hook runs before the socket is closed.
func (c *Client) Close(reason CloseReason) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)

		if c.onClose != nil {
			c.onClose(c, reason)
		}

		if c.conn != nil {
			if code, ok := reason.closeCode(); ok {
				msg := websocket.FormatCloseMessage(code, string(reason))
				_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
			}
			if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
				c.log.Warn("Error closing connection", zap.Error(err))
			}
		}
		c.state.Store(int32(StateClosed))
	})
}

// setupReadConnection configures the read limit, read deadline and pong handler.
func (c *Client) setupReadConnection() {
	c.conn.SetReadLimit(c.maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait)); err != nil {
		c.log.Warn("Error setting initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		now := time.Now()
		c.markPong(now)
		if err := c.conn.SetReadDeadline(now.Add(c.pongWait)); err != nil {
			c.log.Warn("Error setting read deadline in pong handler", zap.Error(err))
		}
		return nil
	})
}

// classifyReadError logs err and maps it to the reason the client closes with.
func (c *Client) classifyReadError(err error) CloseReason {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("Message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
		return ReasonMessageTooBig
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("Client disconnected", zap.Error(err))
		return ReasonClientClosed
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("Client connection closed", zap.Error(err))
		return ReasonClientClosed
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log.Warn("Unexpected WebSocket close", zap.Error(err))
		return ReasonReadError
	}
	c.log.Info("WebSocket read error", zap.Error(err))
	return ReasonReadError
}

// allow applies the per-connection rate limit.
func (c *Client) allow() bool {
	return c.rateLimiter == nil || c.rateLimiter.allow()
}

// readPump hands every inbound frame to handle, one at a time and in order.
// It returns when the socket fails or the client is closed elsewhere.
func (c *Client) readPump(handle func(*Client, []byte)) {
	reason := ReasonReadError
	defer func() { c.Close(reason) }()

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			reason = c.classifyReadError(err)
			return
		}
		handle(c, raw)
	}
}

// writePump is the only writer of data frames on the socket.
func (c *Client) writePump() {
	for c.processWriteEvent() {
	}
}

// processWriteEvent waits for the next outbound frame and returns false
// when the pump should stop.
func (c *Client) processWriteEvent() bool {
	select {
	case <-c.done:
		return false
	case message := <-c.send:
		if !c.writeTextMessage(message) {
			c.Close(ReasonTransportError)
			return false
		}
		return true
	}
}

// writeTextMessage writes one JSON frame under the write deadline.
func (c *Client) writeTextMessage(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		c.log.Warn("Error setting write deadline", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
