// Package server coordinates connection lifecycle, room membership, message
// persistence and broadcast for the chat gateway via the Gateway type.
package server

import (
	"context"
	"errors"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/store"
)

// globalRoom keys the implicit room shared by all connections when room
// mode is off.
const globalRoom = ""

const roomGateStripes = 64

var errGatewayClosed = errors.New("gateway is shut down")

// Gateway drives the per-connection protocol: it accepts sockets, runs
// their pumps, and routes frames through validation, persistence and fanout.
type Gateway struct {
	cfg       Config
	log       *zap.Logger
	registry  *Registry
	heartbeat *Heartbeat
	fanout    *Fanout
	validator *chat.Validator
	store     store.Store
	rooms     *Rooms
	auth      auth.Authenticator
	origins   *originPolicy
	upgrader  websocket.Upgrader

	// gates order history snapshots against live broadcasts per room:
	// joins hold the write side, broadcasts the read side.
	gates [roomGateStripes]sync.RWMutex

	// lifeMu orders Accept against Shutdown: a client is either admitted
	// (OPEN, pumps counted in wg) before closing is set, or refused.
	lifeMu  sync.Mutex
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customizes a Gateway.
type Option func(*Gateway)

func WithLogger(log *zap.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

func WithAuthenticator(a auth.Authenticator) Option {
	return func(g *Gateway) { g.auth = a }
}

func WithRooms(rooms *Rooms) Option {
	return func(g *Gateway) { g.rooms = rooms }
}

// NewGateway wires the gateway components around st. Call Start before
// serving connections.
func NewGateway(cfg Config, st store.Store, opts ...Option) *Gateway {
	cfg = cfg.sanitize()
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:    cfg,
		log:    zap.NewNop(),
		store:  st,
		auth:   auth.Anonymous{},
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.rooms == nil {
		g.rooms = NewRooms(cfg.AutoCreateRooms, cfg.DefaultRooms...)
	}

	g.registry = NewRegistry()
	g.fanout = NewFanout(g.registry, cfg.Backpressure, g.log)
	g.heartbeat = NewHeartbeat(g.registry, cfg.HeartbeatInterval, cfg.WriteTimeout, g.log)
	g.validator = chat.NewValidator(chat.Profile{RequireSenderName: cfg.RequireSenderName})
	g.origins = newOriginPolicy(cfg.AllowedOrigins, g.log)
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.origins.check,
	}
	return g
}

func (g *Gateway) Registry() *Registry { return g.registry }

func (g *Gateway) Rooms() *Rooms { return g.rooms }

func (g *Gateway) Store() store.Store { return g.store }

func (g *Gateway) Config() Config { return g.cfg }

// Start launches the heartbeat supervisor.
func (g *Gateway) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.heartbeat.Run(g.ctx)
	}()
	g.log.Info("Gateway started",
		zap.Bool("room_mode", g.cfg.RoomMode),
		zap.Duration("heartbeat", g.cfg.HeartbeatInterval),
		zap.String("backpressure", string(g.cfg.Backpressure)))
}

// ServeWS authenticates and upgrades the request, then hands the socket to
// Accept.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if g.ctx.Err() != nil {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	principal, err := g.auth.Authenticate(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		g.log.Info("WebSocket authentication failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Info("WebSocket upgrade failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
		return
	}

	if _, err := g.Accept(conn, r.RemoteAddr, principal); err != nil {
		g.log.Error("Connection setup failed", zap.String("addr", r.RemoteAddr), zap.Error(err))
	}
}

// Accept registers an upgraded socket, moves it to OPEN and starts its
// pumps. A registration failure closes only this socket.
func (g *Gateway) Accept(conn transport, addr string, principal auth.Principal) (*Client, error) {
	c := NewClient(conn, addr, principal, g.cfg, g.log)

	sendHistory := !g.cfg.RoomMode && g.cfg.HistoryOnConnect
	if sendHistory {
		gate := g.gate(globalRoom)
		gate.Lock()
		defer gate.Unlock()
	}

	if err := g.admit(c); err != nil {
		return nil, err
	}
	c.log.Info("Client connected",
		zap.String("user", c.UserID()),
		zap.Int("clients", g.registry.Len()))

	go func() {
		defer g.wg.Done()
		c.writePump()
	}()

	if sendHistory {
		g.sendHistory(c, globalRoom)
	}

	go func() {
		defer g.wg.Done()
		c.readPump(g.handleFrame)
	}()
	return c, nil
}

// admit registers c and opens it unless the gateway is closing. The cleanup
// hook is bound only once c owns its registry entry, so a failed setup never
// touches another connection's entry.
func (g *Gateway) admit(c *Client) error {
	g.lifeMu.Lock()
	defer g.lifeMu.Unlock()

	if g.closing {
		c.Close(ReasonShutdown)
		return errGatewayClosed
	}
	if err := g.registry.Register(c); err != nil {
		c.Close(ReasonRegistrationFailed)
		return err
	}
	c.onClose = g.onClientClosed
	c.open(time.Now())
	g.wg.Add(2)
	return nil
}

// gate returns the lock stripe guarding roomID.
func (g *Gateway) gate(roomID string) *sync.RWMutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return &g.gates[h.Sum32()%roomGateStripes]
}

// handleFrame dispatches one inbound frame. Frames of one client are
// handled sequentially by its read pump.
func (g *Gateway) handleFrame(c *Client, raw []byte) {
	if !c.allow() {
		c.log.Info("Rate limit exceeded, discarding frame")
		g.notify(c, chat.NewError(chat.ErrTextRateLimited))
		return
	}

	env, err := chat.ParseEnvelope(raw)
	if err != nil {
		g.reportInvalid(c, err)
		return
	}

	switch env.Type {
	case "", chat.FrameMessage:
		g.handleMessage(c, raw)
	case chat.FrameJoin:
		g.handleJoin(c, strings.TrimSpace(env.RoomID))
	case chat.FrameLeave:
		g.handleLeave(c, strings.TrimSpace(env.RoomID))
	default:
		g.notify(c, chat.NewError(chat.ErrTextUnknownType))
	}
}

func (g *Gateway) reportInvalid(c *Client, err error) {
	var (
		formatErr *chat.FormatError
		fieldErrs chat.ValidationErrors
	)
	switch {
	case errors.As(err, &formatErr):
		c.log.Debug("Invalid frame format", zap.Error(err))
		g.notify(c, chat.NewError(chat.ErrTextInvalidFormat))
	case errors.As(err, &fieldErrs):
		c.log.Debug("Message validation failed", zap.Error(err))
		g.notify(c, chat.NewError(chat.ErrTextValidationFailed, fieldErrs.Reasons()...))
	default:
		g.notify(c, chat.NewError(err.Error()))
	}
}

func (g *Gateway) handleMessage(c *Client, raw []byte) {
	draft, err := g.validator.Validate(raw, c.sender())
	if err != nil {
		g.reportInvalid(c, err)
		return
	}

	if g.cfg.RoomMode {
		roomID, problem := g.targetRoom(c, strings.TrimSpace(draft.RoomID))
		if problem != "" {
			g.notify(c, chat.NewError(problem))
			return
		}
		draft.RoomID = roomID
	} else {
		draft.RoomID = globalRoom
	}

	// Held from save through broadcast: a join of this room either sees the
	// message in its history or receives it live, never both.
	gate := g.gate(draft.RoomID)
	gate.RLock()
	defer gate.RUnlock()

	if g.cfg.BroadcastUnpersisted {
		g.broadcastThenLog(c, draft)
		return
	}

	msg, err := g.save(draft)
	if err != nil {
		c.log.Warn("Message not saved", zap.String("room", draft.RoomID), zap.Error(err))
		g.notify(c, chat.NewError(chat.ErrTextSaveFailed))
		return
	}
	g.publish(c, msg)
}

// targetRoom picks the room a message is for: the explicit room, or the
// only joined room. It returns a user-facing problem when neither works.
func (g *Gateway) targetRoom(c *Client, requested string) (string, string) {
	if requested == "" {
		joined := g.registry.RoomsOf(c.ID())
		if len(joined) != 1 {
			return "", chat.ErrTextRoomRequired
		}
		return joined[0], ""
	}
	if !g.registry.IsSubscribed(c.ID(), requested) {
		return "", chat.ErrTextNotJoined
	}
	return requested, ""
}

type saveResult struct {
	msg chat.Message
	err error
}

// save persists draft under PersistTimeout. The context is not tied to the
// client, so a client closing mid-save does not cancel it, and a store that
// ignores its context still cannot hold the read pump past the timeout.
func (g *Gateway) save(draft chat.Draft) (chat.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()

	done := make(chan saveResult, 1)
	go func() {
		msg, err := g.store.Save(ctx, draft)
		done <- saveResult{msg: msg, err: err}
	}()

	select {
	case res := <-done:
		return res.msg, chat.NewStorageError("save", res.err)
	case <-ctx.Done():
		return chat.Message{}, chat.NewStorageError("save", ctx.Err())
	}
}

// publish broadcasts a persisted message, even if its sender has gone.
// The caller holds the read side of the message's room gate.
func (g *Gateway) publish(c *Client, msg chat.Message) {
	exclude := ""
	if g.cfg.ExcludeSelf {
		exclude = c.ID()
	}
	frame := chat.NewMessage(msg)

	var delivered int
	if g.cfg.RoomMode {
		delivered = g.fanout.BroadcastToRoom(msg.RoomID, frame, exclude)
	} else {
		delivered = g.fanout.BroadcastAll(frame, exclude)
	}
	c.log.Debug("Message broadcast", zap.String("id", msg.ID), zap.String("room", msg.RoomID), zap.Int("delivered", delivered))
}

// broadcastThenLog is the degraded profile: the message goes out without
// an id and a failed save is only logged.
func (g *Gateway) broadcastThenLog(c *Client, draft chat.Draft) {
	g.publish(c, draft.Persisted("", time.Now().UTC()))
	if _, err := g.save(draft); err != nil {
		c.log.Error("Broadcast message was not persisted", zap.String("room", draft.RoomID), zap.Error(err))
	}
}

func (g *Gateway) handleJoin(c *Client, roomID string) {
	if !g.cfg.RoomMode {
		g.notify(c, chat.NewError(chat.ErrTextUnknownType))
		return
	}
	if roomID == "" {
		g.notify(c, chat.NewError(chat.ErrTextRoomRequired))
		return
	}

	room, err := g.rooms.Resolve(roomID)
	if err != nil {
		g.notify(c, chat.NewError(chat.ErrTextRoomNotFound))
		return
	}
	if !room.HasMember(c.Principal().ID) {
		c.log.Info("Join to private room denied", zap.String("room", roomID))
		g.notify(c, chat.NewError(chat.ErrTextRoomForbidden))
		return
	}

	if !g.joinWithHistory(c, roomID) {
		return
	}
	c.log.Info("Joined room", zap.String("room", roomID), zap.Int("subscribers", g.registry.SubscriberCount(roomID)))

	if g.cfg.AnnouncePresence {
		g.announce(roomID, chat.NewUserJoined(roomID, c.UserID(), c.DisplayName()), c.ID())
	}
}

// joinWithHistory subscribes c and queues the room history while holding
// the room gate, so the history frame precedes every live frame of the room.
func (g *Gateway) joinWithHistory(c *Client, roomID string) bool {
	gate := g.gate(roomID)
	gate.Lock()
	defer gate.Unlock()

	joined, err := g.registry.JoinRoom(c.ID(), roomID)
	if err != nil || !joined {
		return false
	}
	g.sendHistory(c, roomID)
	return true
}

// sendHistory queues the recent messages of roomID as one frame.
func (g *Gateway) sendHistory(c *Client, roomID string) {
	ctx, cancel := context.WithTimeout(g.ctx, g.cfg.PersistTimeout)
	defer cancel()

	history, err := g.store.LoadRecent(ctx, roomID, g.cfg.HistoryLimit)
	if err != nil {
		c.log.Warn("Loading history failed", zap.String("room", roomID), zap.Error(chat.NewStorageError("load", err)))
		g.notify(c, chat.NewError(chat.ErrTextHistoryFailed))
		return
	}
	g.fanout.Send(c, chat.NewHistoryFrame(roomID, history))
}

func (g *Gateway) handleLeave(c *Client, roomID string) {
	if !g.cfg.RoomMode {
		g.notify(c, chat.NewError(chat.ErrTextUnknownType))
		return
	}
	if !g.registry.LeaveRoom(c.ID(), roomID) {
		return
	}
	c.log.Info("Left room", zap.String("room", roomID))
	if g.cfg.AnnouncePresence {
		g.announce(roomID, chat.NewUserLeft(roomID, c.UserID(), c.DisplayName()), c.ID())
	}
}

func (g *Gateway) announce(roomID string, frame chat.PresenceFrame, exclude string) {
	gate := g.gate(roomID)
	gate.RLock()
	defer gate.RUnlock()
	g.fanout.BroadcastToRoom(roomID, frame, exclude)
}

// notify sends an error notice to the client that caused it.
func (g *Gateway) notify(c *Client, frame chat.ErrorFrame) {
	g.fanout.SendToOne(c.ID(), frame)
}

// onClientClosed is the single cleanup path for every way a client ends.
func (g *Gateway) onClientClosed(c *Client, reason CloseReason) {
	rooms, ok := g.registry.Unregister(c.ID())
	if !ok {
		return
	}
	c.log.Info("Client disconnected",
		zap.String("reason", string(reason)),
		zap.Int("clients", g.registry.Len()))

	if !g.cfg.RoomMode || !g.cfg.AnnouncePresence || g.ctx.Err() != nil {
		return
	}
	for _, roomID := range rooms {
		g.announce(roomID, chat.NewUserLeft(roomID, c.UserID(), c.DisplayName()), c.ID())
	}
}

// Shutdown stops the heartbeat, closes every client and waits for all
// gateway goroutines, or returns context.DeadlineExceeded after timeout.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.log.Info("Initiating gateway shutdown...")

	g.lifeMu.Lock()
	g.closing = true
	g.cancel()
	clients := g.registry.All()
	g.lifeMu.Unlock()

	for _, c := range clients {
		c.Close(ReasonShutdown)
	}
	g.log.Info("Closed client connections", zap.Int("clients", len(clients)))

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("Gateway shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		g.log.Warn("Gateway shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
