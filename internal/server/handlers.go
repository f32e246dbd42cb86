// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the room directory endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/chat"
)

const maxRESTHistory = 500

type handlers struct {
	gw  *Gateway
	log *zap.Logger
}

// RoomView is a room as listed by GET /rooms.
type RoomView struct {
	chat.Room
	Subscribers int `json:"subscribers"`
}

type createRoomRequest struct {
	ID          string   `json:"id" binding:"required"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	IsPrivate   bool     `json:"is_private"`
	MemberIDs   []string `json:"member_ids"`
}

type addMemberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// health reports that the server is up and how many clients are connected.
func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": h.gw.Registry().Len(),
	})
}

func (h *handlers) websocket(c *gin.Context) {
	h.gw.ServeWS(c.Writer, c.Request)
}

func (h *handlers) listRooms(c *gin.Context) {
	rooms := h.gw.Rooms().List()
	out := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomView{Room: room, Subscribers: h.gw.Registry().SubscriberCount(room.ID)})
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room: " + err.Error()})
		return
	}

	room, err := h.gw.Rooms().Create(chat.Room{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		IsPrivate:   req.IsPrivate,
		MemberIDs:   req.MemberIDs,
	})
	switch {
	case errors.Is(err, ErrRoomExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.log.Info("Room created", zap.String("room", room.ID), zap.Bool("private", room.IsPrivate))
	c.JSON(http.StatusCreated, room)
}

func (h *handlers) addMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	if err := h.gw.Rooms().AddMember(c.Param("id"), strings.TrimSpace(req.UserID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) removeMember(c *gin.Context) {
	if err := h.gw.Rooms().RemoveMember(c.Param("id"), c.Param("user")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// roomMessages returns the most recent messages of a room, oldest first.
func (h *handlers) roomMessages(c *gin.Context) {
	roomID := c.Param("id")
	if _, err := h.gw.Rooms().Get(roomID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	limit := h.gw.Config().HistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRESTHistory)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.gw.Config().PersistTimeout)
	defer cancel()
	messages, err := h.gw.Store().LoadRecent(ctx, roomID, limit)
	if err != nil {
		h.log.Warn("Loading room messages failed", zap.String("room", roomID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": chat.ErrTextHistoryFailed})
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// requestLogger logs each request with zap once it has been served.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("addr", c.ClientIP()))
	}
}
