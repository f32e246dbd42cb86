// Package server wires HTTP handlers into a gin engine for the chat gateway
// via routing helpers.
package server

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures and returns a gin engine with all application routes.
// It sets up handlers for health check, the WebSocket endpoint and the room
// directory.
func SetupRoutes(gw *Gateway) *gin.Engine {
	h := &handlers{gw: gw, log: gw.log}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(gw.log))

	r.GET("/", h.health)
	r.GET("/health", h.health)
	// any method reaches ServeWS so non-GET requests get its 405 text
	r.Any("/ws", h.websocket)

	rooms := r.Group("/rooms")
	rooms.GET("", h.listRooms)
	rooms.POST("", h.createRoom)
	rooms.POST("/:id/members", h.addMember)
	rooms.DELETE("/:id/members/:user", h.removeMember)
	rooms.GET("/:id/messages", h.roomMessages)
	return r
}
