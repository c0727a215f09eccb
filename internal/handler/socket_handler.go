package handler

import (
	"github.com/Riotolondon/fleet-sub000/internal/auth"
	"github.com/Riotolondon/fleet-sub000/internal/hub"
	"github.com/gin-gonic/gin"
)

type SocketHandler interface {
	Serve(c *gin.Context)
}

type socketHandler struct {
	hub *hub.Hub
}

func NewSocketHandler(h *hub.Hub) SocketHandler {
	return &socketHandler{hub: h}
}

// Serve upgrades an authenticated request into a websocket session.
func (h *socketHandler) Serve(c *gin.Context) {
	id, _ := auth.Current(c)
	h.hub.ServeWS(c.Writer, c.Request, id.UserID, id.Name)
}
