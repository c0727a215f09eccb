package approuters

import (
	"github.com/Riotolondon/fleet-sub000/internal/configuration"
	"github.com/gin-gonic/gin"
)

func ChatRouters(router *gin.Engine, container *configuration.Container) {
	h := container.ChatHandler

	chatRoute := router.Group("/api/chat", authMiddleware(container))
	{
		chatRoute.GET("/conversations", h.ListConversations)
		chatRoute.POST("/conversations", h.CreateConversation)
		chatRoute.GET("/conversations/:id", h.GetConversation)
		chatRoute.DELETE("/conversations/:id", h.DeleteConversation)
		chatRoute.GET("/conversations/:id/messages", h.ListMessages)
		chatRoute.POST("/conversations/:id/messages", h.SendMessage)
		chatRoute.POST("/conversations/:id/read", h.MarkRead)
		chatRoute.GET("/conversations/:id/search", h.SearchMessages)
		chatRoute.PATCH("/messages/:id", h.EditMessage)
		chatRoute.GET("/unread", h.TotalUnread)
		chatRoute.POST("/inquiries", h.StartInquiry)

		chatRoute.GET("/presence/online", h.ListOnlineUsers)
		chatRoute.GET("/presence/:userId", h.GetPresence)
	}
}

// SocketRouters mounts the websocket endpoint behind the same auth as REST.
// Browsers cannot set headers on the upgrade, so the token may ride in ?token=.
func SocketRouters(router *gin.Engine, container *configuration.Container) {
	router.GET("/"+container.Config.Server.SocketRoute, authMiddleware(container), container.SocketHandler.Serve)
}
