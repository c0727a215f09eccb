package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Riotolondon/fleet-sub000/internal/auth"
	"github.com/Riotolondon/fleet-sub000/internal/chatid"
	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type ChatHandler interface {
	CreateConversation(c *gin.Context)
	ListConversations(c *gin.Context)
	GetConversation(c *gin.Context)
	DeleteConversation(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	SearchMessages(c *gin.Context)
	EditMessage(c *gin.Context)
	TotalUnread(c *gin.Context)
	GetPresence(c *gin.Context)
	ListOnlineUsers(c *gin.Context)
	StartInquiry(c *gin.Context)
}

type chatHandler struct {
	service service.ChatService
	logger  *zap.Logger
}

func NewChatHandler(service service.ChatService, logger *zap.Logger) ChatHandler {
	return &chatHandler{
		service: service,
		logger:  logger,
	}
}

type createConversationRequest struct {
	Participant    model.ParticipantInfo `json:"participant" binding:"required"`
	VehicleContext *model.VehicleContext `json:"vehicleContext"`
}

type sendMessageRequest struct {
	ID          string                 `json:"id"`
	Receiver    *model.ParticipantInfo `json:"receiver"`
	Text        string                 `json:"text"`
	Type        model.MessageType      `json:"type"`
	MessageData *model.MessageData     `json:"messageData"`
}

type editMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type inquiryRequest struct {
	Owner   model.ParticipantInfo `json:"owner" binding:"required"`
	Vehicle model.VehicleContext  `json:"vehicle" binding:"required"`
	Text    string                `json:"text"`
}

func (h *chatHandler) CreateConversation(c *gin.Context) {
	me := caller(c)
	var req createConversationRequest
	if !bind(c, &req) {
		return
	}

	conversation, created, err := h.service.CreateConversation(c.Request.Context(), me, req.Participant, req.VehicleContext)
	if err != nil {
		h.fail(c, err)
		return
	}
	if created {
		respond(c, http.StatusCreated, conversation, "Conversation created")
		return
	}
	respond(c, http.StatusOK, conversation, "Conversation already exists")
}

func (h *chatHandler) ListConversations(c *gin.Context) {
	conversations, err := h.service.ListConversations(c.Request.Context(), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nonNil(conversations), "Conversations retrieved successfully")
}

func (h *chatHandler) GetConversation(c *gin.Context) {
	conversation, err := h.service.GetConversation(c.Request.Context(), c.Param("id"), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, conversation, "Conversation retrieved successfully")
}

func (h *chatHandler) DeleteConversation(c *gin.Context) {
	if err := h.service.DeleteConversation(c.Request.Context(), c.Param("id"), caller(c).ID); err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, "Conversation deleted")
}

func (h *chatHandler) ListMessages(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "0"), 10, 64)
	if err != nil || limit < 0 {
		respond(c, http.StatusBadRequest, nil, "Invalid limit")
		return
	}

	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"), caller(c).ID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nonNil(msgs), "Messages retrieved successfully")
}

// SendMessage posts into an existing or new thread. The receiver defaults
// to the other participant named by the conversation id.
func (h *chatHandler) SendMessage(c *gin.Context) {
	me := caller(c)
	conversationID := c.Param("id")
	var req sendMessageRequest
	if !bind(c, &req) {
		return
	}

	receiver := model.ParticipantInfo{}
	if req.Receiver != nil {
		receiver = *req.Receiver
	}
	if receiver.ID == "" {
		a, b, ok := chatid.Participants(conversationID)
		if !ok {
			respond(c, http.StatusBadRequest, nil, "Malformed conversation id")
			return
		}
		receiver.ID = a
		if a == me.ID {
			receiver.ID = b
		}
	}

	msg, err := h.service.SendMessage(c.Request.Context(), service.SendRequest{
		ID:             req.ID,
		ConversationID: conversationID,
		Sender:         me,
		Receiver:       receiver,
		Text:           req.Text,
		Type:           req.Type,
		Data:           req.MessageData,
	})
	if err != nil {
		if msg != nil && errors.Is(err, service.ErrSummaryNotUpdated) {
			h.logger.Warn("message stored without summary update", zap.String("message_id", msg.ID), zap.Error(err))
			respond(c, http.StatusAccepted, msg, "Message stored; conversation update pending")
			return
		}
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, msg, "Message sent")
}

func (h *chatHandler) MarkRead(c *gin.Context) {
	if err := h.service.MarkConversationRead(c.Request.Context(), c.Param("id"), caller(c).ID); err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nil, "Conversation marked read")
}

func (h *chatHandler) SearchMessages(c *gin.Context) {
	msgs, err := h.service.SearchMessages(c.Request.Context(), c.Param("id"), caller(c).ID, c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nonNil(msgs), "Search completed")
}

func (h *chatHandler) EditMessage(c *gin.Context) {
	var req editMessageRequest
	if !bind(c, &req) {
		return
	}
	msg, err := h.service.EditMessage(c.Request.Context(), c.Param("id"), caller(c).ID, req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, msg, "Message edited")
}

func (h *chatHandler) TotalUnread(c *gin.Context) {
	total, err := h.service.TotalUnread(c.Request.Context(), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"total": total}, "Unread count retrieved successfully")
}

func (h *chatHandler) GetPresence(c *gin.Context) {
	record, err := h.service.GetPresence(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, record, "Presence retrieved successfully")
}

func (h *chatHandler) ListOnlineUsers(c *gin.Context) {
	records, err := h.service.ListOnlineUsers(c.Request.Context(), caller(c).ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusOK, nonNil(records), "Online users retrieved successfully")
}

// StartInquiry opens a thread from the calling driver to a vehicle's owner.
func (h *chatHandler) StartInquiry(c *gin.Context) {
	var req inquiryRequest
	if !bind(c, &req) {
		return
	}
	driver := caller(c)
	if driver.Role == "" {
		driver.Role = model.RoleDriver
	}
	if req.Owner.Role == "" {
		req.Owner.Role = model.RoleOwner
	}

	msg, err := h.service.StartVehicleInquiry(c.Request.Context(), service.InquiryRequest{
		Driver:  driver,
		Owner:   req.Owner,
		Vehicle: req.Vehicle,
		Text:    req.Text,
	})
	if err != nil {
		if msg != nil && errors.Is(err, service.ErrSummaryNotUpdated) {
			respond(c, http.StatusAccepted, msg, "Inquiry stored; conversation update pending")
			return
		}
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, msg, "Inquiry sent")
}

// -----------------------------------------------------------------
// helpers
// -----------------------------------------------------------------

func caller(c *gin.Context) model.ParticipantInfo {
	id, _ := auth.Current(c)
	return model.ParticipantInfo{ID: id.UserID, Name: id.Name, Role: id.Role}
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respond(c, http.StatusBadRequest, nil, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func respond(c *gin.Context, status int, body interface{}, message string) {
	c.JSON(status, gin.H{
		"HttpStatusCode": status,
		"ResponseBody":   body,
		"IsSuccess":      status < http.StatusBadRequest,
		"Message":        message,
	})
}

func (h *chatHandler) fail(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	respond(c, status, nil, err.Error())
}

func statusOf(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, db.ErrInvalidDocument), errors.As(err, &verrs):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, db.ErrTransient):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
