package event

import (
	"encoding/json"

	"github.com/Riotolondon/fleet-sub000/internal/model"
)

// Inbound events, client to server
const (
	EventMessageSend        = "message:send"
	EventTypingStart        = "typing:start"
	EventTypingStop         = "typing:stop"
	EventConversationOpen   = "conversation:open"
	EventConversationClose  = "conversation:close"
	EventConversationRead   = "conversation:read"
	EventPresenceVisibility = "presence:visibility"
	EventPresenceStatus     = "presence:status"
)

// Outbound events, server to client
const (
	EventMessagesWindow    = "messages:window"
	EventMessageAck        = "message:ack"
	EventConversationsList = "conversations:list"
	EventTypingList        = "typing:list"
	EventPresenceOnline    = "presence:online"
	EventNotification      = "notification"
	EventError             = "error"
)

// Error codes carried by EventError
const (
	CodeBadRequest  = "bad_request"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeConflict    = "conflict"
	CodeUnavailable = "unavailable"
	CodeRateLimited = "rate_limited"
	CodeUnknown     = "unknown_event"
	CodeInternal    = "internal"
)

// WsEvent is the single frame shape in both directions. RequestID echoes
// the client's id on acks and errors.
type WsEvent struct {
	Event          string          `json:"event"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
}

// SendMessage is the payload of message:send. ID is optional; a client
// that sets it can resend safely.
type SendMessage struct {
	ID       string                `json:"id"`
	Receiver model.ParticipantInfo `json:"receiver"`
	Text     string                `json:"text"`
	Type     model.MessageType     `json:"type"`
	Data     *model.MessageData    `json:"messageData,omitempty"`
	Vehicle  *model.VehicleContext `json:"vehicleContext,omitempty"`
}

type Visibility struct {
	Visible bool `json:"visible"`
}

type PresenceStatus struct {
	Status   model.PresenceStatus `json:"status,omitempty"`
	Activity *string              `json:"activity,omitempty"`
}

type MessagesWindow struct {
	ConversationID string          `json:"conversationId"`
	Messages       []model.Message `json:"messages"`
}

type TypingList struct {
	ConversationID string               `json:"conversationId"`
	Typing         []model.TypingSignal `json:"typing"`
}

// New builds an outbound event. Payloads are plain structs, so a marshal
// failure is a programming error and yields an event without payload.
func New(name, conversationID string, payload interface{}) WsEvent {
	ev := WsEvent{Event: name, ConversationID: conversationID}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Error builds an error event answering requestID.
func Error(requestID, code, message string) WsEvent {
	ev := New(EventError, "", model.ErrorPayload{Code: code, Message: message})
	ev.RequestID = requestID
	return ev
}

// Decode unmarshals the payload into out.
func (e WsEvent) Decode(out interface{}) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), out)
	}
	return json.Unmarshal(e.Payload, out)
}
