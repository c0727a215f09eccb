package model

import (
	"time"
)

// MessageType tags the payload carried by a message
type MessageType string

const (
	MessageTypeText           MessageType = "text"
	MessageTypeImage          MessageType = "image"
	MessageTypeFile           MessageType = "file"
	MessageTypeVehicleInquiry MessageType = "vehicle_inquiry"
)

// Valid reports whether t is a known message type
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVehicleInquiry:
		return true
	}
	return false
}

// Message is one entry of a conversation's log. Only Read, and the edit
// marker on an explicit edit, change after creation.
type Message struct {
	ID             string       `json:"id" bson:"_id" validate:"required"`
	ConversationID string       `json:"conversationId" bson:"conversationId" validate:"required"`
	SenderID       string       `json:"senderId" bson:"senderId" validate:"required"`
	SenderName     string       `json:"senderName" bson:"senderName"`
	SenderRole     string       `json:"senderRole,omitempty" bson:"senderRole,omitempty"`
	ReceiverID     string       `json:"receiverId" bson:"receiverId" validate:"required,nefield=SenderID"`
	ReceiverName   string       `json:"receiverName" bson:"receiverName"`
	Text           string       `json:"text" bson:"text" validate:"max=4000"`
	Type           MessageType  `json:"type" bson:"type" validate:"required,oneof=text image file vehicle_inquiry"`
	MessageData    *MessageData `json:"messageData,omitempty" bson:"messageData,omitempty"`
	Read           bool         `json:"read" bson:"read"`
	Timestamp      time.Time    `json:"timestamp" bson:"timestamp"`
	EditedAt       *time.Time   `json:"editedAt,omitempty" bson:"editedAt,omitempty"`
}

// MessageData references an attachment or a vehicle; attachments are URLs only.
type MessageData struct {
	AttachmentURL string `json:"attachmentUrl,omitempty" bson:"attachmentUrl,omitempty" validate:"omitempty,url"`
	FileName      string `json:"fileName,omitempty" bson:"fileName,omitempty"`
	VehicleID     string `json:"vehicleId,omitempty" bson:"vehicleId,omitempty"`
	VehicleMake   string `json:"vehicleMake,omitempty" bson:"vehicleMake,omitempty"`
	VehiclePlate  string `json:"vehiclePlate,omitempty" bson:"vehiclePlate,omitempty"`
}

// Summary is the conversation preview for this message
func (m *Message) Summary() LastMessage {
	return LastMessage{
		Text:      m.Text,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
		Type:      m.Type,
	}
}

// ErrorPayload represents an error response sent to client via WebSocket
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
