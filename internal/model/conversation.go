package model

import (
	"time"
)

// Participant roles on the marketplace
const (
	RoleOwner  = "owner"
	RoleDriver = "driver"
	RoleAdmin  = "admin"
)

// Conversation is the thread between exactly two participants. Its id is
// the canonical id of the participant pair.
type Conversation struct {
	ID             string                 `json:"id" bson:"_id" validate:"required"`
	ParticipantIDs []string               `json:"participantIds" bson:"participantIds" validate:"len=2,dive,required"`
	Participants   map[string]Participant `json:"participants" bson:"participants" validate:"len=2,dive"`
	LastMessage    *LastMessage           `json:"lastMessage,omitempty" bson:"lastMessage,omitempty"`
	UnreadCount    map[string]int64       `json:"unreadCount" bson:"unreadCount" validate:"len=2,dive,gte=0"`
	VehicleContext *VehicleContext        `json:"vehicleContext,omitempty" bson:"vehicleContext,omitempty"`
	CreatedAt      time.Time              `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt" bson:"updatedAt"`
}

// Participant is one side of a conversation
type Participant struct {
	Name     string     `json:"name" bson:"name"`
	Role     string     `json:"role" bson:"role"`
	LastSeen *time.Time `json:"lastSeen,omitempty" bson:"lastSeen,omitempty"`
}

// ParticipantInfo identifies a user taking part in a conversation
type ParticipantInfo struct {
	ID   string `json:"id" binding:"required"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// LastMessage stores the most recent message preview
type LastMessage struct {
	Text      string      `json:"text" bson:"text"`
	SenderID  string      `json:"senderId" bson:"senderId"`
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
	Type      MessageType `json:"type" bson:"type"`
}

// VehicleContext links a thread to the listing it started from
type VehicleContext struct {
	VehicleID    string `json:"vehicleId" bson:"vehicleId" binding:"required" validate:"required"`
	VehicleMake  string `json:"vehicleMake,omitempty" bson:"vehicleMake,omitempty"`
	VehiclePlate string `json:"vehiclePlate,omitempty" bson:"vehiclePlate,omitempty"`
}

// Other returns the id of the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// Unread returns userID's unread counter, zero when absent.
func (c *Conversation) Unread(userID string) int64 {
	return c.UnreadCount[userID]
}
