package model

import (
	"time"
)

// PresenceStatus is a user's availability
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known status
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the single presence document of a user
type PresenceRecord struct {
	UserID          string         `json:"userId" bson:"_id" validate:"required"`
	UserName        string         `json:"userName" bson:"userName"`
	Status          PresenceStatus `json:"status" bson:"status" validate:"required,oneof=online away busy offline"`
	LastSeen        time.Time      `json:"lastSeen" bson:"lastSeen"`
	CurrentActivity *string        `json:"currentActivity,omitempty" bson:"currentActivity,omitempty"`
}

// EffectiveStatus treats a record whose heartbeat stopped more than
// staleAfter ago as offline, whatever its stored status says.
func (p *PresenceRecord) EffectiveStatus(now time.Time, staleAfter time.Duration) PresenceStatus {
	if p.Status == StatusOffline {
		return StatusOffline
	}
	if staleAfter > 0 && now.Sub(p.LastSeen) > staleAfter {
		return StatusOffline
	}
	return p.Status
}

// TypingSignal exists only while its user is composing
type TypingSignal struct {
	ID             string    `json:"-" bson:"_id"`
	ConversationID string    `json:"conversationId" bson:"conversationId" validate:"required"`
	UserID         string    `json:"userId" bson:"userId" validate:"required"`
	UserName       string    `json:"userName" bson:"userName"`
	IsTyping       bool      `json:"isTyping" bson:"isTyping"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
}

// Expired reports whether the signal is older than ttl at now
func (t *TypingSignal) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(t.Timestamp) > ttl
}
