package model

// Notification priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Notification is handed to the dispatcher for out-of-band delivery
type Notification struct {
	RecipientID string            `json:"recipientId" validate:"required"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Priority    string            `json:"priority" validate:"oneof=low normal high"`
	DeepLink    string            `json:"deepLink,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
