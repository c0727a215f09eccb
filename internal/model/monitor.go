package model

// -----------------------------------------------------------------
// Monitor API Response Models
// -----------------------------------------------------------------

// MonitorResponse is the main response for the monitor API
type MonitorResponse struct {
	Status        string            `json:"status"` // "healthy", "idle"
	Connections   ConnectionStats   `json:"connections"`
	Subscriptions SubscriptionStats `json:"subscriptions"`
	Clients       []ClientInfo      `json:"clients"`
	StatusCount   map[string]int    `json:"statusCount"` // sessions by presence status
}

// ConnectionStats holds connection-related statistics
type ConnectionStats struct {
	TotalSessions int `json:"totalSessions"` // open websocket sessions
	TotalUsers    int `json:"totalUsers"`    // distinct users with at least one session
	ViewingThread int `json:"viewingThread"` // sessions with a conversation open
}

// SubscriptionStats counts live subscriptions. A count that keeps growing
// while sessions stay flat is a leak.
type SubscriptionStats struct {
	Live   int            `json:"live"`
	ByKind map[string]int `json:"byKind"` // "messages", "conversations", "typing", "presence"
}

// ClientInfo contains information about a connected session
type ClientInfo struct {
	ClientID           string `json:"clientId"`
	UserID             string `json:"userId"`
	Status             string `json:"status"`
	OpenConversationID string `json:"openConversationId,omitempty"`
}
