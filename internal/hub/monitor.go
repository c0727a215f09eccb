package hub

import (
	"strings"

	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
)

// MonitorService provides methods to gather hub statistics
type MonitorService struct {
	hub      *Hub
	registry *live.Registry
}

// NewMonitorService creates a new monitor service
func NewMonitorService(hub *Hub, registry *live.Registry) *MonitorService {
	return &MonitorService{hub: hub, registry: registry}
}

// GetStats gathers and returns all hub statistics
func (ms *MonitorService) GetStats() model.MonitorResponse {
	clients := ms.hub.Clients()

	status := "healthy"
	if len(clients) == 0 {
		status = "idle"
	}

	return model.MonitorResponse{
		Status:        status,
		Connections:   connectionStats(clients),
		Subscriptions: ms.subscriptionStats(),
		Clients:       clientList(clients),
		StatusCount:   statusCount(clients),
	}
}

func connectionStats(clients []*Client) model.ConnectionStats {
	users := make(map[string]struct{}, len(clients))
	stats := model.ConnectionStats{TotalSessions: len(clients)}
	for _, c := range clients {
		users[c.UserID()] = struct{}{}
		if c.OpenConversation() != "" {
			stats.ViewingThread++
		}
	}
	stats.TotalUsers = len(users)
	return stats
}

func (ms *MonitorService) subscriptionStats() model.SubscriptionStats {
	stats := model.SubscriptionStats{ByKind: make(map[string]int)}
	if ms.registry == nil {
		return stats
	}
	names := ms.registry.Names()
	stats.Live = len(names)
	for _, name := range names {
		kind, _, _ := strings.Cut(name, ":")
		stats.ByKind[kind]++
	}
	return stats
}

func clientList(clients []*Client) []model.ClientInfo {
	out := make([]model.ClientInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, model.ClientInfo{
			ClientID:           c.ID,
			UserID:             c.UserID(),
			Status:             string(c.Status()),
			OpenConversationID: c.OpenConversation(),
		})
	}
	return out
}

func statusCount(clients []*Client) map[string]int {
	counts := map[string]int{
		string(model.StatusOnline): 0,
		string(model.StatusBusy):   0,
		string(model.StatusAway):   0,
	}
	for _, c := range clients {
		counts[string(c.Status())]++
	}
	return counts
}
