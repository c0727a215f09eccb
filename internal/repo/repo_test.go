package repo

import (
	"testing"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

type fixture struct {
	clock         *clock.Mock
	store         *db.MemoryStore
	conversations ConversationRepository
	messages      MessageRepository
	presence      PresenceRepository
	typing        TypingRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	store := db.NewMemoryStore(clk)
	names := DefaultCollections()
	logger := zap.NewNop()
	return &fixture{
		clock:         clk,
		store:         store,
		conversations: NewConversationRepository(store, names.Conversations, logger),
		messages:      NewMessageRepository(store, names.Messages, logger),
		presence:      NewPresenceRepository(store, names.Presence, logger),
		typing:        NewTypingRepository(store, names.Typing, logger),
	}
}
