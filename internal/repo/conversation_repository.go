package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Riotolondon/fleet-sub000/internal/chatid"
	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"go.uber.org/zap"
)

// ConversationRepository is the Conversation Store: one document per
// participant pair, mutated only through targeted field updates.
type ConversationRepository interface {
	CreateOrGet(ctx context.Context, a, b model.ParticipantInfo, vehicle *model.VehicleContext) (string, bool, error)
	RecordSentMessage(ctx context.Context, conversationID, senderID, receiverID string, summary model.LastMessage) error
	MarkRead(ctx context.Context, conversationID, userID string) error
	Get(ctx context.Context, conversationID string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	WatchForUser(ctx context.Context, userID string, emit func([]model.Conversation))
	TotalUnread(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, conversationID string) error
}

type conversationRepository struct {
	store      db.Store
	collection string
	logger     *zap.Logger
}

func NewConversationRepository(store db.Store, collection string, logger *zap.Logger) ConversationRepository {
	return &conversationRepository{
		store:      store,
		collection: collection,
		logger:     logger,
	}
}

// -----------------------------------------------------------------------------
// CreateOrGet - insert-if-absent keyed by the canonical id
// -----------------------------------------------------------------------------
func (r *conversationRepository) CreateOrGet(ctx context.Context, a, b model.ParticipantInfo, vehicle *model.VehicleContext) (string, bool, error) {
	if a.ID == b.ID {
		return "", false, fmt.Errorf("%w: a conversation needs two distinct participants", db.ErrInvalidDocument)
	}
	id := chatid.CanonicalID(a.ID, b.ID)

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	conversation := model.Conversation{
		ID:             id,
		ParticipantIDs: []string{a.ID, b.ID},
		Participants: map[string]model.Participant{
			a.ID: {Name: a.Name, Role: a.Role},
			b.ID: {Name: b.Name, Role: b.Role},
		},
		UnreadCount:    map[string]int64{a.ID: 0, b.ID: 0},
		VehicleContext: vehicle,
	}
	if err := validate(conversation); err != nil {
		return "", false, err
	}

	created, err := r.store.Create(ctx, r.collection, id, conversation, "createdAt", "updatedAt")
	if err != nil {
		r.logger.Error("failed to create conversation",
			zap.String("conversation_id", id),
			zap.Error(err),
		)
		return "", false, fmt.Errorf("create conversation: %w", err)
	}

	if created {
		r.logger.Info("conversation created",
			zap.String("conversation_id", id),
			zap.Bool("vehicle_inquiry", vehicle != nil),
		)
	}
	return id, created, nil
}

// -----------------------------------------------------------------------------
// RecordSentMessage - summary overwrite + atomic increment of the receiver's counter
// -----------------------------------------------------------------------------
func (r *conversationRepository) RecordSentMessage(ctx context.Context, conversationID, senderID, receiverID string, summary model.LastMessage) error {
	if conversationID == "" {
		return ErrInvalidConversationID
	}

	if senderID == receiverID {
		return fmt.Errorf("%w: sender and receiver are the same user", db.ErrInvalidDocument)
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	// both ids must be participants, so the counter keys stay exactly the pair
	filter := db.NewFilter().
		Eq("_id", conversationID).
		All("participantIds", senderID, receiverID).
		Build()

	update := db.NewUpdate().
		Set("lastMessage", summary).
		Inc("unreadCount."+receiverID, 1).
		ServerTime("updatedAt")

	matched, err := r.store.UpdateMany(ctx, r.collection, filter, update)
	if err != nil {
		r.logger.Error("failed to record sent message",
			zap.String("conversation_id", conversationID),
			zap.String("receiver_id", receiverID),
			zap.Error(err),
		)
		return fmt.Errorf("record sent message: %w", err)
	}
	if matched == 0 {
		return r.missOrForbidden(ctx, conversationID)
	}
	return nil
}

// -----------------------------------------------------------------------------
// MarkRead - resets only the reader's counter
// -----------------------------------------------------------------------------
func (r *conversationRepository) MarkRead(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("_id", conversationID).Eq("participantIds", userID).Build()
	update := db.NewUpdate().
		Set("unreadCount."+userID, int64(0)).
		ServerTime("participants." + userID + ".lastSeen")

	matched, err := r.store.UpdateMany(ctx, r.collection, filter, update)
	if err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	if matched == 0 {
		return r.missOrForbidden(ctx, conversationID)
	}

	r.logger.Debug("conversation marked read",
		zap.String("conversation_id", conversationID),
		zap.String("user_id", userID),
	)
	return nil
}

func (r *conversationRepository) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var conversation model.Conversation
	if err := r.store.Get(ctx, r.collection, conversationID, &conversation); err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			r.logger.Error("failed to fetch conversation",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conversation, nil
}

func (r *conversationRepository) ListForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var conversations []model.Conversation
	if err := r.store.Find(ctx, r.collection, r.userQuery(userID), &conversations); err != nil {
		r.logger.Error("failed to query conversations", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	r.logger.Debug("conversations retrieved", zap.String("user_id", userID), zap.Int("count", len(conversations)))
	return conversations, nil
}

func (r *conversationRepository) WatchForUser(ctx context.Context, userID string, emit func([]model.Conversation)) {
	filter := db.NewFilter().Eq("participantIds", userID).Build()
	watchQuery(ctx, r.store, r.logger, r.collection, filter,
		func(ctx context.Context) ([]model.Conversation, error) {
			return r.ListForUser(ctx, userID)
		},
		emit,
	)
}

func (r *conversationRepository) TotalUnread(ctx context.Context, userID string) (int64, error) {
	conversations, err := r.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range conversations {
		total += conversations[i].Unread(userID)
	}
	return total, nil
}

func (r *conversationRepository) Delete(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := r.store.Delete(ctx, r.collection, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	r.logger.Info("conversation deleted", zap.String("conversation_id", conversationID))
	return nil
}

func (r *conversationRepository) userQuery(userID string) db.Query {
	return db.Query{
		Filter: db.NewFilter().Eq("participantIds", userID).Build(),
		Sort:   []db.SortField{{Field: "updatedAt", Desc: true}},
	}
}

// missOrForbidden tells an absent conversation apart from one the caller
// does not belong to after a filtered update matched nothing.
func (r *conversationRepository) missOrForbidden(ctx context.Context, conversationID string) error {
	var conversation model.Conversation
	err := r.store.Get(ctx, r.collection, conversationID, &conversation)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", conversationID, err)
	}
	return fmt.Errorf("conversation %s: %w", conversationID, ErrNotParticipant)
}
