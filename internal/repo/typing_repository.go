package repo

import (
	"context"
	"fmt"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"go.uber.org/zap"
)

// TypingRepository holds typing signals. A record exists only while its
// user is composing; deleting it is the "stopped typing" state.
type TypingRepository interface {
	Set(ctx context.Context, conversationID, userID, userName string) error
	Clear(ctx context.Context, conversationID, userID string) error
	List(ctx context.Context, conversationID string) ([]model.TypingSignal, error)
	Watch(ctx context.Context, conversationID string, emit func([]model.TypingSignal))
	ClearConversation(ctx context.Context, conversationID string) error
}

type typingRepository struct {
	store      db.Store
	collection string
	logger     *zap.Logger
}

func NewTypingRepository(store db.Store, collection string, logger *zap.Logger) TypingRepository {
	return &typingRepository{
		store:      store,
		collection: collection,
		logger:     logger,
	}
}

func signalID(conversationID, userID string) string {
	return conversationID + ":" + userID
}

func (r *typingRepository) Set(ctx context.Context, conversationID, userID, userName string) error {
	signal := model.TypingSignal{
		ID:             signalID(conversationID, userID),
		ConversationID: conversationID,
		UserID:         userID,
		UserName:       userName,
		IsTyping:       true,
	}
	if err := validate(signal); err != nil {
		return err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := r.store.Set(ctx, r.collection, signal.ID, signal, "timestamp"); err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (r *typingRepository) Clear(ctx context.Context, conversationID, userID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := r.store.Delete(ctx, r.collection, signalID(conversationID, userID)); err != nil {
		return fmt.Errorf("clear typing: %w", err)
	}
	return nil
}

func (r *typingRepository) List(ctx context.Context, conversationID string) ([]model.TypingSignal, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	q := db.Query{
		Filter: db.NewFilter().Eq("conversationId", conversationID).Build(),
		Sort:   []db.SortField{{Field: "timestamp"}},
	}
	var signals []model.TypingSignal
	if err := r.store.Find(ctx, r.collection, q, &signals); err != nil {
		return nil, fmt.Errorf("list typing: %w", err)
	}
	return signals, nil
}

func (r *typingRepository) Watch(ctx context.Context, conversationID string, emit func([]model.TypingSignal)) {
	filter := db.NewFilter().Eq("conversationId", conversationID).Build()
	watchQuery(ctx, r.store, r.logger, r.collection, filter,
		func(ctx context.Context) ([]model.TypingSignal, error) {
			return r.List(ctx, conversationID)
		},
		emit,
	)
}

func (r *typingRepository) ClearConversation(ctx context.Context, conversationID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if _, err := r.store.DeleteMany(ctx, r.collection, db.NewFilter().Eq("conversationId", conversationID).Build()); err != nil {
		return fmt.Errorf("clear conversation typing: %w", err)
	}
	return nil
}
