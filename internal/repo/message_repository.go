package repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWindow is the number of most recent messages a subscription shows.
const DefaultWindow = 100

// MessageRepository is the append-only Message Log.
type MessageRepository interface {
	Append(ctx context.Context, msg *model.Message) (*model.Message, bool, error)
	Get(ctx context.Context, messageID string) (*model.Message, error)
	Window(ctx context.Context, conversationID string, limit int64) ([]model.Message, error)
	Watch(ctx context.Context, conversationID string, limit int64, emit func([]model.Message))
	MarkRangeRead(ctx context.Context, conversationID, receiverID string) (int64, error)
	Edit(ctx context.Context, messageID, senderID, text string) (*model.Message, error)
	Search(ctx context.Context, conversationID, query string, limit int64) ([]model.Message, error)
	DeleteByConversation(ctx context.Context, conversationID string) (int64, error)
}

type messageRepository struct {
	store      db.Store
	collection string
	logger     *zap.Logger
}

func NewMessageRepository(store db.Store, collection string, logger *zap.Logger) MessageRepository {
	return &messageRepository{
		store:      store,
		collection: collection,
		logger:     logger,
	}
}

// -----------------------------------------------------------------------------
// Append
// -----------------------------------------------------------------------------

// Append stores msg with a server-assigned timestamp and returns the stored
// copy and whether this call created it. The insert is keyed by msg.ID, so
// reissuing it after a transient failure cannot duplicate the message. An
// id already taken by a message of another sender or conversation is a
// conflict, and that message is never returned.
func (m *messageRepository) Append(ctx context.Context, msg *model.Message) (*model.Message, bool, error) {
	if msg == nil {
		return nil, false, ErrInvalidMessage
	}
	if msg.ConversationID == "" {
		return nil, false, ErrInvalidConversationID
	}
	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, false, fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	msg.Read = false
	msg.EditedAt = nil
	if err := validate(msg); err != nil {
		return nil, false, err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := waitForRetry(ctx, attempt, baseRetryDelay, maxRetryDelay); err != nil {
				return nil, false, err
			}
		}

		created, err := m.store.Create(ctx, m.collection, msg.ID, msg, "timestamp")
		if err == nil {
			stored, err := m.Get(ctx, msg.ID)
			if err != nil {
				return nil, false, err
			}
			if stored.ConversationID != msg.ConversationID || stored.SenderID != msg.SenderID {
				m.logger.Warn("message id already used elsewhere",
					zap.String("message_id", msg.ID),
					zap.String("conversation_id", msg.ConversationID),
				)
				return nil, false, fmt.Errorf("append message %s: %w", msg.ID, db.ErrConflict)
			}
			// a failed earlier attempt may have landed before its error came back
			created = created || attempt > 0
			m.logger.Info("message appended",
				zap.String("message_id", stored.ID),
				zap.String("conversation_id", stored.ConversationID),
				zap.Int("attempt", attempt+1),
				zap.Bool("replay", !created),
			)
			return stored, created, nil
		}

		lastErr = err

		// Don't retry on context cancellation or non-retryable errors
		if !db.IsRetryable(err) {
			break
		}

		m.logger.Warn("append attempt failed, retrying",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxRetries),
		)
	}

	m.logger.Error("failed to append message after all retries",
		zap.Error(lastErr),
		zap.String("conversation_id", msg.ConversationID),
	)
	return nil, false, fmt.Errorf("append message failed: %w", lastErr)
}

func (m *messageRepository) Get(ctx context.Context, messageID string) (*model.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var msg model.Message
	if err := m.store.Get(ctx, m.collection, messageID, &msg); err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// -----------------------------------------------------------------------------
// Window / Watch
// -----------------------------------------------------------------------------

// Window returns the most recent limit messages in ascending server order.
func (m *messageRepository) Window(ctx context.Context, conversationID string, limit int64) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	if limit <= 0 {
		limit = DefaultWindow
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	// newest first so the limit keeps the tail; ids are time-ordered and
	// break timestamp ties
	q := db.Query{
		Filter: db.NewFilter().Eq("conversationId", conversationID).Build(),
		Sort: []db.SortField{
			{Field: "timestamp", Desc: true},
			{Field: "_id", Desc: true},
		},
		Limit: limit,
	}

	var msgs []model.Message
	if err := m.store.Find(ctx, m.collection, q, &msgs); err != nil {
		m.logger.Error("failed to load message window",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("load message window: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (m *messageRepository) Watch(ctx context.Context, conversationID string, limit int64, emit func([]model.Message)) {
	filter := db.NewFilter().Eq("conversationId", conversationID).Build()
	watchQuery(ctx, m.store, m.logger, m.collection, filter,
		func(ctx context.Context) ([]model.Message, error) {
			return m.Window(ctx, conversationID, limit)
		},
		emit,
	)
}

// -----------------------------------------------------------------------------
// MarkRangeRead
// -----------------------------------------------------------------------------

// MarkRangeRead flags every unread message addressed to receiverID as read.
// Returns the number of messages that changed; zero is not an error.
func (m *messageRepository) MarkRangeRead(ctx context.Context, conversationID, receiverID string) (int64, error) {
	if conversationID == "" {
		return 0, ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().
		Eq("conversationId", conversationID).
		Eq("receiverId", receiverID).
		Eq("read", false).
		Build()

	n, err := m.store.UpdateMany(ctx, m.collection, filter, db.NewUpdate().Set("read", true))
	if err != nil {
		return 0, fmt.Errorf("mark messages read: %w", err)
	}

	if n > 0 {
		m.logger.Debug("messages marked read",
			zap.String("conversation_id", conversationID),
			zap.String("receiver_id", receiverID),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Edit / Search / Delete
// -----------------------------------------------------------------------------

func (m *messageRepository) Edit(ctx context.Context, messageID, senderID, text string) (*model.Message, error) {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	filter := db.NewFilter().Eq("_id", messageID).Eq("senderId", senderID).Build()
	update := db.NewUpdate().Set("text", text).ServerTime("editedAt")

	n, err := m.store.UpdateMany(ctx, m.collection, filter, update)
	if err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	if n == 0 {
		existing, err := m.Get(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if existing.SenderID != senderID {
			return nil, fmt.Errorf("edit message %s: %w", messageID, db.ErrPermissionDenied)
		}
	}
	return m.Get(ctx, messageID)
}

// Search is a naive case-insensitive substring scan over message text.
func (m *messageRepository) Search(ctx context.Context, conversationID, query string, limit int64) ([]model.Message, error) {
	if conversationID == "" {
		return nil, ErrInvalidConversationID
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []model.Message{}, nil
	}

	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	q := db.Query{
		Filter: db.NewFilter().
			Eq("conversationId", conversationID).
			Contains("text", query).
			Build(),
		Sort:  []db.SortField{{Field: "timestamp", Desc: true}, {Field: "_id", Desc: true}},
		Limit: limit,
	}

	var msgs []model.Message
	if err := m.store.Find(ctx, m.collection, q, &msgs); err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return msgs, nil
}

func (m *messageRepository) DeleteByConversation(ctx context.Context, conversationID string) (int64, error) {
	if conversationID == "" {
		return 0, ErrInvalidConversationID
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	n, err := m.store.DeleteMany(ctx, m.collection, db.NewFilter().Eq("conversationId", conversationID).Build())
	if err != nil {
		return 0, fmt.Errorf("delete conversation messages: %w", err)
	}
	m.logger.Info("conversation messages deleted",
		zap.String("conversation_id", conversationID),
		zap.Int64("count", n),
	)
	return n, nil
}
