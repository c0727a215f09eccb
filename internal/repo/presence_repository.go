package repo

import (
	"context"
	"fmt"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"go.uber.org/zap"
)

// PresenceRepository stores one PresenceRecord per user. lastSeen is
// always stamped by the store.
type PresenceRepository interface {
	Publish(ctx context.Context, userID, userName string, status model.PresenceStatus) error
	Touch(ctx context.Context, userID string) error
	SetStatus(ctx context.Context, userID string, status model.PresenceStatus) error
	SetActivity(ctx context.Context, userID string, activity *string) error
	Get(ctx context.Context, userID string) (*model.PresenceRecord, error)
	ListActive(ctx context.Context) ([]model.PresenceRecord, error)
	WatchActive(ctx context.Context, emit func([]model.PresenceRecord))
}

type presenceRepository struct {
	store      db.Store
	collection string
	logger     *zap.Logger
}

func NewPresenceRepository(store db.Store, collection string, logger *zap.Logger) PresenceRepository {
	return &presenceRepository{
		store:      store,
		collection: collection,
		logger:     logger,
	}
}

// Publish overwrites the user's record. Each user owns their own record,
// so a whole-document write cannot clobber another writer.
func (r *presenceRepository) Publish(ctx context.Context, userID, userName string, status model.PresenceStatus) error {
	record := model.PresenceRecord{UserID: userID, UserName: userName, Status: status}
	if err := validate(record); err != nil {
		return err
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := r.store.Set(ctx, r.collection, userID, record, "lastSeen"); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// Touch refreshes lastSeen without changing status.
func (r *presenceRepository) Touch(ctx context.Context, userID string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	if err := r.store.Update(ctx, r.collection, userID, db.NewUpdate().ServerTime("lastSeen")); err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

func (r *presenceRepository) SetStatus(ctx context.Context, userID string, status model.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown presence status %q", db.ErrInvalidDocument, status)
	}

	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	update := db.NewUpdate().Set("status", status).ServerTime("lastSeen")
	if err := r.store.Update(ctx, r.collection, userID, update); err != nil {
		return fmt.Errorf("set presence status: %w", err)
	}

	r.logger.Debug("presence status changed",
		zap.String("user_id", userID),
		zap.String("status", string(status)),
	)
	return nil
}

// SetActivity sets the activity label, or removes it when activity is nil.
func (r *presenceRepository) SetActivity(ctx context.Context, userID string, activity *string) error {
	ctx, cancel := ensureTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	update := db.NewUpdate()
	if activity == nil {
		update.Unset("currentActivity")
	} else {
		update.Set("currentActivity", *activity)
	}
	if err := r.store.Update(ctx, r.collection, userID, update); err != nil {
		return fmt.Errorf("set presence activity: %w", err)
	}
	return nil
}

func (r *presenceRepository) Get(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	var record model.PresenceRecord
	if err := r.store.Get(ctx, r.collection, userID, &record); err != nil {
		return nil, fmt.Errorf("get presence: %w", err)
	}
	return &record, nil
}

// ListActive returns every record whose stored status is not offline.
// Staleness is judged by the caller against its own clock.
func (r *presenceRepository) ListActive(ctx context.Context) ([]model.PresenceRecord, error) {
	ctx, cancel := ensureTimeout(ctx, defaultReadTimeout)
	defer cancel()

	q := db.Query{
		Filter: r.activeFilter(),
		Sort:   []db.SortField{{Field: "lastSeen", Desc: true}},
	}
	var records []model.PresenceRecord
	if err := r.store.Find(ctx, r.collection, q, &records); err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return records, nil
}

func (r *presenceRepository) WatchActive(ctx context.Context, emit func([]model.PresenceRecord)) {
	// going offline must also wake watchers, so watch the whole collection
	watchQuery(ctx, r.store, r.logger, r.collection, db.Empty(), r.ListActive, emit)
}

func (r *presenceRepository) activeFilter() db.Filter {
	return db.NewFilter().Ne("status", model.StatusOffline).Build()
}
