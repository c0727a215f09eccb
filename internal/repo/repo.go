package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"go.uber.org/zap"
)

var (
	ErrInvalidMessage        = errors.New("invalid message: message cannot be nil")
	ErrInvalidConversationID = errors.New("invalid conversation ID: cannot be empty")
	ErrNotParticipant        = fmt.Errorf("%w: user is not a participant", db.ErrPermissionDenied)
)

const (
	// Timeouts
	defaultWriteTimeout = 5 * time.Second
	defaultReadTimeout  = 30 * time.Second

	// Retry configuration
	maxRetries     = 3
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second

	// Subscriptions back off up to this long between reconnects
	maxResubscribeDelay = 30 * time.Second
)

// Collections names the store collections used by the repositories.
type Collections struct {
	Conversations string
	Messages      string
	Presence      string
	Typing        string
	Users         string
}

// DefaultCollections are used when the configuration leaves names empty.
func DefaultCollections() Collections {
	return Collections{
		Conversations: "conversations",
		Messages:      "messages",
		Presence:      "presence",
		Typing:        "typing",
		Users:         "users",
	}
}

func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hadDeadline := ctx.Deadline(); hadDeadline {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// retryDelay is the wait before retry number attempt (1-based): base,
// then doubling up to limit.
func retryDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(1<<uint(attempt-1)) * base
	if delay > limit || delay <= 0 {
		delay = limit
	}
	return delay
}

func waitForRetry(ctx context.Context, attempt int, base, limit time.Duration) error {
	delay := retryDelay(attempt, base, limit)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func validate(doc interface{}) error {
	if err := model.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", db.ErrInvalidDocument, err)
	}
	return nil
}

// watchQuery keeps a live query open until ctx is done. It emits the full
// result after subscribing and again after every matching change. On
// failure it reconnects with backoff and resumes from current state; if no
// result was ever produced it emits an empty one so callers never wait on
// a subscription that cannot start.
func watchQuery[T any](
	ctx context.Context,
	store db.Store,
	logger *zap.Logger,
	collection string,
	filter db.Filter,
	load func(ctx context.Context) ([]T, error),
	emit func([]T),
) {
	emitted := false
	attempt := 0

	fail := func(stage string, err error) bool {
		if ctx.Err() != nil {
			return false
		}
		logger.Warn("live query failed",
			zap.String("collection", collection),
			zap.String("stage", stage),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if !emitted {
			emit([]T{})
			emitted = true
		}
		attempt++
		return waitForRetry(ctx, attempt, baseRetryDelay, maxResubscribeDelay) == nil
	}

	for ctx.Err() == nil {
		stream, err := store.Watch(ctx, collection, filter)
		if err != nil {
			if !fail("watch", err) {
				return
			}
			continue
		}

		// load after the stream is open so no change falls in between
		items, err := load(ctx)
		if err != nil {
			_ = stream.Close(context.Background())
			if !fail("load", err) {
				return
			}
			continue
		}
		emit(items)
		emitted = true
		attempt = 0

		for {
			if err = stream.Next(ctx); err != nil {
				break
			}
			items, err = load(ctx)
			if err != nil {
				break
			}
			emit(items)
		}
		_ = stream.Close(context.Background())
		if !fail("stream", err) {
			return
		}
	}
}
