// Package typing propagates "is typing" signals. A signal exists only while
// its user composes; subscribers also drop signals older than the stale
// threshold so a crashed client cannot leave a ghost indicator.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultIdle  = 3 * time.Second
	DefaultStale = 5 * time.Second
)

type Config struct {
	// Idle is the composer's trailing debounce before it clears the signal.
	Idle time.Duration
	// Stale is the signal age after which subscribers treat it as expired.
	// It is kept longer than Idle (5s against 3s by default) so a live
	// composer clears its own signal before readers would expire it. The
	// stale cutoff only catches writers that vanished without clearing.
	Stale time.Duration
}

func (c Config) withDefaults() Config {
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	if c.Stale <= 0 {
		c.Stale = DefaultStale
	}
	return c
}

// Signaler is the write side used by a Composer.
type Signaler interface {
	Set(ctx context.Context, conversationID, userID, userName string)
	Clear(ctx context.Context, conversationID, userID string)
}

type Service struct {
	repo     repo.TypingRepository
	registry *live.Registry
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger
}

func NewService(typingRepo repo.TypingRepository, registry *live.Registry, clk clock.Clock, cfg Config, logger *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		repo:     typingRepo,
		registry: registry,
		clock:    clk,
		cfg:      cfg.withDefaults(),
		logger:   logger,
	}
}

// Config returns the effective timings.
func (s *Service) Config() Config {
	return s.cfg
}

// Set upserts the user's signal. Failures are logged only.
func (s *Service) Set(ctx context.Context, conversationID, userID, userName string) {
	if err := s.repo.Set(ctx, conversationID, userID, userName); err != nil {
		s.logger.Warn("set typing failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// Clear removes the user's signal. Failures are logged only.
func (s *Service) Clear(ctx context.Context, conversationID, userID string) {
	if err := s.repo.Clear(ctx, conversationID, userID); err != nil {
		s.logger.Warn("clear typing failed",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// ClearConversation drops every signal of a deleted conversation.
func (s *Service) ClearConversation(ctx context.Context, conversationID string) {
	if err := s.repo.ClearConversation(ctx, conversationID); err != nil {
		s.logger.Warn("clear conversation typing failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	}
}

// Composer returns a debounce policy for one user composing in conversationID.
func (s *Service) Composer(conversationID, userID, userName string) *Composer {
	return NewComposer(s, s.clock, s.cfg.Idle, conversationID, userID, userName)
}

// Subscribe delivers the users currently typing in conversationID, other
// than excludeUserID. emit runs on the subscription goroutine and is called
// only when the set of typing users changes.
func (s *Service) Subscribe(ctx context.Context, conversationID, excludeUserID string, emit func([]model.TypingSignal)) *live.Subscription {
	return s.registry.Start(ctx, "typing:"+conversationID+":"+excludeUserID, func(ctx context.Context) {
		s.run(ctx, conversationID, excludeUserID, emit)
	})
}

func (s *Service) run(ctx context.Context, conversationID, excludeUserID string, emit func([]model.TypingSignal)) {
	snapshots := make(chan []model.TypingSignal, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.repo.Watch(ctx, conversationID, func(signals []model.TypingSignal) {
			// keep only the newest snapshot
			select {
			case <-snapshots:
			default:
			}
			snapshots <- signals
		})
	}()
	defer wg.Wait()

	var (
		signals []model.TypingSignal
		last    []model.TypingSignal
		emitted bool
		expiry  *clock.Timer
		expired <-chan time.Time
	)
	defer func() {
		if expiry != nil {
			expiry.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case signals = <-snapshots:
		case <-expired:
		}

		visible, next := s.visible(signals, excludeUserID)
		if !emitted || !sameUsers(last, visible) {
			emit(visible)
			last = visible
			emitted = true
		}

		if expiry != nil {
			expiry.Stop()
			expiry, expired = nil, nil
		}
		if next > 0 {
			expiry = s.clock.Timer(next)
			expired = expiry.C
		}
	}
}

// visible filters out the excluded user and expired signals, and returns
// how long until the oldest remaining one expires.
func (s *Service) visible(signals []model.TypingSignal, excludeUserID string) ([]model.TypingSignal, time.Duration) {
	now := s.clock.Now()
	out := make([]model.TypingSignal, 0, len(signals))
	var next time.Duration
	for _, sig := range signals {
		if sig.UserID == excludeUserID || sig.Expired(now, s.cfg.Stale) {
			continue
		}
		out = append(out, sig)
		remaining := s.cfg.Stale - now.Sub(sig.Timestamp) + time.Millisecond
		if next == 0 || remaining < next {
			next = remaining
		}
	}
	return out, next
}

func sameUsers(a, b []model.TypingSignal) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, sig := range a {
		seen[sig.UserID] = struct{}{}
	}
	for _, sig := range b {
		if _, ok := seen[sig.UserID]; !ok {
			return false
		}
	}
	return true
}
