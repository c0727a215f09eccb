// Package presence keeps one user's presence record fresh for the lifetime
// of a session.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeat   = 30 * time.Second
	DefaultAwayGrace   = 60 * time.Second
	DefaultStaleFactor = 2
)

// Config holds the tracker timings.
type Config struct {
	Heartbeat time.Duration
	AwayGrace time.Duration
	// StaleFactor is how many missed heartbeats make a record effectively offline.
	StaleFactor int
}

// DefaultConfig returns the recommended timings.
func DefaultConfig() Config {
	return Config{
		Heartbeat:   DefaultHeartbeat,
		AwayGrace:   DefaultAwayGrace,
		StaleFactor: DefaultStaleFactor,
	}
}

// WithDefaults fills unset timings with the recommended values.
func (c Config) WithDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.AwayGrace <= 0 {
		c.AwayGrace = DefaultAwayGrace
	}
	if c.StaleFactor <= 0 {
		c.StaleFactor = DefaultStaleFactor
	}
	return c
}

// StaleAfter is the lastSeen age past which a record counts as offline.
func (c Config) StaleAfter() time.Duration {
	c = c.WithDefaults()
	return time.Duration(c.StaleFactor) * c.Heartbeat
}

// IsEffectivelyOnline reports whether record should be shown as reachable at now.
func IsEffectivelyOnline(record *model.PresenceRecord, now time.Time, cfg Config) bool {
	if record == nil {
		return false
	}
	return record.EffectiveStatus(now, cfg.StaleAfter()) != model.StatusOffline
}

// Tracker drives the presence state machine of one user. It owns its
// heartbeat ticker and away timer; Stop releases both. Store writes are
// best effort: failures are logged and the in-memory state still moves.
type Tracker struct {
	repo   repo.PresenceRepository
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	userID   string
	userName string
	status   model.PresenceStatus
	hidden   bool
	seq      uint64
	away     *clock.Timer
	cancel   context.CancelFunc
	done     chan struct{}

	// peers lists every tracker of the same user, this one included
	peers func() []*Tracker
}

// NewTracker creates a stopped tracker. A nil clock means wall time.
func NewTracker(presenceRepo repo.PresenceRepository, clk clock.Clock, cfg Config, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		repo:   presenceRepo,
		clock:  clk,
		cfg:    cfg.WithDefaults(),
		logger: logger,
		status: model.StatusOffline,
	}
}

// SetPeers lets the tracker see the user's other sessions. The user is
// only marked away once every running peer is hidden. Call before Start.
func (t *Tracker) SetPeers(peers func() []*Tracker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = peers
}

// Start publishes the user online and begins the heartbeat. Calling Start
// on a running tracker republishes the record.
func (t *Tracker) Start(userID, userName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.userID = userID
	t.userName = userName
	t.status = model.StatusOnline
	t.hidden = false
	t.stopAwayLocked()
	t.write("start", func(ctx context.Context) error {
		return t.repo.Publish(ctx, userID, userName, model.StatusOnline)
	})

	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.heartbeat(ctx, t.clock.Ticker(t.cfg.Heartbeat), t.done)

	t.logger.Info("presence tracking started", zap.String("user_id", userID))
}

// Hidden arms the away timer. The transition happens only if the session
// is still hidden when the grace period ends and no other session of the
// user is visible.
func (t *Tracker) Hidden() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil || t.hidden {
		return
	}

	t.hidden = true
	t.armAwayLocked()
}

// Rearm restarts the away grace period of a hidden session that is still
// online, typically after the visible session holding it off has left.
func (t *Tracker) Rearm() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil || !t.hidden || t.status != model.StatusOnline {
		return
	}
	t.armAwayLocked()
}

// IsHidden reports whether the session is hidden.
func (t *Tracker) IsHidden() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hidden
}

func (t *Tracker) armAwayLocked() {
	t.seq++
	armed := t.seq
	t.stopAwayLocked()
	t.away = t.clock.AfterFunc(t.cfg.AwayGrace, func() {
		t.mu.Lock()
		if !t.awayDueLocked(armed) {
			t.mu.Unlock()
			return
		}
		t.away = nil
		peers := t.peers
		t.mu.Unlock()

		// peers lock themselves, so they are checked without holding t.mu
		if peers != nil && anyVisible(peers(), t) {
			t.logger.Debug("away skipped, another session is visible", zap.String("user_id", t.UserID()))
			return
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.awayDueLocked(armed) {
			return
		}
		t.status = model.StatusAway
		t.write("away", func(ctx context.Context) error {
			return t.repo.SetStatus(ctx, t.userID, model.StatusAway)
		})
		t.logger.Debug("presence went away", zap.String("user_id", t.userID))
	})
}

func (t *Tracker) awayDueLocked(armed uint64) bool {
	return t.cancel != nil && t.hidden && t.seq == armed && t.status == model.StatusOnline
}

func anyVisible(peers []*Tracker, self *Tracker) bool {
	for _, p := range peers {
		if p != self && p.Running() && !p.IsHidden() {
			return true
		}
	}
	return false
}

// Visible cancels any pending away transition and returns the user to
// online. A manual busy status is kept; only lastSeen is refreshed.
func (t *Tracker) Visible() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}

	t.hidden = false
	t.seq++
	t.stopAwayLocked()

	if t.status == model.StatusBusy {
		t.write("visible", func(ctx context.Context) error { return t.repo.Touch(ctx, t.userID) })
		return
	}
	t.status = model.StatusOnline
	t.write("visible", func(ctx context.Context) error {
		return t.repo.SetStatus(ctx, t.userID, model.StatusOnline)
	})
}

// SetStatus applies a manual status. Only online and busy can be chosen;
// away and offline are driven by visibility and Stop.
func (t *Tracker) SetStatus(status model.PresenceStatus) error {
	if status != model.StatusOnline && status != model.StatusBusy {
		return errors.New("presence: only online or busy can be set manually")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return errors.New("presence: tracker is not running")
	}

	t.status = status
	t.write("set_status", func(ctx context.Context) error {
		return t.repo.SetStatus(ctx, t.userID, status)
	})
	return nil
}

// SetActivity labels what the user is doing; an empty label clears it.
func (t *Tracker) SetActivity(label string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}

	var activity *string
	if label != "" {
		activity = &label
	}
	t.write("set_activity", func(ctx context.Context) error {
		return t.repo.SetActivity(ctx, t.userID, activity)
	})
}

// Stop marks the user offline and releases the timers. Safe to call more than once.
func (t *Tracker) Stop() {
	t.shutdown(true)
}

// Detach releases the timers without touching the stored record, for a
// session that closes while another session of the same user stays open.
func (t *Tracker) Detach() {
	t.shutdown(false)
}

// Refresh republishes the tracker's current status.
func (t *Tracker) Refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}
	status := t.status
	t.write("refresh", func(ctx context.Context) error {
		return t.repo.Publish(ctx, t.userID, t.userName, status)
	})
}

func (t *Tracker) shutdown(markOffline bool) {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return
	}
	t.cancel()
	t.cancel = nil
	done := t.done
	t.stopAwayLocked()
	t.hidden = false
	t.status = model.StatusOffline
	userID := t.userID
	if markOffline {
		t.write("stop", func(ctx context.Context) error {
			return t.repo.SetStatus(ctx, userID, model.StatusOffline)
		})
	}
	t.mu.Unlock()

	<-done
	t.logger.Info("presence tracking stopped", zap.String("user_id", userID), zap.Bool("marked_offline", markOffline))
}

// UserID is the tracked user.
func (t *Tracker) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Status is the tracker's current view of the user's status.
func (t *Tracker) Status() model.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Running reports whether Start was called without a matching Stop.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancel != nil
}

func (t *Tracker) heartbeat(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		userID, userName, status := t.userID, t.userName, t.status
		t.mu.Unlock()

		err := t.repo.Touch(ctx, userID)
		if errors.Is(err, db.ErrNotFound) {
			// record was removed underneath us; put it back
			err = t.repo.Publish(ctx, userID, userName, status)
		}
		if err != nil && ctx.Err() == nil {
			t.logger.Warn("presence heartbeat failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

func (t *Tracker) stopAwayLocked() {
	if t.away != nil {
		t.away.Stop()
		t.away = nil
	}
}

// write runs a best-effort store write. Must be called with t.mu held.
func (t *Tracker) write(op string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		t.logger.Warn("presence write failed",
			zap.String("op", op),
			zap.String("user_id", t.userID),
			zap.Error(err),
		)
	}
}
