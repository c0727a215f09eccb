package typing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Composer applies the typing debounce for one user in one conversation:
// every keystroke sets the signal and restarts the idle timer, the timer
// clears it, and sending clears it at once.
type Composer struct {
	signaler       Signaler
	clock          clock.Clock
	idle           time.Duration
	conversationID string
	userID         string
	userName       string

	mu     sync.Mutex
	timer  *clock.Timer
	seq    uint64
	active bool
	closed bool
}

func NewComposer(signaler Signaler, clk clock.Clock, idle time.Duration, conversationID, userID, userName string) *Composer {
	if clk == nil {
		clk = clock.New()
	}
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Composer{
		signaler:       signaler,
		clock:          clk,
		idle:           idle,
		conversationID: conversationID,
		userID:         userID,
		userName:       userName,
	}
}

// Keystroke records composing activity.
func (c *Composer) Keystroke(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	c.signaler.Set(ctx, c.conversationID, c.userID, c.userName)
	c.active = true

	c.stopTimerLocked()
	c.seq++
	armed := c.seq
	c.timer = c.clock.AfterFunc(c.idle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || c.seq != armed || !c.active {
			return
		}
		c.active = false
		c.signaler.Clear(context.Background(), c.conversationID, c.userID)
	})
}

// Stop clears the signal now, as after a message was sent.
func (c *Composer) Stop(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopTimerLocked()
	c.seq++
	c.active = false
	c.signaler.Clear(ctx, c.conversationID, c.userID)
}

// Active reports whether the composer currently holds a signal.
func (c *Composer) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Close clears a pending signal and disables the composer.
func (c *Composer) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimerLocked()
	if c.active {
		c.active = false
		c.signaler.Clear(ctx, c.conversationID, c.userID)
	}
}

func (c *Composer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
