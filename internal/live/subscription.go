// Package live tracks long-running subscriptions so that every subscribe
// has exactly one paired dispose.
package live

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Subscription is the handle returned by every subscribe call. Dispose stops
// delivery and releases the underlying change feed.
type Subscription struct {
	id       uint64
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	registry *Registry
}

// Dispose cancels the subscription and waits for its goroutine to exit.
// Safe to call more than once.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.registry.remove(s)
	})
}

// Done is closed once the subscription stopped delivering.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Name describes what the subscription watches, for logs.
func (s *Subscription) Name() string {
	return s.name
}

// Registry owns the set of live subscriptions of a process.
type Registry struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Start runs fn on its own goroutine until the returned subscription is
// disposed or parent is cancelled. fn must return when ctx is done.
func (r *Registry) Start(parent context.Context, name string, fn func(ctx context.Context)) *Subscription {
	ctx, cancel := context.WithCancel(parent)
	s := &Subscription{
		id:       r.nextID.Add(1),
		name:     name,
		cancel:   cancel,
		done:     make(chan struct{}),
		registry: r,
	}

	r.mu.Lock()
	r.subs[s.id] = s
	r.mu.Unlock()

	go func() {
		defer close(s.done)
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("subscription panicked", zap.String("subscription", name), zap.Any("panic", p))
			}
		}()
		fn(ctx)
	}()

	r.logger.Debug("subscription started", zap.String("subscription", name), zap.Uint64("id", s.id))
	return s
}

// Live returns the number of subscriptions not yet disposed.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Names lists the live subscriptions, for monitoring.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.subs))
	for _, s := range r.subs {
		names = append(names, s.name)
	}
	return names
}

// DisposeAll disposes every live subscription. Used at shutdown.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Dispose()
	}
}

func (r *Registry) remove(s *Subscription) {
	r.mu.Lock()
	delete(r.subs, s.id)
	r.mu.Unlock()
	r.logger.Debug("subscription disposed", zap.String("subscription", s.name), zap.Uint64("id", s.id))
}
