package typing

import (
	"context"
	"testing"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/live"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	clock    *clock.Mock
	store    *db.MemoryStore
	registry *live.Registry
	service  *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	store := db.NewMemoryStore(clk)
	registry := live.NewRegistry(zap.NewNop())
	typingRepo := repo.NewTypingRepository(store, "typing", zap.NewNop())
	t.Cleanup(registry.DisposeAll)
	return &harness{
		clock:    clk,
		store:    store,
		registry: registry,
		service:  NewService(typingRepo, registry, clk, Config{}, zap.NewNop()),
	}
}

func userIDs(signals []model.TypingSignal) []string {
	ids := make([]string, 0, len(signals))
	for _, s := range signals {
		ids = append(ids, s.UserID)
	}
	return ids
}

func next(t *testing.T, ch <-chan []model.TypingSignal) []string {
	t.Helper()
	select {
	case got := <-ch:
		return userIDs(got)
	case <-time.After(2 * time.Second):
		t.Fatal("no typing update")
		return nil
	}
}

func TestSubscribeSeesOtherUserUntilCleared(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	updates := make(chan []model.TypingSignal, 8)
	sub := h.service.Subscribe(ctx, "u1_u2", "u2", func(s []model.TypingSignal) { updates <- s })
	defer sub.Dispose()

	assert.Empty(t, next(t, updates))

	h.service.Set(ctx, "u1_u2", "u1", "Olu")
	assert.Equal(t, []string{"u1"}, next(t, updates))

	h.service.Clear(ctx, "u1_u2", "u1")
	assert.Empty(t, next(t, updates))
}

func TestSubscribeExcludesCaller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.service.Set(ctx, "u1_u2", "u2", "Dami")

	updates := make(chan []model.TypingSignal, 8)
	sub := h.service.Subscribe(ctx, "u1_u2", "u2", func(s []model.TypingSignal) { updates <- s })
	defer sub.Dispose()

	assert.Empty(t, next(t, updates))

	h.service.Set(ctx, "u1_u3", "u1", "Olu")
	h.service.Set(ctx, "u1_u2", "u2", "Dami")
	select {
	case got := <-updates:
		t.Fatalf("unexpected update %v", userIDs(got))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGhostSignalExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.service.Set(ctx, "u1_u2", "u1", "Olu")

	updates := make(chan []model.TypingSignal, 8)
	sub := h.service.Subscribe(ctx, "u1_u2", "u2", func(s []model.TypingSignal) { updates <- s })
	defer sub.Dispose()
	require.Equal(t, []string{"u1"}, next(t, updates))

	// never cleared: the subscriber drops it once it is older than the threshold
	var last []model.TypingSignal
	require.Eventually(t, func() bool {
		h.clock.Add(time.Second)
		select {
		case last = <-updates:
			return len(last) == 0
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, last)
}

func TestDisposeReleasesWatchers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const n = 5
	subs := make([]*live.Subscription, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, h.service.Subscribe(ctx, "u1_u2", "u2", func([]model.TypingSignal) {}))
	}
	require.Eventually(t, func() bool { return h.store.Watchers() == n }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, n, h.registry.Live())

	for _, s := range subs {
		s.Dispose()
	}
	assert.Zero(t, h.registry.Live())
	assert.Zero(t, h.store.Watchers())
}
