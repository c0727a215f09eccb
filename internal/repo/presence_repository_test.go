package repo

import (
	"context"
	"testing"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.presence.Publish(ctx, "u1", "Olu", model.StatusOnline))
	rec, err := f.presence.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOnline, rec.Status)
	first := rec.LastSeen

	f.clock.Add(30 * time.Second)
	require.NoError(t, f.presence.Touch(ctx, "u1"))
	rec, err = f.presence.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, rec.LastSeen.After(first))

	activity := "viewing listing v-7"
	require.NoError(t, f.presence.SetActivity(ctx, "u1", &activity))
	require.NoError(t, f.presence.SetStatus(ctx, "u1", model.StatusAway))
	rec, err = f.presence.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAway, rec.Status)
	require.NotNil(t, rec.CurrentActivity)
	assert.Equal(t, activity, *rec.CurrentActivity)

	require.NoError(t, f.presence.SetActivity(ctx, "u1", nil))
	rec, err = f.presence.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec.CurrentActivity)

	assert.ErrorIs(t, f.presence.SetStatus(ctx, "u1", "sleeping"), db.ErrInvalidDocument)
	assert.ErrorIs(t, f.presence.Touch(ctx, "nobody"), db.ErrNotFound)
}

func TestListActiveExcludesOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.presence.Publish(ctx, "u1", "Olu", model.StatusOnline))
	require.NoError(t, f.presence.Publish(ctx, "u2", "Dami", model.StatusBusy))
	require.NoError(t, f.presence.Publish(ctx, "u3", "Tobi", model.StatusOffline))

	active, err := f.presence.ListActive(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(active))
	for _, r := range active {
		ids = append(ids, r.UserID)
	}
	assert.ElementsMatch(t, []string{"u1", "u2"}, ids)
}

func TestWatchActiveSeesUsersGoOffline(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.presence.Publish(context.Background(), "u1", "Olu", model.StatusOnline))

	updates := make(chan []model.PresenceRecord, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.presence.WatchActive(ctx, func(rs []model.PresenceRecord) { updates <- rs })
	}()

	initial := <-updates
	require.Len(t, initial, 1)

	require.NoError(t, f.presence.SetStatus(context.Background(), "u1", model.StatusOffline))
	select {
	case got := <-updates:
		assert.Empty(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("offline transition not observed")
	}

	cancel()
	<-done
}
