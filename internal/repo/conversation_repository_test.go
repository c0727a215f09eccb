package repo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner  = model.ParticipantInfo{ID: "u1", Name: "Olu", Role: model.RoleOwner}
	driver = model.ParticipantInfo{ID: "u2", Name: "Dami", Role: model.RoleDriver}
)

func TestCreateOrGetIsIdempotentAcrossOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, created, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "u1_u2", id)

	again, created, err := f.conversations.CreateOrGet(ctx, driver, owner, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, f.store.Len(DefaultCollections().Conversations))

	c, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"u1": 0, "u2": 0}, c.UnreadCount)
	assert.Nil(t, c.LastMessage)
	assert.Equal(t, "Olu", c.Participants["u1"].Name)
	assert.Equal(t, model.RoleDriver, c.Participants["u2"].Role)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestCreateOrGetKeepsOriginalVehicleContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vehicle := &model.VehicleContext{VehicleID: "v-7", VehicleMake: "Toyota", VehiclePlate: "LAG-123"}
	id, _, err := f.conversations.CreateOrGet(ctx, owner, driver, vehicle)
	require.NoError(t, err)

	_, created, err := f.conversations.CreateOrGet(ctx, owner, driver, &model.VehicleContext{VehicleID: "v-9"})
	require.NoError(t, err)
	assert.False(t, created)

	c, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.VehicleContext)
	assert.Equal(t, "v-7", c.VehicleContext.VehicleID)
}

func TestCreateOrGetRejectsSelfConversation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.conversations.CreateOrGet(context.Background(), owner, owner, nil)
	assert.ErrorIs(t, err, db.ErrInvalidDocument)
}

func TestRecordSentMessageConcurrentIncrementsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			summary := model.LastMessage{Text: "ping", SenderID: "u1", Type: model.MessageTypeText}
			assert.NoError(t, f.conversations.RecordSentMessage(ctx, id, "u1", "u2", summary))
		}()
	}
	wg.Wait()

	c, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(n), c.Unread("u2"))
	assert.Equal(t, int64(0), c.Unread("u1"))
	assert.Equal(t, "ping", c.LastMessage.Text)
}

func TestRecordSentMessageRejectsOutsiders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)

	err = f.conversations.RecordSentMessage(ctx, id, "u1", "u3", model.LastMessage{Text: "hi"})
	assert.ErrorIs(t, err, db.ErrPermissionDenied)

	err = f.conversations.RecordSentMessage(ctx, "u1_u9", "u1", "u9", model.LastMessage{Text: "hi"})
	assert.ErrorIs(t, err, db.ErrNotFound)

	c, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, c.UnreadCount, 2)
}

func TestMarkReadResetsOnlyTheReader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)

	require.NoError(t, f.conversations.RecordSentMessage(ctx, id, "u1", "u2", model.LastMessage{Text: "a"}))
	require.NoError(t, f.conversations.RecordSentMessage(ctx, id, "u2", "u1", model.LastMessage{Text: "b"}))

	f.clock.Add(time.Minute)
	require.NoError(t, f.conversations.MarkRead(ctx, id, "u2"))
	require.NoError(t, f.conversations.MarkRead(ctx, id, "u2"))

	c, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Unread("u2"))
	assert.Equal(t, int64(1), c.Unread("u1"))
	require.NotNil(t, c.Participants["u2"].LastSeen)
	assert.True(t, c.Participants["u2"].LastSeen.Equal(f.clock.Now()))
	assert.Nil(t, c.Participants["u1"].LastSeen)

	assert.ErrorIs(t, f.conversations.MarkRead(ctx, id, "u3"), db.ErrPermissionDenied)
}

func TestListForUserAndTotalUnread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	third := model.ParticipantInfo{ID: "u3", Name: "Tobi", Role: model.RoleDriver}

	first, _, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)
	f.clock.Add(time.Second)
	second, _, err := f.conversations.CreateOrGet(ctx, owner, third, nil)
	require.NoError(t, err)

	require.NoError(t, f.conversations.RecordSentMessage(ctx, first, "u2", "u1", model.LastMessage{Text: "x"}))
	require.NoError(t, f.conversations.RecordSentMessage(ctx, second, "u3", "u1", model.LastMessage{Text: "y"}))
	f.clock.Add(time.Second)
	require.NoError(t, f.conversations.RecordSentMessage(ctx, first, "u2", "u1", model.LastMessage{Text: "z"}))

	list, err := f.conversations.ListForUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID, "most recently updated first")

	total, err := f.conversations.TotalUnread(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	list, err = f.conversations.ListForUser(ctx, "u3")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWatchForUserEmitsOnChange(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan []model.Conversation, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.conversations.WatchForUser(ctx, "u2", func(cs []model.Conversation) { updates <- cs })
	}()

	initial := <-updates
	assert.Empty(t, initial)

	_, _, err := f.conversations.CreateOrGet(context.Background(), owner, driver, nil)
	require.NoError(t, err)

	select {
	case got := <-updates:
		require.Len(t, got, 1)
		assert.Equal(t, "u1_u2", got[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after conversation was created")
	}

	cancel()
	<-done
	assert.Equal(t, 0, f.store.Watchers())
}

func TestWatchFallsBackToEmptyWhenStoreIsDown(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith(db.ErrTransient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan []model.Conversation, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.conversations.WatchForUser(ctx, "u1", func(cs []model.Conversation) { updates <- cs })
	}()

	select {
	case got := <-updates:
		assert.NotNil(t, got)
		assert.Empty(t, got)
	case <-time.After(2 * time.Second):
		t.Fatal("failed subscription never produced a result")
	}
	cancel()
	<-done
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, _, err := f.conversations.CreateOrGet(ctx, owner, driver, nil)
	require.NoError(t, err)

	require.NoError(t, f.conversations.Delete(ctx, id))
	_, err = f.conversations.Get(ctx, id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
