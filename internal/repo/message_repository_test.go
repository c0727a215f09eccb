package repo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textMessage(conversationID, from, to, text string) *model.Message {
	return &model.Message{
		ConversationID: conversationID,
		SenderID:       from,
		ReceiverID:     to,
		Text:           text,
		Type:           model.MessageTypeText,
	}
}

func TestAppendStampsServerTimeAndKeepsID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.clock.Add(time.Hour)

	msg := textMessage("u1_u2", "u1", "u2", "hello")
	msg.Read = true
	stored, _, err := f.messages.Append(ctx, msg)
	require.NoError(t, err)

	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Read)
	assert.True(t, stored.Timestamp.Equal(f.clock.Now()))

	// reissuing the same id is a no-op
	again, created, err := f.messages.Append(ctx, &model.Message{
		ID: stored.ID, ConversationID: "u1_u2", SenderID: "u1", ReceiverID: "u2",
		Text: "changed", Type: model.MessageTypeText,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "hello", again.Text)
	assert.Equal(t, 1, f.store.Len(DefaultCollections().Messages))
}

func TestAppendRejectsIDOwnedByAnotherThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := textMessage("u1_u2", "u1", "u2", "secret for u2")
	first.ID = "0192f4a0-0000-7000-8000-0000000000aa"
	_, created, err := f.messages.Append(ctx, first)
	require.NoError(t, err)
	require.True(t, created)

	tests := []struct {
		name string
		msg  *model.Message
	}{
		{"other conversation", textMessage("u3_u4", "u3", "u4", "mine")},
		{"other sender", textMessage("u1_u2", "u2", "u1", "mine")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.msg.ID = first.ID
			got, created, err := f.messages.Append(ctx, tt.msg)
			assert.ErrorIs(t, err, db.ErrConflict)
			assert.Nil(t, got)
			assert.False(t, created)
		})
	}

	stored, err := f.messages.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret for u2", stored.Text)
	assert.Equal(t, 1, f.store.Len(DefaultCollections().Messages))
}

func TestAppendRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(1, db.ErrTransient)

	stored, created, err := f.messages.Append(context.Background(), textMessage("u1_u2", "u1", "u2", "x"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "x", stored.Text)
	assert.Equal(t, 1, f.store.Len(DefaultCollections().Messages))
}

func TestAppendDoesNotRetryPermanentFailure(t *testing.T) {
	f := newFixture(t)
	// a retry would find the store healthy again
	f.store.FailNext(1, db.ErrPermissionDenied)

	_, _, err := f.messages.Append(context.Background(), textMessage("u1_u2", "u1", "u2", "x"))
	assert.ErrorIs(t, err, db.ErrPermissionDenied)
	assert.Equal(t, 0, f.store.Len(DefaultCollections().Messages))
}

func TestRetryDelayDoublesFromBase(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, retryDelay(1, base, 2*time.Second))
	assert.Equal(t, 2*base, retryDelay(2, base, 2*time.Second))
	assert.Equal(t, 4*base, retryDelay(3, base, 2*time.Second))
	assert.Equal(t, 2*time.Second, retryDelay(10, base, 2*time.Second))
	assert.Equal(t, base, retryDelay(0, base, 2*time.Second))
}

func TestAppendRejectsInvalidMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.messages.Append(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, _, err = f.messages.Append(ctx, textMessage("", "u1", "u2", "x"))
	assert.ErrorIs(t, err, ErrInvalidConversationID)

	_, _, err = f.messages.Append(ctx, textMessage("u1_u2", "u1", "u1", "x"))
	assert.ErrorIs(t, err, db.ErrInvalidDocument)

	bad := textMessage("u1_u2", "u1", "u2", "x")
	bad.Type = "sticker"
	_, _, err = f.messages.Append(ctx, bad)
	assert.ErrorIs(t, err, db.ErrInvalidDocument)
}

func TestAppendSurfacesPermanentFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailWith(db.ErrPermissionDenied)

	_, _, err := f.messages.Append(context.Background(), textMessage("u1_u2", "u1", "u2", "x"))
	assert.ErrorIs(t, err, db.ErrPermissionDenied)
	assert.Equal(t, 0, f.store.Len(DefaultCollections().Messages))
}

func TestWindowIsAscendingAndKeepsNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.clock.Add(time.Second)
		_, _, err := f.messages.Append(ctx, textMessage("u1_u2", "u1", "u2", string(rune('a'+i))))
		require.NoError(t, err)
	}
	_, _, err := f.messages.Append(ctx, textMessage("u1_u3", "u1", "u3", "elsewhere"))
	require.NoError(t, err)

	window, err := f.messages.Window(ctx, "u1_u2", 3)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{window[0].Text, window[1].Text, window[2].Text})
}

func TestWindowOrdersByServerTimeThenID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// client ids run opposite to arrival, timestamps decide
	_, _, err := f.messages.Append(ctx, &model.Message{ID: "zz", ConversationID: "u1_u2", SenderID: "u1", ReceiverID: "u2", Text: "first", Type: model.MessageTypeText})
	require.NoError(t, err)
	f.clock.Add(time.Millisecond)
	_, _, err = f.messages.Append(ctx, &model.Message{ID: "aa", ConversationID: "u1_u2", SenderID: "u2", ReceiverID: "u1", Text: "second", Type: model.MessageTypeText})
	require.NoError(t, err)

	// same timestamp, id breaks the tie
	_, _, err = f.messages.Append(ctx, &model.Message{ID: "ab", ConversationID: "u1_u2", SenderID: "u1", ReceiverID: "u2", Text: "third", Type: model.MessageTypeText})
	require.NoError(t, err)

	window, err := f.messages.Window(ctx, "u1_u2", 0)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, "first", window[0].Text)
	assert.Equal(t, "second", window[1].Text)
	assert.Equal(t, "third", window[2].Text)
}

func TestMarkRangeReadOnlyTouchesReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, m := range []*model.Message{
		textMessage("u1_u2", "u1", "u2", "one"),
		textMessage("u1_u2", "u1", "u2", "two"),
		textMessage("u1_u2", "u2", "u1", "reply"),
	} {
		_, _, err := f.messages.Append(ctx, m)
		require.NoError(t, err)
	}

	n, err := f.messages.MarkRangeRead(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = f.messages.MarkRangeRead(ctx, "u1_u2", "u2")
	require.NoError(t, err)
	assert.Zero(t, n)

	window, err := f.messages.Window(ctx, "u1_u2", 0)
	require.NoError(t, err)
	for _, m := range window {
		assert.Equal(t, m.ReceiverID == "u2", m.Read, m.Text)
	}
}

func TestEditOnlyBySender(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, _, err := f.messages.Append(ctx, textMessage("u1_u2", "u1", "u2", "helo"))
	require.NoError(t, err)

	_, err = f.messages.Edit(ctx, stored.ID, "u2", "hijack")
	assert.ErrorIs(t, err, db.ErrPermissionDenied)

	f.clock.Add(time.Minute)
	edited, err := f.messages.Edit(ctx, stored.ID, "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", edited.Text)
	require.NotNil(t, edited.EditedAt)
	assert.True(t, edited.Timestamp.Before(*edited.EditedAt))

	_, err = f.messages.Edit(ctx, "missing", "u1", "x")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestSearchIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"Is the Camry free?", "yes", "camry keys at desk", "price (per day)?"} {
		_, _, err := f.messages.Append(ctx, textMessage("u1_u2", "u1", "u2", text))
		require.NoError(t, err)
	}

	found, err := f.messages.Search(ctx, "u1_u2", "CAMRY", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = f.messages.Search(ctx, "u1_u2", "(per", 10)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = f.messages.Search(ctx, "u1_u2", "  ", 10)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDeleteByConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := f.messages.Append(ctx, textMessage("u1_u2", "u1", "u2", "x"))
		require.NoError(t, err)
	}
	_, _, err := f.messages.Append(ctx, textMessage("u1_u3", "u1", "u3", "keep"))
	require.NoError(t, err)

	n, err := f.messages.DeleteByConversation(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 1, f.store.Len(DefaultCollections().Messages))
}

func TestWatchEmitsInitialAndAppended(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	var latest atomic.Value
	latest.Store([]model.Message(nil))
	var emits atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.messages.Watch(ctx, "u1_u2", DefaultWindow, func(msgs []model.Message) {
			latest.Store(msgs)
			emits.Add(1)
		})
	}()

	require.Eventually(t, func() bool { return emits.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, latest.Load().([]model.Message))

	_, _, err := f.messages.Append(context.Background(), textMessage("u1_u2", "u1", "u2", "hi"))
	require.NoError(t, err)
	_, _, err = f.messages.Append(context.Background(), textMessage("u1_u3", "u1", "u3", "other"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(latest.Load().([]model.Message)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hi", latest.Load().([]model.Message)[0].Text)

	cancel()
	<-done
	assert.Equal(t, 0, f.store.Watchers())
}
