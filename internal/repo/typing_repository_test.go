package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypingSetClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.typing.Set(ctx, "u1_u2", "u1", "Olu"))
	f.clock.Add(time.Second)
	require.NoError(t, f.typing.Set(ctx, "u1_u2", "u2", "Dami"))
	require.NoError(t, f.typing.Set(ctx, "u1_u3", "u3", "Tobi"))

	signals, err := f.typing.List(ctx, "u1_u2")
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "u1", signals[0].UserID)
	assert.True(t, signals[0].IsTyping)

	// re-setting refreshes the timestamp rather than adding a record
	require.NoError(t, f.typing.Set(ctx, "u1_u2", "u1", "Olu"))
	signals, err = f.typing.List(ctx, "u1_u2")
	require.NoError(t, err)
	require.Len(t, signals, 2)

	require.NoError(t, f.typing.Clear(ctx, "u1_u2", "u1"))
	require.NoError(t, f.typing.Clear(ctx, "u1_u2", "u1"))
	signals, err = f.typing.List(ctx, "u1_u2")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "u2", signals[0].UserID)

	require.NoError(t, f.typing.ClearConversation(ctx, "u1_u2"))
	signals, err = f.typing.List(ctx, "u1_u2")
	require.NoError(t, err)
	assert.Empty(t, signals)
}
