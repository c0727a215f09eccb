package live

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestEverySubscribeHasOneDispose(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	const n = 25
	subs := make([]*Subscription, 0, n)
	for i := 0; i < n; i++ {
		subs = append(subs, r.Start(context.Background(), "test", func(ctx context.Context) {
			<-ctx.Done()
		}))
	}
	require.Equal(t, n, r.Live())

	for _, s := range subs {
		s.Dispose()
	}
	assert.Equal(t, 0, r.Live())
}

func TestDisposeIsIdempotent(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	s := r.Start(context.Background(), "twice", func(ctx context.Context) { <-ctx.Done() })

	s.Dispose()
	s.Dispose()

	assert.Equal(t, 0, r.Live())
	select {
	case <-s.Done():
	default:
		t.Fatal("subscription goroutine still running")
	}
}

func TestDisposeAll(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		r.Start(context.Background(), "bulk", func(ctx context.Context) { <-ctx.Done() })
	}
	r.DisposeAll()
	assert.Equal(t, 0, r.Live())
}

func TestPanickingSubscriptionStillReleases(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	s := r.Start(context.Background(), "panics", func(ctx context.Context) { panic("boom") })
	<-s.Done()
	s.Dispose()
	assert.Equal(t, 0, r.Live())
}
