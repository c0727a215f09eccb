package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Riotolondon/fleet-sub000/internal/db"
	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/resend/resend-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []*resend.SendEmailRequest
	err  error
}

func (m *fakeMailer) SendWithContext(_ context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.sent = append(m.sent, params)
	return &resend.SendEmailResponse{Id: "email-1"}, nil
}

func TestForMessage(t *testing.T) {
	msg := &model.Message{
		ID: "m1", ConversationID: "u1_u2", SenderID: "u1", SenderName: "Olu",
		ReceiverID: "u2", Text: strings.Repeat("a", 200), Type: model.MessageTypeText,
	}
	n := ForMessage(msg)
	assert.Equal(t, "u2", n.RecipientID)
	assert.Equal(t, model.PriorityNormal, n.Priority)
	assert.Equal(t, "/messages/u1_u2", n.DeepLink)
	assert.Equal(t, "New message from Olu", n.Title)
	assert.Len(t, n.Body, previewLength+3)
	assert.Equal(t, "m1", n.Metadata["messageId"])

	msg.Type = model.MessageTypeVehicleInquiry
	msg.SenderName = ""
	n = ForMessage(msg)
	assert.Equal(t, model.PriorityHigh, n.Priority)
	assert.Equal(t, "New vehicle inquiry from u1", n.Title)

	msg.Type = model.MessageTypeImage
	msg.Text = ""
	assert.Equal(t, "Sent an image", ForMessage(msg).Body)
	assert.NoError(t, model.Validate(ForMessage(msg)))
}

func TestMultiDeliversToAllAndReportsFailure(t *testing.T) {
	var calls atomic.Int32
	ok := DispatcherFunc(func(context.Context, model.Notification) error {
		calls.Add(1)
		return nil
	})
	boom := errors.New("push gateway down")
	failing := DispatcherFunc(func(context.Context, model.Notification) error {
		calls.Add(1)
		return boom
	})

	err := Multi{ok, failing, nil, NewLogDispatcher(zaptest.NewLogger(t)), ok}.Dispatch(context.Background(), model.Notification{RecipientID: "u2"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
}

func newEmailDispatcher(t *testing.T, mailer Mailer) (*EmailDispatcher, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore(nil)
	users := repo.NewUserRepository(store, "users")
	return NewEmailDispatcherWithMailer(mailer, "noreply@fleet.test", "https://fleet.test", users, zaptest.NewLogger(t)), store
}

func TestEmailDispatcherSendsHighPriorityOnly(t *testing.T) {
	mailer := &fakeMailer{}
	d, store := newEmailDispatcher(t, mailer)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "users", "u2", model.User{UserID: "u2", Email: "dami@fleet.test", FirstName: "Dami"}))

	require.NoError(t, d.Dispatch(ctx, model.Notification{RecipientID: "u2", Title: "hi", Priority: model.PriorityNormal}))
	assert.Empty(t, mailer.sent)

	require.NoError(t, d.Dispatch(ctx, model.Notification{
		RecipientID: "u2",
		Title:       "New vehicle inquiry from Olu",
		Body:        "Is the <Camry> free?",
		Priority:    model.PriorityHigh,
		DeepLink:    "/messages/u1_u2",
	}))
	require.Len(t, mailer.sent, 1)
	sent := mailer.sent[0]
	assert.Equal(t, []string{"dami@fleet.test"}, sent.To)
	assert.Equal(t, "New vehicle inquiry from Olu", sent.Subject)
	assert.Contains(t, sent.Html, "https://fleet.test/messages/u1_u2")
	assert.Contains(t, sent.Html, "&lt;Camry&gt;")
}

func TestEmailDispatcherErrors(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("rate limited")}
	d, store := newEmailDispatcher(t, mailer)
	ctx := context.Background()
	high := model.Notification{RecipientID: "u2", Title: "x", Priority: model.PriorityHigh}

	assert.ErrorIs(t, d.Dispatch(ctx, high), db.ErrNotFound)

	require.NoError(t, store.Set(ctx, "users", "u2", model.User{UserID: "u2", Email: "dami@fleet.test"}))
	assert.ErrorContains(t, d.Dispatch(ctx, high), "rate limited")

	require.NoError(t, store.Set(ctx, "users", "u3", model.User{UserID: "u3"}))
	high.RecipientID = "u3"
	assert.NoError(t, d.Dispatch(ctx, high))
}
