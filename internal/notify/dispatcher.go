// Package notify delivers out-of-band notifications. Delivery is never
// part of a message write: callers dispatch after the message is stored
// and only log failures.
package notify

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/Riotolondon/fleet-sub000/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher hands a notification to one delivery channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, n model.Notification) error

func (f DispatcherFunc) Dispatch(ctx context.Context, n model.Notification) error {
	return f(ctx, n)
}

// LogDispatcher only writes the notification to the log.
type LogDispatcher struct {
	logger *zap.Logger
}

func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n model.Notification) error {
	d.logger.Info("notification",
		zap.String("recipient_id", n.RecipientID),
		zap.String("title", n.Title),
		zap.String("priority", string(n.Priority)),
		zap.String("deep_link", n.DeepLink),
	)
	return nil
}

// Multi delivers to every dispatcher concurrently. One failing channel does
// not stop the others; the first error is returned.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n model.Notification) error {
	var g errgroup.Group
	for _, d := range m {
		if d == nil {
			continue
		}
		d := d
		g.Go(func() error {
			return d.Dispatch(ctx, n)
		})
	}
	return g.Wait()
}

const previewLength = 120

// ForMessage builds the notification a receiver gets for msg.
func ForMessage(msg *model.Message) model.Notification {
	priority := model.PriorityNormal
	title := fmt.Sprintf("New message from %s", displayName(msg.SenderName, msg.SenderID))
	if msg.Type == model.MessageTypeVehicleInquiry {
		priority = model.PriorityHigh
		title = fmt.Sprintf("New vehicle inquiry from %s", displayName(msg.SenderName, msg.SenderID))
	}

	return model.Notification{
		RecipientID: msg.ReceiverID,
		Title:       title,
		Body:        preview(msg),
		Priority:    priority,
		DeepLink:    "/messages/" + msg.ConversationID,
		Metadata: map[string]string{
			"conversationId": msg.ConversationID,
			"messageId":      msg.ID,
			"senderId":       msg.SenderID,
			"type":           string(msg.Type),
		},
	}
}

func preview(msg *model.Message) string {
	text := msg.Text
	if text == "" {
		switch msg.Type {
		case model.MessageTypeImage:
			return "Sent an image"
		case model.MessageTypeFile:
			return "Sent a file"
		}
	}
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "..."
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
