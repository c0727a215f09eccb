package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/Riotolondon/fleet-sub000/internal/model"
	"github.com/Riotolondon/fleet-sub000/internal/repo"
	"github.com/resend/resend-go/v3"
	"go.uber.org/zap"
)

// Mailer is the part of the resend client used here.
type Mailer interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// EmailDispatcher mails high priority notifications to the recipient's
// address from the user directory. Lower priorities are left to the
// in-app channel.
type EmailDispatcher struct {
	mailer    Mailer
	users     repo.UserRepository
	fromEmail string
	appURL    string
	logger    *zap.Logger
}

// NewEmailDispatcher sends through the Resend API with apiKey.
func NewEmailDispatcher(apiKey, fromEmail, appURL string, users repo.UserRepository, logger *zap.Logger) *EmailDispatcher {
	return NewEmailDispatcherWithMailer(resend.NewClient(apiKey).Emails, fromEmail, appURL, users, logger)
}

func NewEmailDispatcherWithMailer(mailer Mailer, fromEmail, appURL string, users repo.UserRepository, logger *zap.Logger) *EmailDispatcher {
	return &EmailDispatcher{
		mailer:    mailer,
		users:     users,
		fromEmail: fromEmail,
		appURL:    appURL,
		logger:    logger,
	}
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, n model.Notification) error {
	if n.Priority != model.PriorityHigh {
		return nil
	}

	user, err := d.users.GetUser(ctx, n.RecipientID)
	if err != nil {
		return fmt.Errorf("email notification: %w", err)
	}
	if user.Email == "" {
		d.logger.Debug("recipient has no email address", zap.String("recipient_id", n.RecipientID))
		return nil
	}

	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("Fleet <%s>", d.fromEmail),
		To:      []string{user.Email},
		Subject: n.Title,
		Html:    d.render(user, n),
	}
	if _, err := d.mailer.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send notification email: %w", err)
	}

	d.logger.Info("notification email sent",
		zap.String("recipient_id", n.RecipientID),
		zap.String("conversation_id", n.Metadata["conversationId"]),
	)
	return nil
}

func (d *EmailDispatcher) render(user *model.User, n model.Notification) string {
	link := d.appURL + n.DeepLink
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="margin:0;padding:24px;font-family:Arial,Helvetica,sans-serif;">
  <p>Hi %s,</p>
  <p><strong>%s</strong></p>
  <blockquote style="color:#475569;">%s</blockquote>
  <p><a href="%s">Open the conversation</a></p>
</body>
</html>`,
		html.EscapeString(user.DisplayName()),
		html.EscapeString(n.Title),
		html.EscapeString(n.Body),
		html.EscapeString(link),
	)
}
