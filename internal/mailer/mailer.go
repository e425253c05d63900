// Package mailer sends customer-facing lifecycle emails.
package mailer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Notifier delivers lifecycle notices. Delivery is best effort; callers
// never fail their own work over a lost email.
type Notifier interface {
	SendTrialEndingNotice(ctx context.Context, email string) error
}

// SendGrid sends notices through the SendGrid v3 API.
type SendGrid struct {
	client *sendgrid.Client
	from   *mail.Email
	logger *slog.Logger
}

// NewSendGrid creates a notifier. fromAddr is the verified sender address.
func NewSendGrid(apiKey, fromAddr string, logger *slog.Logger) *SendGrid {
	return &SendGrid{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail("Histori", fromAddr),
		logger: logger,
	}
}

func (s *SendGrid) SendTrialEndingNotice(ctx context.Context, email string) error {
	subject := "Your free trial is ending soon"
	plain := `Hi,

Your free trial has been active for two weeks. In one more week your
account will be moved off the free tier unless you pick a plan.

Upgrade any time from your dashboard to keep uninterrupted access.

The Histori team`

	msg := mail.NewSingleEmail(s.from, subject, mail.NewEmail("", email), plain, "")
	resp, err := s.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("send trial notice to %s: %w", email, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("send trial notice to %s: status %d", email, resp.StatusCode)
	}

	s.logger.Info("trial ending notice sent", "email", email)
	return nil
}

// Nop discards all notices, for demo/development mode.
type Nop struct{}

func (Nop) SendTrialEndingNotice(ctx context.Context, email string) error { return nil }
