package channel

import (
	"context"
	"html"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"broadcast/internal/domain"
	"broadcast/internal/observability"
	"broadcast/internal/providers/email"
)

type EmailClient interface {
	SendEmail(ctx context.Context, req email.SendRequest) (email.SendResponse, int, error)
}

type EmailSender struct {
	Client   EmailClient
	Limiter  *rate.Limiter
	Breakers *Breakers
	Timeout  time.Duration
}

func (s *EmailSender) Channel() domain.Channel { return domain.ChannelEmail }

func (s *EmailSender) Address(r domain.Recipient) (string, bool) {
	return strings.TrimSpace(r.Email), r.HasEmail()
}

func (s *EmailSender) Send(ctx context.Context, to string, msg domain.Message, tenant domain.Tenant) domain.SendOutcome {
	start := time.Now()
	to = strings.TrimSpace(to)

	if !tenant.Email.Configured() {
		observability.ChannelSends.WithLabelValues(string(domain.ChannelEmail), "not_configured").Inc()
		return failed(domain.ChannelEmail, to, email.ErrMissingCredentials, time.Since(start))
	}

	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = DefaultSubject(tenant)
	}

	g := guard{Limiter: s.Limiter, Breaker: s.Breakers.For(tenant.ID), Timeout: s.Timeout}
	id, err := g.do(ctx, domain.ChannelEmail, func(ctx context.Context) (string, int, error) {
		resp, status, err := s.Client.SendEmail(ctx, email.SendRequest{
			To:      to,
			Subject: subject,
			HTML:    ToHTML(msg.Body),
			Credentials: email.Credentials{
				APIKey:      tenant.Email.APIKey,
				FromAddress: tenant.Email.FromAddress,
			},
		})
		return resp.ID, status, err
	})
	if err != nil {
		return failed(domain.ChannelEmail, to, err, time.Since(start))
	}
	return domain.SendOutcome{
		Channel:           domain.ChannelEmail,
		Destination:       to,
		Success:           true,
		ProviderMessageID: id,
		Latency:           time.Since(start),
	}
}

func DefaultSubject(tenant domain.Tenant) string {
	name := strings.TrimSpace(tenant.Name)
	if name == "" {
		return "A message for you"
	}
	return "A message from " + name
}

// ToHTML escapes a plain-text body and keeps its line breaks.
func ToHTML(body string) string {
	escaped := html.EscapeString(strings.ReplaceAll(body, "\r\n", "\n"))
	return "<p>" + strings.ReplaceAll(escaped, "\n", "<br>") + "</p>"
}
