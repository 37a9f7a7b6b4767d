package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"golang.org/x/time/rate"

	"broadcast/internal/domain"
	"broadcast/internal/observability"
	"broadcast/internal/providers/twilio"
)

type SMSClient interface {
	SendSMS(ctx context.Context, req twilio.SendRequest) (twilio.SendResponse, int, []byte, error)
}

var ErrInvalidPhone = errors.New("invalid phone number")

type SMSSender struct {
	Client SMSClient
	// DefaultRegion is used to parse numbers stored without a country code.
	DefaultRegion string
	Limiter       *rate.Limiter
	Breakers      *Breakers
	Timeout       time.Duration
}

func (s *SMSSender) Channel() domain.Channel { return domain.ChannelSMS }

func (s *SMSSender) Address(r domain.Recipient) (string, bool) {
	return strings.TrimSpace(r.Phone), r.HasPhone()
}

func (s *SMSSender) Send(ctx context.Context, to string, msg domain.Message, tenant domain.Tenant) domain.SendOutcome {
	start := time.Now()

	e164, err := NormalizePhone(to, s.DefaultRegion)
	if err != nil {
		observability.ChannelSends.WithLabelValues(string(domain.ChannelSMS), "invalid_address").Inc()
		return failed(domain.ChannelSMS, to, err, time.Since(start))
	}
	if !tenant.SMS.Configured() {
		observability.ChannelSends.WithLabelValues(string(domain.ChannelSMS), "not_configured").Inc()
		return failed(domain.ChannelSMS, e164, twilio.ErrMissingCredentials, time.Since(start))
	}

	g := guard{Limiter: s.Limiter, Breaker: s.Breakers.For(tenant.ID), Timeout: s.Timeout}
	sid, err := g.do(ctx, domain.ChannelSMS, func(ctx context.Context) (string, int, error) {
		resp, status, _, err := s.Client.SendSMS(ctx, twilio.SendRequest{
			To:   e164,
			Body: msg.Body,
			Credentials: twilio.Credentials{
				AccountSID: tenant.SMS.AccountSID,
				AuthToken:  tenant.SMS.AuthToken,
				FromNumber: tenant.SMS.FromNumber,
			},
		})
		return resp.Sid, status, err
	})
	if err != nil {
		return failed(domain.ChannelSMS, e164, err, time.Since(start))
	}
	return domain.SendOutcome{
		Channel:           domain.ChannelSMS,
		Destination:       e164,
		Success:           true,
		ProviderMessageID: sid,
		Latency:           time.Since(start),
	}
}

// NormalizePhone parses raw into E.164, assuming region when no country code is present.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}
	if region == "" {
		region = "US"
	}
	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPhone, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
