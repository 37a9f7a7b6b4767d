package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"broadcast/internal/observability"
)

const ActionCampaignSent = "CAMPAIGN_SENT"

type Event struct {
	ID             string    `json:"id"`
	Action         string    `json:"action"`
	TenantID       string    `json:"tenantId"`
	CampaignID     string    `json:"campaignId"`
	RequesterID    string    `json:"requesterId"`
	RecipientCount int       `json:"recipientCount"`
	Status         string    `json:"status,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
}

func CampaignSent(tenantID, campaignID, requesterID string, recipients int, status string, at time.Time) Event {
	return Event{
		ID:             uuid.NewString(),
		Action:         ActionCampaignSent,
		TenantID:       tenantID,
		CampaignID:     campaignID,
		RequesterID:    requesterID,
		RecipientCount: recipients,
		Status:         status,
		OccurredAt:     at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Emitter publishes audit events in the background. Failures are logged and dropped.
type Emitter struct {
	Publisher Publisher
	Sink      string
	Timeout   time.Duration

	wg sync.WaitGroup
}

func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if e == nil || e.Publisher == nil {
		return
	}
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Warn("audit publish panicked", "campaign_id", ev.CampaignID, "panic", p)
			}
		}()
		pubCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := e.Publisher.Publish(pubCtx, ev); err != nil {
			observability.AuditEvents.WithLabelValues(e.Sink, "error").Inc()
			slog.Warn("audit publish failed", "campaign_id", ev.CampaignID, "action", ev.Action, "sink", e.Sink, "err", err)
			return
		}
		observability.AuditEvents.WithLabelValues(e.Sink, "ok").Inc()
	}()
}

// Wait blocks until in-flight events settle. Used on shutdown.
func (e *Emitter) Wait() { e.wg.Wait() }

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(ctx context.Context, ev Event) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "audit", "event", json.RawMessage(b))
	return nil
}
