package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"broadcast/internal/channel"
	"broadcast/internal/domain"
	"broadcast/internal/observability"
	"broadcast/internal/store"
	"broadcast/internal/template"
	"broadcast/internal/tracker"
	"broadcast/internal/util"
)

const (
	DefaultBatchSize = 25
	DefaultCooldown  = 2 * time.Second
)

type Store interface {
	BeginSending(ctx context.Context, in store.SendingTransition) (bool, error)
	FinishCampaign(ctx context.Context, in store.CompletionUpdate) error
}

type Resolver interface {
	Resolve(ctx context.Context, tenantID string, rule domain.SegmentRule, mode domain.ChannelMode) ([]domain.Recipient, error)
}

// Scheduler runs a campaign: resolve, fan out per batch, checkpoint, cool down, complete.
type Scheduler struct {
	Store    Store
	Resolver Resolver
	Tracker  *tracker.Tracker
	SMS      channel.Sender
	Email    channel.Sender

	BatchSize int
	Cooldown  time.Duration
	// Wait blocks for the inter-batch cooldown. Defaults to a ctx-aware sleep.
	Wait func(ctx context.Context, d time.Duration) error
	Now  func() time.Time
}

type recipientOutcome struct {
	sent bool
	errs []string
}

// Run executes one campaign. Precondition failures (ErrNoRecipients,
// ErrAlreadySent, resolver errors) leave the campaign untouched. Once the
// campaign is SENDING, any bookkeeping failure or cancellation ends it PAUSED
// and the returned error wraps domain.ErrRunPaused alongside the cause.
// onStart, when set, is called once the campaign is SENDING and before any
// message goes out.
func (s *Scheduler) Run(ctx context.Context, c domain.Campaign, tenant domain.Tenant, onStart func(total int)) (domain.RunResult, error) {
	log := slog.With("campaign_id", c.ID, "tenant_id", c.TenantID)

	recipients, err := s.Resolver.Resolve(ctx, c.TenantID, c.Segment, c.Mode)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("resolve recipients: %w", err)
	}
	observability.RecipientsResolved.Observe(float64(len(recipients)))
	if len(recipients) == 0 {
		return domain.RunResult{}, domain.ErrNoRecipients
	}

	ok, err := s.Store.BeginSending(ctx, store.SendingTransition{
		CampaignID:      c.ID,
		TotalRecipients: len(recipients),
		Now:             s.now(),
	})
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("begin sending: %w", err)
	}
	if !ok {
		return domain.RunResult{}, domain.ErrAlreadySent
	}
	if onStart != nil {
		onStart(len(recipients))
	}

	res := domain.RunResult{
		CampaignID:      c.ID,
		Status:          domain.StatusSending,
		TotalRecipients: len(recipients),
		Errors:          []string{},
	}
	run := s.Tracker.Start(c.ID, c.TenantID)
	// bookkeeping must land even when the caller goes away
	bk := context.WithoutCancel(ctx)

	batches := Partition(recipients, s.batchSize())
	log.Info("campaign run started", "recipients", len(recipients), "batches", len(batches), "mode", c.Mode)

	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return s.pause(bk, log, run, res, fmt.Errorf("cancelled before batch %d: %w", i, err))
		}

		sent, failed, errs := s.dispatchBatch(ctx, c, tenant, run, batch)
		observability.Batches.Inc()
		res.SentCount += sent
		res.FailedCount += failed
		for _, e := range errs {
			if len(res.Errors) >= domain.MaxSampleErrors {
				break
			}
			res.Errors = append(res.Errors, e)
		}
		log.Debug("batch settled", "batch", i, "size", len(batch), "sent", sent, "failed", failed)

		if err := run.Checkpoint(bk, sent, failed); err != nil {
			return s.pause(bk, log, run, res, err)
		}

		if i < len(batches)-1 {
			if err := s.wait(ctx, s.cooldown()); err != nil {
				return s.pause(bk, log, run, res, fmt.Errorf("cancelled during cooldown after batch %d: %w", i, err))
			}
		}
	}

	if err := run.Flush(bk); err != nil {
		return s.pause(bk, log, run, res, err)
	}
	if err := s.Store.FinishCampaign(bk, store.CompletionUpdate{CampaignID: c.ID, Status: domain.StatusCompleted, Now: s.now()}); err != nil {
		return s.pause(bk, log, run, res, fmt.Errorf("complete campaign: %w", err))
	}

	res.Status = domain.StatusCompleted
	observability.CampaignRuns.WithLabelValues(string(domain.StatusCompleted)).Inc()
	log.Info("campaign run completed", "sent", res.SentCount, "failed", res.FailedCount)
	return res, nil
}

func (s *Scheduler) pause(ctx context.Context, log *slog.Logger, run *tracker.Run, res domain.RunResult, cause error) (domain.RunResult, error) {
	log.Error("campaign run paused", "sent", res.SentCount, "failed", res.FailedCount, "err", cause)
	if err := run.Flush(ctx); err != nil {
		log.Error("recipient records lost while pausing", "err", err)
	}
	if err := s.Store.FinishCampaign(ctx, store.CompletionUpdate{CampaignID: res.CampaignID, Status: domain.StatusPaused, Now: s.now()}); err != nil {
		log.Error("mark campaign paused failed", "err", err)
	}
	res.Status = domain.StatusPaused
	observability.CampaignRuns.WithLabelValues(string(domain.StatusPaused)).Inc()
	return res, fmt.Errorf("%w: %w", domain.ErrRunPaused, cause)
}

// dispatchBatch sends to every recipient of batch concurrently and waits for all of them.
func (s *Scheduler) dispatchBatch(ctx context.Context, c domain.Campaign, tenant domain.Tenant, run *tracker.Run, batch []domain.Recipient) (sent, failed int, errs []string) {
	outcomes := make([]recipientOutcome, len(batch))

	var g errgroup.Group
	g.SetLimit(s.batchSize())
	for i, r := range batch {
		g.Go(func() error {
			defer func() {
				if p := recover(); p != nil {
					slog.Error("recipient delivery panicked", "campaign_id", c.ID, "contact_id", r.ContactID, "panic", p)
					outcomes[i] = recipientOutcome{errs: []string{fmt.Sprintf("contact %s: panic: %v", r.ContactID, p)}}
				}
			}()
			outcomes[i] = s.deliver(ctx, c, tenant, run, r)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.sent {
			sent++
			observability.RecipientOutcomes.WithLabelValues("sent").Inc()
		} else {
			failed++
			observability.RecipientOutcomes.WithLabelValues("failed").Inc()
		}
		errs = append(errs, o.errs...)
	}
	return sent, failed, errs
}

// deliver renders the message for r and attempts every channel the campaign
// mode and the recipient's addresses allow. The recipient counts as sent when
// at least one attempt succeeded.
func (s *Scheduler) deliver(ctx context.Context, c domain.Campaign, tenant domain.Tenant, run *tracker.Run, r domain.Recipient) recipientOutcome {
	vars := template.Vars(r, tenant)
	msg := domain.Message{
		Subject: template.Render(c.Subject, vars),
		Body:    template.Render(c.Body, vars),
	}

	type attempt struct {
		sender channel.Sender
		to     string
	}
	var attempts []attempt
	for _, snd := range s.senders(c.Mode) {
		if to, ok := snd.Address(r); ok {
			attempts = append(attempts, attempt{sender: snd, to: to})
		}
	}
	if len(attempts) == 0 {
		return recipientOutcome{errs: []string{fmt.Sprintf("contact %s: no deliverable address for %s", r.ContactID, c.Mode)}}
	}

	outs := make([]domain.SendOutcome, len(attempts))
	var wg sync.WaitGroup
	for i, a := range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					slog.Error("channel send panicked", "campaign_id", c.ID, "contact_id", r.ContactID, "panic", p)
					outs[i] = domain.SendOutcome{Channel: a.sender.Channel(), Destination: a.to, Error: fmt.Sprintf("panic: %v", p)}
				}
			}()
			outs[i] = a.sender.Send(ctx, a.to, msg, tenant)
		}()
	}
	wg.Wait()

	var o recipientOutcome
	for _, out := range outs {
		run.Record(ctx, r.ContactID, out)
		if out.Success {
			o.sent = true
			continue
		}
		slog.Debug("channel attempt failed", "campaign_id", c.ID, "contact_id", r.ContactID, "channel", out.Channel, "err", out.Error)
		o.errs = append(o.errs, fmt.Sprintf("%s %s: %s", out.Channel, r.ContactID, out.Error))
	}
	return o
}

func (s *Scheduler) senders(mode domain.ChannelMode) []channel.Sender {
	var out []channel.Sender
	if mode.UsesSMS() && s.SMS != nil {
		out = append(out, s.SMS)
	}
	if mode.UsesEmail() && s.Email != nil {
		out = append(out, s.Email)
	}
	return out
}

// Partition splits recipients into consecutive batches of at most size.
func Partition(recipients []domain.Recipient, size int) [][]domain.Recipient {
	if size <= 0 {
		size = DefaultBatchSize
	}
	batches := make([][]domain.Recipient, 0, (len(recipients)+size-1)/size)
	for start := 0; start < len(recipients); start += size {
		end := min(start+size, len(recipients))
		batches = append(batches, recipients[start:end])
	}
	return batches
}

func (s *Scheduler) batchSize() int {
	if s.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return s.BatchSize
}

func (s *Scheduler) cooldown() time.Duration {
	if s.Cooldown < 0 {
		return 0
	}
	if s.Cooldown == 0 {
		return DefaultCooldown
	}
	return s.Cooldown
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	if s.Wait != nil {
		return s.Wait(ctx, d)
	}
	return Sleep(ctx, d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
