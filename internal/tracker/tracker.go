package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"broadcast/internal/domain"
	"broadcast/internal/observability"
	"broadcast/internal/store"
	"broadcast/internal/util"
)

type Store interface {
	InsertRecipientRecord(ctx context.Context, r domain.RecipientRecord) error
	StampLastMarketing(ctx context.Context, in store.MarketingStamp) error
	SaveCampaignCounters(ctx context.Context, in store.CounterUpdate) error
}

// Tracker persists delivery outcomes. Record writes happen in the background
// and are drained by Run.Flush before a campaign may complete.
type Tracker struct {
	Store       Store
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Concurrency bounds in-flight background writes per run.
	Concurrency int
	IDGen       func() string
	Now         func() time.Time
}

// Backoff is 200ms, 600ms, then 1400ms for every later attempt.
func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}

// Run tracks the writes of one campaign run.
type Run struct {
	t          *Tracker
	campaignID string
	tenantID   string

	sem chan struct{}
	wg  sync.WaitGroup

	mu   sync.Mutex
	errs []error

	// running totals, owned by Checkpoint
	sent   int
	failed int
}

func (t *Tracker) Start(campaignID, tenantID string) *Run {
	n := t.Concurrency
	if n <= 0 {
		n = 50
	}
	return &Run{t: t, campaignID: campaignID, tenantID: tenantID, sem: make(chan struct{}, n)}
}

// Record builds the receipt for one channel attempt and hands it to a
// background writer. It blocks only when Concurrency writes are already in flight.
func (r *Run) Record(ctx context.Context, contactID string, out domain.SendOutcome) domain.RecipientRecord {
	now := r.t.now()
	rec := domain.RecipientRecord{
		ID:                r.t.newID(),
		CampaignID:        r.campaignID,
		TenantID:          r.tenantID,
		ContactID:         contactID,
		Channel:           out.Channel,
		Destination:       out.Destination,
		ProviderMessageID: out.ProviderMessageID,
		CreatedAt:         now,
	}
	if out.Success {
		rec.Status = domain.DeliverySent
		rec.SentAt = &now
	} else {
		rec.Status = domain.DeliveryFailed
		rec.FailedAt = &now
		rec.Error = out.Error
	}

	// Receipts outlive the request that started the run.
	ctx = context.WithoutCancel(ctx)
	r.sem <- struct{}{}
	r.wg.Add(1)
	go func() {
		defer func() {
			<-r.sem
			r.wg.Done()
		}()
		r.write(ctx, rec)
	}()
	return rec
}

func (r *Run) write(ctx context.Context, rec domain.RecipientRecord) {
	err := r.t.retry(ctx, func(ctx context.Context) error {
		return r.t.Store.InsertRecipientRecord(ctx, rec)
	})
	if err != nil {
		observability.TrackerWrites.WithLabelValues("record", "error").Inc()
		slog.Error("recipient record write failed",
			"campaign_id", rec.CampaignID, "contact_id", rec.ContactID, "channel", rec.Channel, "err", err)
		r.mu.Lock()
		r.errs = append(r.errs, fmt.Errorf("record %s: %w", rec.ID, err))
		r.mu.Unlock()
		return
	}
	observability.TrackerWrites.WithLabelValues("record", "ok").Inc()

	if rec.Status != domain.DeliverySent {
		return
	}
	// last-marketing stamp feeds throttling only; a failure here does not invalidate the run
	if err := r.t.Store.StampLastMarketing(ctx, store.MarketingStamp{TenantID: rec.TenantID, ContactID: rec.ContactID, At: *rec.SentAt}); err != nil {
		observability.TrackerWrites.WithLabelValues("stamp", "error").Inc()
		slog.Warn("last marketing stamp failed", "campaign_id", rec.CampaignID, "contact_id", rec.ContactID, "err", err)
	}
}

// Checkpoint adds one batch's outcome to the run totals and persists them.
// The totals are written as absolute values, so retrying a write that
// committed but reported an error does not count the batch twice.
func (r *Run) Checkpoint(ctx context.Context, sent, failed int) error {
	if sent == 0 && failed == 0 {
		return nil
	}
	r.sent += sent
	r.failed += failed
	update := store.CounterUpdate{
		CampaignID: r.campaignID,
		Sent:       r.sent,
		Failed:     r.failed,
	}
	err := r.t.retry(ctx, func(ctx context.Context) error {
		update.Now = r.t.now()
		err := r.t.Store.SaveCampaignCounters(ctx, update)
		if errors.Is(err, store.ErrCounterBound) || errors.Is(err, store.ErrNotSending) || errors.Is(err, domain.ErrNotFound) {
			return permanent{err}
		}
		return err
	})
	if err != nil {
		observability.TrackerWrites.WithLabelValues("counters", "error").Inc()
		return fmt.Errorf("checkpoint counters: %w", err)
	}
	observability.TrackerWrites.WithLabelValues("counters", "ok").Inc()
	return nil
}

// Flush waits for every background write and reports the ones that never landed.
func (r *Run) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("flush recipient records: %w", ctx.Err())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

func (t *Tracker) retry(ctx context.Context, fn func(context.Context) error) error {
	attempts := t.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := t.Backoff
	if backoff == nil {
		backoff = Backoff
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

func (t *Tracker) newID() string {
	if t.IDGen != nil {
		return t.IDGen()
	}
	return util.NewRecordID()
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return util.NowUTC()
}
