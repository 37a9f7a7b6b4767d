package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcast/internal/domain"
	"broadcast/internal/segment"
	"broadcast/internal/store/memory"
	"broadcast/internal/tracker"
)

type fakeSender struct {
	ch      domain.Channel
	fail    map[string]bool
	panicOn string

	mu     sync.Mutex
	calls  []string
	bodies []string
}

func (f *fakeSender) Channel() domain.Channel { return f.ch }

func (f *fakeSender) Address(r domain.Recipient) (string, bool) {
	if f.ch == domain.ChannelSMS {
		return r.Phone, r.Phone != ""
	}
	return r.Email, r.Email != ""
}

func (f *fakeSender) Send(_ context.Context, to string, msg domain.Message, _ domain.Tenant) domain.SendOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, to)
	f.bodies = append(f.bodies, msg.Body)
	f.mu.Unlock()

	if to == f.panicOn {
		panic("provider exploded")
	}
	if f.fail[to] {
		return domain.SendOutcome{Channel: f.ch, Destination: to, Error: "rejected"}
	}
	return domain.SendOutcome{Channel: f.ch, Destination: to, Success: true, ProviderMessageID: "id-" + to}
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var acme = domain.Tenant{ID: "t1", Name: "Acme"}

type harness struct {
	store *memory.Store
	sms   *fakeSender
	email *fakeSender
	sched *Scheduler
	waits []time.Duration
}

func newHarness(t *testing.T, mode domain.ChannelMode, contacts ...domain.Contact) *harness {
	t.Helper()
	h := &harness{
		store: memory.New(),
		sms:   &fakeSender{ch: domain.ChannelSMS, fail: map[string]bool{}},
		email: &fakeSender{ch: domain.ChannelEmail, fail: map[string]bool{}},
	}
	for _, c := range contacts {
		h.store.PutContact(c)
	}
	require.NoError(t, h.store.InsertCampaign(context.Background(), domain.Campaign{
		ID: "cmp_1", TenantID: "t1", Name: "Spring", Mode: mode, Segment: domain.AllSegment{},
		Body: "Hi {{clientName}}, from {{businessName}}", Status: domain.StatusDraft,
	}))
	h.sched = &Scheduler{
		Store:    h.store,
		Resolver: &segment.Segmenter{Source: h.store},
		Tracker: &tracker.Tracker{
			Store:   h.store,
			Backoff: func(int) time.Duration { return 0 },
		},
		SMS:       h.sms,
		Email:     h.email,
		BatchSize: 25,
		Cooldown:  2 * time.Second,
		Wait: func(ctx context.Context, d time.Duration) error {
			h.waits = append(h.waits, d)
			return ctx.Err()
		},
	}
	return h
}

func (h *harness) campaign(t *testing.T) domain.Campaign {
	t.Helper()
	c, err := h.store.GetCampaign(context.Background(), "cmp_1")
	require.NoError(t, err)
	return c
}

func contact(id, phone, email string) domain.Contact {
	return domain.Contact{ID: id, TenantID: "t1", FirstName: strings.ToUpper(id[:1]) + id[1:], Phone: phone, Email: email}
}

func countRecords(records []domain.RecipientRecord, contactID string, ch domain.Channel) int {
	n := 0
	for _, r := range records {
		if r.ContactID == contactID && r.Channel == ch {
			n++
		}
	}
	return n
}

func TestRunBatchesWithCooldownOnlyBetweenBatches(t *testing.T) {
	var contacts []domain.Contact
	for i := 0; i < 60; i++ {
		contacts = append(contacts, contact(fmt.Sprintf("c%02d", i), fmt.Sprintf("+1650253%04d", i), ""))
	}
	h := newHarness(t, domain.ModeSMS, contacts...)

	var sentAtWait []int
	h.sched.Wait = func(ctx context.Context, d time.Duration) error {
		h.waits = append(h.waits, d)
		sentAtWait = append(sentAtWait, h.sms.callCount())
		return nil
	}

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.waits)
	assert.Equal(t, []int{25, 50}, sentAtWait, "each batch settles before the cooldown")
	assert.Equal(t, 60, res.TotalRecipients)
	assert.Equal(t, 60, res.SentCount)
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestRunBothModeScenario(t *testing.T) {
	h := newHarness(t, domain.ModeBoth,
		contact("ann", "+16502530001", "ann@example.com"),
		contact("bob", "+16502530002", "bob@example.com"),
		contact("cat", "", "cat@example.com"),
	)

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, res.TotalRecipients)
	assert.Equal(t, 3, res.SentCount)
	assert.Zero(t, res.FailedCount)

	records := h.store.Records()
	assert.Len(t, records, 5)
	assert.Zero(t, countRecords(records, "cat", domain.ChannelSMS), "no SMS attempt without a phone")
	assert.Equal(t, 1, countRecords(records, "cat", domain.ChannelEmail))
	assert.NotContains(t, h.sms.calls, "")

	c := h.campaign(t)
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.NotNil(t, c.SentAt)
	assert.NotNil(t, c.CompletedAt)
	assert.Equal(t, c.TotalRecipients, c.SentCount+c.FailedCount)
}

func TestRunAtLeastOneChannelRule(t *testing.T) {
	h := newHarness(t, domain.ModeBoth,
		contact("ann", "+16502530001", "ann@bad.test"),
		contact("bob", "+16502530002", "bob@bad.test"),
	)
	h.email.fail["ann@bad.test"] = true
	h.email.fail["bob@bad.test"] = true
	h.sms.fail["+16502530002"] = true

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.SentCount, "ann succeeded on SMS")
	assert.Equal(t, 1, res.FailedCount, "bob failed on both channels")
	assert.Len(t, res.Errors, 3)

	c := h.campaign(t)
	assert.Equal(t, 1, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)

	_, stamped := h.store.LastMarketing("t1", "ann")
	assert.True(t, stamped)
	_, stamped = h.store.LastMarketing("t1", "bob")
	assert.False(t, stamped)
}

func TestRunRendersPerRecipient(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("sam", "+16502530001", ""))

	_, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi Sam, from Acme"}, h.sms.bodies)
}

func TestRunOnStartFiresOnceSendingBeforeAnyMessage(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("ann", "+16502530001", ""), contact("bob", "+16502530002", ""))

	var starts []int
	var status domain.CampaignStatus
	var callsAtStart int
	onStart := func(total int) {
		starts = append(starts, total)
		status = h.campaign(t).Status
		callsAtStart = h.sms.callCount()
	}

	_, err := h.sched.Run(context.Background(), h.campaign(t), acme, onStart)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, starts)
	assert.Equal(t, domain.StatusSending, status)
	assert.Zero(t, callsAtStart)

	_, err = h.sched.Run(context.Background(), h.campaign(t), acme, onStart)
	assert.ErrorIs(t, err, domain.ErrAlreadySent)
	assert.Len(t, starts, 1)
}

func TestRunNoRecipientsLeavesCampaignUntouched(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("eve", "", "eve@example.com"))

	started := false
	_, err := h.sched.Run(context.Background(), h.campaign(t), acme, func(int) { started = true })
	assert.False(t, started)
	assert.True(t, errors.Is(err, domain.ErrNoRecipients))
	assert.Equal(t, domain.StatusDraft, h.campaign(t).Status)
	assert.Empty(t, h.store.Records())
}

func TestRunRejectsCampaignAlreadySending(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("ann", "+16502530001", ""))
	stale := h.campaign(t)

	_, err := h.sched.Run(context.Background(), stale, acme, nil)
	require.NoError(t, err)

	_, err = h.sched.Run(context.Background(), stale, acme, nil)
	assert.True(t, errors.Is(err, domain.ErrAlreadySent))
	assert.Len(t, h.store.Records(), 1, "no duplicate receipts")
}

func TestRunCheckpointFailurePauses(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("ann", "+16502530001", ""))
	h.store.CounterErr = errors.New("db down")

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunPaused)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, domain.StatusPaused, res.Status)
	assert.Equal(t, domain.StatusPaused, h.campaign(t).Status)
	assert.Len(t, h.store.Records(), 1, "recorded outcomes are kept")
}

func TestRunRecordWriteFailurePauses(t *testing.T) {
	h := newHarness(t, domain.ModeSMS, contact("ann", "+16502530001", ""))
	h.store.FailRecordInserts = 100

	_, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	assert.ErrorIs(t, err, domain.ErrRunPaused)
	assert.Equal(t, domain.StatusPaused, h.campaign(t).Status)
}

func TestRunRecoversSenderPanic(t *testing.T) {
	h := newHarness(t, domain.ModeSMS,
		contact("ann", "+16502530001", ""),
		contact("bob", "+16502530002", ""),
	)
	h.sms.panicOn = "+16502530002"

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, 1, res.FailedCount)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "panic")
	assert.Equal(t, domain.StatusCompleted, res.Status)
}

func TestRunCancellationPausesBetweenBatches(t *testing.T) {
	var contacts []domain.Contact
	for i := 0; i < 30; i++ {
		contacts = append(contacts, contact(fmt.Sprintf("c%02d", i), fmt.Sprintf("+1650253%04d", i), ""))
	}
	h := newHarness(t, domain.ModeSMS, contacts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.sched.Wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := h.sched.Run(ctx, h.campaign(t), acme, nil)
	assert.ErrorIs(t, err, domain.ErrRunPaused)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 25, res.SentCount)

	c := h.campaign(t)
	assert.Equal(t, domain.StatusPaused, c.Status)
	assert.Equal(t, 25, c.SentCount, "first batch was checkpointed")
	assert.Len(t, h.store.Records(), 25)
	assert.Equal(t, 25, h.sms.callCount())
}

func TestRunSamplesAtMostTenErrors(t *testing.T) {
	h := newHarness(t, domain.ModeSMS)
	for i := 0; i < 30; i++ {
		c := contact(fmt.Sprintf("c%02d", i), fmt.Sprintf("+1650253%04d", i), "")
		h.store.PutContact(c)
		h.sms.fail[c.Phone] = true
	}

	res, err := h.sched.Run(context.Background(), h.campaign(t), acme, nil)
	require.NoError(t, err)
	assert.Equal(t, 30, res.FailedCount)
	assert.Len(t, res.Errors, domain.MaxSampleErrors)
	assert.Equal(t, 30, res.TotalRecipients)
}

func TestPartition(t *testing.T) {
	rs := make([]domain.Recipient, 60)
	batches := Partition(rs, 25)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 25)
	assert.Len(t, batches[1], 25)
	assert.Len(t, batches[2], 10)

	assert.Empty(t, Partition(nil, 25))
	assert.Len(t, Partition(make([]domain.Recipient, 25), 25), 1)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
