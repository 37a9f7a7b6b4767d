package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcast/internal/domain"
	"broadcast/internal/store"
)

func seedCampaign(t *testing.T, s *Store, status domain.CampaignStatus) domain.Campaign {
	t.Helper()
	c := domain.Campaign{ID: "cmp_1", TenantID: "t1", Name: "n", Mode: domain.ModeSMS, Body: "b", Status: status}
	require.NoError(t, s.InsertCampaign(context.Background(), c))
	return c
}

func TestBeginSendingSingleWinner(t *testing.T) {
	s := New()
	seedCampaign(t, s, domain.StatusDraft)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BeginSending(context.Background(), store.SendingTransition{CampaignID: "cmp_1", TotalRecipients: 3, Now: time.Now()})
			if err == nil && ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())

	c, err := s.GetCampaign(context.Background(), "cmp_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSending, c.Status)
	assert.Equal(t, 3, c.TotalRecipients)
	assert.NotNil(t, c.SentAt)
}

func TestSaveCountersBoundedAndIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, domain.StatusDraft)
	_, err := s.BeginSending(ctx, store.SendingTransition{CampaignID: "cmp_1", TotalRecipients: 3, Now: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.SaveCampaignCounters(ctx, store.CounterUpdate{CampaignID: "cmp_1", Sent: 2, Failed: 1}))
	require.NoError(t, s.SaveCampaignCounters(ctx, store.CounterUpdate{CampaignID: "cmp_1", Sent: 2, Failed: 1}))
	err = s.SaveCampaignCounters(ctx, store.CounterUpdate{CampaignID: "cmp_1", Sent: 3, Failed: 1})
	assert.True(t, errors.Is(err, store.ErrCounterBound))

	c, _ := s.GetCampaign(ctx, "cmp_1")
	assert.Equal(t, 2, c.SentCount)
	assert.Equal(t, 1, c.FailedCount)
}

func TestFinishRequiresSending(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedCampaign(t, s, domain.StatusDraft)

	err := s.FinishCampaign(ctx, store.CompletionUpdate{CampaignID: "cmp_1", Status: domain.StatusCompleted})
	assert.ErrorIs(t, err, store.ErrNotSending)

	_, _ = s.BeginSending(ctx, store.SendingTransition{CampaignID: "cmp_1", TotalRecipients: 1, Now: time.Now()})
	require.Error(t, s.FinishCampaign(ctx, store.CompletionUpdate{CampaignID: "cmp_1", Status: domain.StatusScheduled}), "only terminal statuses end a run")
	require.NoError(t, s.FinishCampaign(ctx, store.CompletionUpdate{CampaignID: "cmp_1", Status: domain.StatusCompleted, Now: time.Now()}))
	c, _ := s.GetCampaign(ctx, "cmp_1")
	assert.Equal(t, domain.StatusCompleted, c.Status)
	assert.NotNil(t, c.CompletedAt)
}

func TestListRecipientRecordsPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []string{"cr_3", "cr_1", "cr_2"} {
		require.NoError(t, s.InsertRecipientRecord(ctx, domain.RecipientRecord{ID: id, CampaignID: "cmp_1"}))
	}
	require.NoError(t, s.InsertRecipientRecord(ctx, domain.RecipientRecord{ID: "cr_9", CampaignID: "cmp_2"}))

	page, err := s.ListRecipientRecords(ctx, store.RecordQuery{CampaignID: "cmp_1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "cr_1", page[0].ID)
	assert.Equal(t, "cr_2", page[1].ID)

	page, err = s.ListRecipientRecords(ctx, store.RecordQuery{CampaignID: "cmp_1", Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "cr_3", page[0].ID)
}

func TestListDueCampaigns(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Minute), now.Add(time.Hour)

	require.NoError(t, s.InsertCampaign(ctx, domain.Campaign{ID: "due", Status: domain.StatusScheduled, ScheduledAt: &past}))
	require.NoError(t, s.InsertCampaign(ctx, domain.Campaign{ID: "later", Status: domain.StatusScheduled, ScheduledAt: &future}))
	require.NoError(t, s.InsertCampaign(ctx, domain.Campaign{ID: "draft", Status: domain.StatusDraft}))

	due, err := s.ListDueCampaigns(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}
