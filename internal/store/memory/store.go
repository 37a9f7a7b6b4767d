// Package memory is an in-process store used by tests and local runs without Postgres.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"broadcast/internal/domain"
	"broadcast/internal/store"
)

type Store struct {
	mu sync.Mutex

	campaigns map[string]domain.Campaign
	tenants   map[string]domain.Tenant
	members   map[string]map[string]bool
	contacts  map[string][]domain.Contact
	activity  map[string]map[string][]time.Time
	records   []domain.RecipientRecord
	stamps    map[string]time.Time

	// Fault injection for tests.
	FailRecordInserts int
	CounterErr        error
	FinishErr         error
	ContactsErr       error
}

func New() *Store {
	return &Store{
		campaigns: map[string]domain.Campaign{},
		tenants:   map[string]domain.Tenant{},
		members:   map[string]map[string]bool{},
		contacts:  map[string][]domain.Contact{},
		activity:  map[string]map[string][]time.Time{},
		stamps:    map[string]time.Time{},
	}
}

func (s *Store) PutTenant(t domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

func (s *Store) AddMember(tenantID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[tenantID] == nil {
		s.members[tenantID] = map[string]bool{}
	}
	s.members[tenantID][userID] = true
}

func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.TenantID] = append(s.contacts[c.TenantID], c)
}

// AddActivity records a booking-like event for contactID at at.
func (s *Store) AddActivity(tenantID, contactID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activity[tenantID] == nil {
		s.activity[tenantID] = map[string][]time.Time{}
	}
	s.activity[tenantID][contactID] = append(s.activity[tenantID][contactID], at)
}

func (s *Store) InsertCampaign(_ context.Context, c domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[c.ID]; ok {
		return errors.New("campaign already exists: " + c.ID)
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) GetCampaign(_ context.Context, id string) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *Store) IsTenantMember(_ context.Context, tenantID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[tenantID][userID], nil
}

func (s *Store) ListContacts(_ context.Context, tenantID string) ([]domain.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ContactsErr != nil {
		return nil, s.ContactsErr
	}
	out := make([]domain.Contact, len(s.contacts[tenantID]))
	copy(out, s.contacts[tenantID])
	return out, nil
}

func (s *Store) ActiveContactIDsSince(_ context.Context, tenantID string, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, times := range s.activity[tenantID] {
		for _, at := range times {
			if !at.Before(since) {
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) BeginSending(_ context.Context, in store.SendingTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !c.CanStart() {
		return false, nil
	}
	now := in.Now
	c.Status = domain.StatusSending
	c.TotalRecipients = in.TotalRecipients
	c.SentCount, c.FailedCount = 0, 0
	c.SentAt = &now
	c.UpdatedAt = now
	s.campaigns[c.ID] = c
	return true, nil
}

func (s *Store) SaveCampaignCounters(_ context.Context, in store.CounterUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CounterErr != nil {
		return s.CounterErr
	}
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != domain.StatusSending {
		return store.ErrNotSending
	}
	if in.Sent < 0 || in.Failed < 0 || in.Sent+in.Failed > c.TotalRecipients {
		return store.ErrCounterBound
	}
	c.SentCount = in.Sent
	c.FailedCount = in.Failed
	c.UpdatedAt = in.Now
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) FinishCampaign(_ context.Context, in store.CompletionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FinishErr != nil {
		return s.FinishErr
	}
	if !in.Status.Terminal() {
		return fmt.Errorf("finish campaign as %s: status is not terminal", in.Status)
	}
	c, ok := s.campaigns[in.CampaignID]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != domain.StatusSending {
		return store.ErrNotSending
	}
	now := in.Now
	c.Status = in.Status
	c.UpdatedAt = now
	if in.Status == domain.StatusCompleted {
		c.CompletedAt = &now
	}
	s.campaigns[c.ID] = c
	return nil
}

func (s *Store) InsertRecipientRecord(_ context.Context, r domain.RecipientRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailRecordInserts > 0 {
		s.FailRecordInserts--
		return errors.New("record insert failed")
	}
	s.records = append(s.records, r)
	return nil
}

func (s *Store) StampLastMarketing(_ context.Context, in store.MarketingStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stamps[in.TenantID+"/"+in.ContactID] = in.At
	return nil
}

// LastMarketing returns the last marketing send time stamped for a contact.
func (s *Store) LastMarketing(tenantID, contactID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.stamps[tenantID+"/"+contactID]
	return at, ok
}

func (s *Store) ListRecipientRecords(_ context.Context, q store.RecordQuery) ([]domain.RecipientRecord, error) {
	q = q.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.RecipientRecord
	for _, r := range s.records {
		if r.CampaignID == q.CampaignID {
			all = append(all, r)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if q.Offset >= len(all) {
		return []domain.RecipientRecord{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[q.Offset:end], nil
}

// Records returns every stored record, in insertion order.
func (s *Store) Records() []domain.RecipientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RecipientRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *Store) ListDueCampaigns(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.StatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
