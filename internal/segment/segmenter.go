package segment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"broadcast/internal/domain"
)

// ContactSource is the slice of the CRUD layer the segmenter reads.
type ContactSource interface {
	ListContacts(ctx context.Context, tenantID string) ([]domain.Contact, error)
	// ActiveContactIDsSince returns contacts with a qualifying activity (booking) dated on/after since.
	ActiveContactIDsSince(ctx context.Context, tenantID string, since time.Time) ([]string, error)
}

type Segmenter struct {
	Source ContactSource
	Now    func() time.Time
}

// Resolve returns the contacts of tenantID that match rule and can be reached with mode.
// Output order follows the source and is not part of the contract.
func (s *Segmenter) Resolve(ctx context.Context, tenantID string, rule domain.SegmentRule, mode domain.ChannelMode) ([]domain.Recipient, error) {
	contacts, err := s.Source.ListContacts(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}

	keep, err := s.matcher(ctx, tenantID, rule)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Recipient, 0, len(contacts))
	for _, c := range contacts {
		if !Eligible(c, tenantID, mode) || !keep(c) {
			continue
		}
		out = append(out, toRecipient(c))
	}
	return out, nil
}

func (s *Segmenter) matcher(ctx context.Context, tenantID string, rule domain.SegmentRule) (func(domain.Contact) bool, error) {
	switch r := rule.(type) {
	case domain.TagsSegment:
		want := lowerSet(r.Tags)
		if len(want) == 0 {
			return matchAll, nil
		}
		return func(c domain.Contact) bool {
			for _, t := range c.Tags {
				if want[strings.ToLower(strings.TrimSpace(t))] {
					return true
				}
			}
			return false
		}, nil

	case domain.InactiveSegment:
		since := s.now().AddDate(0, 0, -r.WindowDays())
		ids, err := s.Source.ActiveContactIDsSince(ctx, tenantID, since)
		if err != nil {
			return nil, fmt.Errorf("active contacts since %s: %w", since.Format(time.DateOnly), err)
		}
		active := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			active[id] = struct{}{}
		}
		return func(c domain.Contact) bool {
			_, ok := active[c.ID]
			return !ok
		}, nil

	case domain.LocationSegment:
		cities, states := lowerSet(r.Cities), lowerSet(r.States)
		if len(cities) == 0 && len(states) == 0 {
			return matchAll, nil
		}
		return func(c domain.Contact) bool {
			for _, a := range c.Addresses {
				if cities[strings.ToLower(strings.TrimSpace(a.City))] || states[strings.ToLower(strings.TrimSpace(a.State))] {
					return true
				}
			}
			return false
		}, nil

	case domain.InsuranceSegment:
		return func(c domain.Contact) bool { return c.InsuranceFlag == r.HasInsurance }, nil

	default:
		return matchAll, nil
	}
}

// Eligible is the baseline filter every rule starts from.
func Eligible(c domain.Contact, tenantID string, mode domain.ChannelMode) bool {
	if c.TenantID != tenantID || c.MarketingOptOut {
		return false
	}
	hasPhone := strings.TrimSpace(c.Phone) != ""
	hasEmail := strings.TrimSpace(c.Email) != ""
	switch mode {
	case domain.ModeSMS:
		return hasPhone
	case domain.ModeEmail:
		return hasEmail
	case domain.ModeBoth:
		return hasPhone || hasEmail
	default:
		return false
	}
}

func toRecipient(c domain.Contact) domain.Recipient {
	return domain.Recipient{
		ContactID:   c.ID,
		FirstName:   strings.TrimSpace(c.FirstName),
		DisplayName: c.DisplayName(),
		Phone:       strings.TrimSpace(c.Phone),
		Email:       strings.TrimSpace(c.Email),
	}
}

func (s *Segmenter) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func matchAll(domain.Contact) bool { return true }

func lowerSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out[v] = true
		}
	}
	return out
}
