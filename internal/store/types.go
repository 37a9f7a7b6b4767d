package store

import (
	"errors"
	"time"

	"broadcast/internal/domain"
)

var (
	// ErrCounterBound is returned when sent+failed would exceed totalRecipients.
	ErrCounterBound = errors.New("campaign counters exceed total recipients")
	// ErrNotSending is returned when a run-only update targets a campaign that left SENDING.
	ErrNotSending = errors.New("campaign is not sending")
)

// SendingTransition moves a DRAFT or SCHEDULED campaign to SENDING. It is a
// compare-and-swap: exactly one caller wins.
type SendingTransition struct {
	CampaignID      string
	TotalRecipients int
	Now             time.Time
}

// CounterUpdate carries the run's running totals. Writing the same update
// twice leaves the campaign unchanged.
type CounterUpdate struct {
	CampaignID string
	Sent       int
	Failed     int
	Now        time.Time
}

// CompletionUpdate ends a SENDING campaign as COMPLETED or PAUSED. Status must be terminal.
type CompletionUpdate struct {
	CampaignID string
	Status     domain.CampaignStatus
	Now        time.Time
}

type MarketingStamp struct {
	TenantID  string
	ContactID string
	At        time.Time
}

type RecordQuery struct {
	CampaignID string
	Limit      int
	Offset     int
}

const (
	DefaultRecordLimit = 100
	MaxRecordLimit     = 1000
)

// Normalize clamps the page to sane bounds.
func (q RecordQuery) Normalize() RecordQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultRecordLimit
	}
	if q.Limit > MaxRecordLimit {
		q.Limit = MaxRecordLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
