package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"broadcast/internal/audit"
	"broadcast/internal/domain"
	"broadcast/internal/store"
	"broadcast/internal/template"
	"broadcast/internal/util"
)

// SystemRequester identifies runs started by the scheduler rather than a user.
const SystemRequester = "system"

type Store interface {
	InsertCampaign(ctx context.Context, c domain.Campaign) error
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)
	IsTenantMember(ctx context.Context, tenantID, userID string) (bool, error)
	ListRecipientRecords(ctx context.Context, q store.RecordQuery) ([]domain.RecipientRecord, error)
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)
}

type Runner interface {
	Run(ctx context.Context, c domain.Campaign, tenant domain.Tenant, onStart func(total int)) (domain.RunResult, error)
}

type Auditor interface {
	Emit(ctx context.Context, ev audit.Event)
}

type CampaignService struct {
	Store  Store
	Runner Runner
	Audit  Auditor
	IDGen  func() string
	Now    func() time.Time
}

func (s *CampaignService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, requesterID string) (domain.Campaign, error) {
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	rule, err := domain.ParseSegment(req.Segment)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCampaign) {
			return domain.Campaign{}, err
		}
		return domain.Campaign{}, fmt.Errorf("%w: %v", domain.ErrInvalidCampaign, err)
	}
	if _, err := s.Store.GetTenant(ctx, req.TenantID); err != nil {
		return domain.Campaign{}, err
	}
	if err := s.authorize(ctx, req.TenantID, requesterID); err != nil {
		return domain.Campaign{}, err
	}

	now := s.now()
	c := domain.Campaign{
		ID:        s.newID(),
		TenantID:  req.TenantID,
		Name:      strings.TrimSpace(req.Name),
		Mode:      req.Channel,
		Segment:   rule,
		Body:      req.Body,
		Subject:   req.Subject,
		Status:    domain.StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ScheduledAt != nil {
		at := req.ScheduledAt.UTC()
		c.ScheduledAt = &at
		if !c.IsScheduled(now) {
			return domain.Campaign{}, fmt.Errorf("%w: scheduledAt must be in the future", domain.ErrInvalidCampaign)
		}
		c.Status = domain.StatusScheduled
	}

	if err := s.Store.InsertCampaign(ctx, c); err != nil {
		return domain.Campaign{}, err
	}
	if unknown := template.Unknown(c.Subject + " " + c.Body); len(unknown) > 0 {
		slog.Warn("campaign references unknown template variables", "campaign_id", c.ID, "vars", unknown)
	}
	slog.Info("campaign created", "campaign_id", c.ID, "tenant_id", c.TenantID, "status", c.Status, "mode", c.Mode)
	return c, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id, requesterID string) (domain.Campaign, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if err := s.authorize(ctx, c.TenantID, requesterID); err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func (s *CampaignService) ListRecipients(ctx context.Context, id, requesterID string, limit, offset int) ([]domain.RecipientRecord, error) {
	if _, err := s.GetCampaign(ctx, id, requesterID); err != nil {
		return nil, err
	}
	return s.Store.ListRecipientRecords(ctx, store.RecordQuery{CampaignID: id, Limit: limit, Offset: offset})
}

// StartCampaign checks, in order, existence, tenant membership and the
// re-entrancy guard, then runs the campaign. None of those failures mutate it.
func (s *CampaignService) StartCampaign(ctx context.Context, id, requesterID string) (domain.RunResult, error) {
	c, err := s.Store.GetCampaign(ctx, id)
	if err != nil {
		return domain.RunResult{}, err
	}
	if err := s.authorize(ctx, c.TenantID, requesterID); err != nil {
		return domain.RunResult{}, err
	}
	return s.start(ctx, c, requesterID)
}

// DueResult summarizes one StartDue sweep.
type DueResult struct {
	Started int
	Skipped int
	Failed  int
}

// StartDue runs every SCHEDULED campaign whose time has come. Campaigns are
// run one after another so provider pacing stays per campaign.
func (s *CampaignService) StartDue(ctx context.Context, now time.Time, limit int) (DueResult, error) {
	due, err := s.Store.ListDueCampaigns(ctx, now, limit)
	if err != nil {
		return DueResult{}, fmt.Errorf("list due campaigns: %w", err)
	}

	var out DueResult
	for _, c := range due {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		log := slog.With("campaign_id", c.ID, "tenant_id", c.TenantID)
		res, err := s.start(ctx, c, SystemRequester)
		switch {
		case err == nil:
			out.Started++
			log.Info("scheduled campaign completed", "sent", res.SentCount, "failed", res.FailedCount)
		case errors.Is(err, domain.ErrAlreadySent):
			out.Skipped++
			log.Info("scheduled campaign already started elsewhere")
		case errors.Is(err, domain.ErrNoRecipients):
			out.Skipped++
			log.Warn("scheduled campaign has no eligible recipients")
		case errors.Is(err, domain.ErrRunPaused):
			out.Started++
			log.Error("scheduled campaign paused", "err", err)
		default:
			out.Failed++
			log.Error("scheduled campaign start failed", "err", err)
		}
	}
	return out, nil
}

func (s *CampaignService) start(ctx context.Context, c domain.Campaign, requesterID string) (domain.RunResult, error) {
	if !c.CanStart() {
		return domain.RunResult{}, domain.ErrAlreadySent
	}
	tenant, err := s.Store.GetTenant(ctx, c.TenantID)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("load tenant: %w", err)
	}

	var onStart func(int)
	if s.Audit != nil {
		onStart = func(total int) {
			s.Audit.Emit(ctx, audit.CampaignSent(c.TenantID, c.ID, requesterID, total, string(domain.StatusSending), s.now()))
		}
	}
	return s.Runner.Run(ctx, c, tenant, onStart)
}

func (s *CampaignService) authorize(ctx context.Context, tenantID, requesterID string) error {
	if strings.TrimSpace(requesterID) == "" {
		return domain.ErrForbidden
	}
	ok, err := s.Store.IsTenantMember(ctx, tenantID, requesterID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrForbidden
	}
	return nil
}

func (s *CampaignService) newID() string {
	if s.IDGen != nil {
		return s.IDGen()
	}
	return util.NewCampaignID()
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}
