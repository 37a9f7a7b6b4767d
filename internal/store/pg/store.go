package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"broadcast/internal/domain"
	"broadcast/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const campaignColumns = `
	id, tenant_id, name, channel, segment_json, body, COALESCE(subject,''), status, scheduled_at,
	total_recipients, sent_count, failed_count, sent_at, completed_at, created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var (
		c       domain.Campaign
		mode    string
		status  string
		segJSON []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &mode, &segJSON, &c.Body, &c.Subject, &status, &c.ScheduledAt,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.SentAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Mode = domain.ChannelMode(mode)
	c.Status = domain.CampaignStatus(status)
	rule, err := domain.ParseSegment(segJSON)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign %s segment: %w", c.ID, err)
	}
	c.Segment = rule
	return c, nil
}

func (s *Store) InsertCampaign(ctx context.Context, c domain.Campaign) error {
	seg, err := domain.MarshalSegment(c.Segment)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
		INSERT INTO campaigns (id, tenant_id, name, channel, segment_json, body, subject, status, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, c.ID, c.TenantID, c.Name, string(c.Mode), seg, c.Body, nullIfEmpty(c.Subject), string(c.Status), c.ScheduledAt, c.CreatedAt)
	return err
}

func (s *Store) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, err
}

func (s *Store) ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status='SCHEDULED' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// BeginSending is the compare-and-swap guard on the run: only one caller moves
// a DRAFT or SCHEDULED campaign into SENDING.
func (s *Store) BeginSending(ctx context.Context, in store.SendingTransition) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status='SENDING', total_recipients=$2, sent_count=0, failed_count=0, sent_at=$3, updated_at=$3
		WHERE id=$1 AND status IN ('DRAFT','SCHEDULED')
	`, in.CampaignID, in.TotalRecipients, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// SaveCampaignCounters writes the run's running totals. It is idempotent, so a
// retry after an ambiguous failure cannot double count.
func (s *Store) SaveCampaignCounters(ctx context.Context, in store.CounterUpdate) error {
	if in.Sent < 0 || in.Failed < 0 {
		return store.ErrCounterBound
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET sent_count=$2, failed_count=$3, updated_at=$4
		WHERE id=$1 AND status='SENDING' AND $2::int + $3::int <= total_recipients
	`, in.CampaignID, in.Sent, in.Failed, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() > 0 {
		return nil
	}
	c, err := s.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusSending {
		return store.ErrNotSending
	}
	return store.ErrCounterBound
}

func (s *Store) FinishCampaign(ctx context.Context, in store.CompletionUpdate) error {
	if !in.Status.Terminal() {
		return fmt.Errorf("finish campaign as %s: status is not terminal", in.Status)
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaigns
		SET status=$2::text,
		    completed_at = CASE WHEN $2::text = 'COMPLETED' THEN $3 ELSE completed_at END,
		    updated_at=$3
		WHERE id=$1 AND status='SENDING'
	`, in.CampaignID, string(in.Status), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("campaign %s: %w", in.CampaignID, store.ErrNotSending)
	}
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := s.DB.QueryRow(ctx, `
		SELECT id, name,
		       COALESCE(twilio_account_sid,''), COALESCE(twilio_auth_token,''), COALESCE(twilio_from_number,''),
		       COALESCE(email_api_key,''), COALESCE(email_from_address,'')
		FROM tenants WHERE id=$1
	`, id).Scan(&t.ID, &t.Name,
		&t.SMS.AccountSID, &t.SMS.AuthToken, &t.SMS.FromNumber,
		&t.Email.APIKey, &t.Email.FromAddress)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, err
}

func (s *Store) IsTenantMember(ctx context.Context, tenantID, userID string) (bool, error) {
	var one int
	err := s.DB.QueryRow(ctx, `SELECT 1 FROM tenant_members WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListContacts(ctx context.Context, tenantID string) ([]domain.Contact, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT c.id, c.tenant_id, c.first_name, c.last_name, COALESCE(c.phone,''), COALESCE(c.email,''),
		       c.tags, c.marketing_opt_out, c.insurance_flag,
		       COALESCE((
		           SELECT json_agg(json_build_object('city', a.city, 'state', a.state) ORDER BY a.id)
		           FROM contact_addresses a WHERE a.contact_id = c.id
		       ), '[]'::json)
		FROM contacts c
		WHERE c.tenant_id=$1
		ORDER BY c.id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Contact
	for rows.Next() {
		var (
			c     domain.Contact
			addrs []byte
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.FirstName, &c.LastName, &c.Phone, &c.Email,
			&c.Tags, &c.MarketingOptOut, &c.InsuranceFlag, &addrs); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(addrs, &c.Addresses); err != nil {
			return nil, fmt.Errorf("contact %s addresses: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ActiveContactIDsSince(ctx context.Context, tenantID string, since time.Time) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT DISTINCT contact_id FROM bookings WHERE tenant_id=$1 AND booked_at >= $2
	`, tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) InsertRecipientRecord(ctx context.Context, r domain.RecipientRecord) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO campaign_recipients (id, campaign_id, tenant_id, contact_id, channel, destination, status,
		                                 sent_at, failed_at, error, provider_msg_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.CampaignID, r.TenantID, r.ContactID, string(r.Channel), r.Destination, string(r.Status),
		r.SentAt, r.FailedAt, nullIfEmpty(r.Error), nullIfEmpty(r.ProviderMessageID), r.CreatedAt)
	return err
}

func (s *Store) StampLastMarketing(ctx context.Context, in store.MarketingStamp) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE contacts
		SET last_marketing_at = GREATEST(COALESCE(last_marketing_at, $3), $3)
		WHERE tenant_id=$1 AND id=$2
	`, in.TenantID, in.ContactID, in.At)
	return err
}

func (s *Store) ListRecipientRecords(ctx context.Context, q store.RecordQuery) ([]domain.RecipientRecord, error) {
	q = q.Normalize()
	rows, err := s.DB.Query(ctx, `
		SELECT id, campaign_id, tenant_id, contact_id, channel, destination, status,
		       sent_at, failed_at, COALESCE(error,''), COALESCE(provider_msg_id,''), created_at
		FROM campaign_recipients
		WHERE campaign_id=$1
		ORDER BY id
		LIMIT $2 OFFSET $3
	`, q.CampaignID, q.Limit, q.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.RecipientRecord{}
	for rows.Next() {
		var (
			r       domain.RecipientRecord
			channel string
			status  string
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.TenantID, &r.ContactID, &channel, &r.Destination, &status,
			&r.SentAt, &r.FailedAt, &r.Error, &r.ProviderMessageID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Channel = domain.Channel(channel)
		r.Status = domain.DeliveryStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
