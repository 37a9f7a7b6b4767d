package domain

import (
	"strings"
	"time"
)

type CampaignStatus string

const (
	StatusDraft     CampaignStatus = "DRAFT"
	StatusScheduled CampaignStatus = "SCHEDULED"
	StatusSending   CampaignStatus = "SENDING"
	StatusCompleted CampaignStatus = "COMPLETED"
	StatusPaused    CampaignStatus = "PAUSED"
)

// Terminal reports whether the status can no longer change.
func (s CampaignStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPaused
}

// ChannelMode is the campaign-level choice of outbound media.
type ChannelMode string

const (
	ModeSMS   ChannelMode = "SMS"
	ModeEmail ChannelMode = "EMAIL"
	ModeBoth  ChannelMode = "BOTH"
)

func (m ChannelMode) Valid() bool {
	return m == ModeSMS || m == ModeEmail || m == ModeBoth
}

func (m ChannelMode) UsesSMS() bool   { return m == ModeSMS || m == ModeBoth }
func (m ChannelMode) UsesEmail() bool { return m == ModeEmail || m == ModeBoth }

// Channel is a single medium a delivery attempt goes through.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "SENT"
	DeliveryFailed DeliveryStatus = "FAILED"
)

type Campaign struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenantId"`
	Name     string         `json:"name"`
	Mode     ChannelMode    `json:"channel"`
	Segment  SegmentRule    `json:"-"`
	Body     string         `json:"body"`
	Subject  string         `json:"subject,omitempty"`
	Status   CampaignStatus `json:"status"`

	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`

	TotalRecipients int `json:"totalRecipients"`
	SentCount       int `json:"sentCount"`
	FailedCount     int `json:"failedCount"`

	SentAt      *time.Time `json:"sentAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// CanStart is the re-entrancy guard: only drafts and scheduled campaigns may begin a run.
func (c Campaign) CanStart() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

// IsScheduled reports whether the campaign carries a send time after now.
func (c Campaign) IsScheduled(now time.Time) bool {
	return c.ScheduledAt != nil && c.ScheduledAt.After(now)
}

// Tenant is the owning business together with its provider credentials.
type Tenant struct {
	ID    string
	Name  string
	SMS   SMSCredentials
	Email EmailCredentials
}

type SMSCredentials struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

func (c SMSCredentials) Configured() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != ""
}

type EmailCredentials struct {
	APIKey      string
	FromAddress string
}

func (c EmailCredentials) Configured() bool {
	return c.APIKey != "" && c.FromAddress != ""
}

type Address struct {
	City  string `json:"city"`
	State string `json:"state"`
}

// Contact is a tenant's client as exposed by the CRUD layer.
type Contact struct {
	ID              string
	TenantID        string
	FirstName       string
	LastName        string
	Phone           string
	Email           string
	Tags            []string
	MarketingOptOut bool
	InsuranceFlag   bool
	Addresses       []Address
}

func (c Contact) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(c.FirstName) + " " + strings.TrimSpace(c.LastName))
	if full == "" {
		return "Customer"
	}
	return full
}

// Recipient is a contact resolved as eligible for one campaign run.
type Recipient struct {
	ContactID   string
	FirstName   string
	DisplayName string
	Phone       string
	Email       string
}

func (r Recipient) HasPhone() bool { return strings.TrimSpace(r.Phone) != "" }
func (r Recipient) HasEmail() bool { return strings.TrimSpace(r.Email) != "" }

// RecipientRecord is the append-only receipt of one attempt on one channel.
type RecipientRecord struct {
	ID                string         `json:"id"`
	CampaignID        string         `json:"campaignId"`
	TenantID          string         `json:"tenantId"`
	ContactID         string         `json:"contactId"`
	Channel           Channel        `json:"channel"`
	Destination       string         `json:"destination"`
	Status            DeliveryStatus `json:"status"`
	SentAt            *time.Time     `json:"sentAt,omitempty"`
	FailedAt          *time.Time     `json:"failedAt,omitempty"`
	Error             string         `json:"error,omitempty"`
	ProviderMessageID string         `json:"providerMessageId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Message is the rendered content handed to a sender.
type Message struct {
	Subject string
	Body    string
}

// SendOutcome is what a channel sender reports for one attempt. Senders never return errors.
type SendOutcome struct {
	Channel           Channel
	Destination       string
	Success           bool
	ProviderMessageID string
	Error             string
	Latency           time.Duration
}

// MaxSampleErrors bounds the error strings returned from a run.
const MaxSampleErrors = 10

type RunResult struct {
	CampaignID      string         `json:"campaignId"`
	Status          CampaignStatus `json:"status"`
	TotalRecipients int            `json:"totalRecipients"`
	SentCount       int            `json:"sentCount"`
	FailedCount     int            `json:"failedCount"`
	Errors          []string       `json:"errors"`
}
