package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type CreateCampaignRequest struct {
	TenantID    string          `json:"tenantId"`
	Name        string          `json:"name"`
	Channel     ChannelMode     `json:"channel"`
	Segment     json.RawMessage `json:"segment,omitempty"`
	Body        string          `json:"body"`
	Subject     string          `json:"subject,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
}

func (r CreateCampaignRequest) Validate() error {
	if strings.TrimSpace(r.TenantID) == "" {
		return fmt.Errorf("%w: tenantId is required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if strings.TrimSpace(r.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidCampaign)
	}
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: channel must be SMS, EMAIL or BOTH", ErrInvalidCampaign)
	}
	return nil
}
