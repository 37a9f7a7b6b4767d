package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const DefaultBaseURL = "https://api.resend.com"

// Client sends transactional email through a JSON HTTP API authenticated with a bearer key.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

type Credentials struct {
	APIKey      string
	FromAddress string
}

type SendRequest struct {
	To          string
	Subject     string
	HTML        string
	Credentials Credentials
}

type SendResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type payload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

var ErrMissingCredentials = errors.New("email credentials not configured")

func (c *Client) SendEmail(ctx context.Context, req SendRequest) (SendResponse, int, error) {
	cr := req.Credentials
	if cr.APIKey == "" || cr.FromAddress == "" {
		return SendResponse{}, 0, ErrMissingCredentials
	}

	body, err := json.Marshal(payload{
		From:    cr.FromAddress,
		To:      []string{req.To},
		Subject: req.Subject,
		HTML:    req.HTML,
	})
	if err != nil {
		return SendResponse{}, 0, err
	}

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return SendResponse{}, 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cr.APIKey)

	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, fmt.Errorf("email provider %d: %s", resp.StatusCode, out.Message)
		}
		return out, resp.StatusCode, fmt.Errorf("email send failed with status %d", resp.StatusCode)
	}
	if out.ID == "" {
		return out, resp.StatusCode, errors.New("email response missing id")
	}
	return out, resp.StatusCode, nil
}
