package twilio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const DefaultBaseURL = "https://api.twilio.com"

// Client talks to the Messages API. Credentials are tenant-scoped and travel with each request.
type Client struct {
	HTTP    *http.Client
	BaseURL string
}

type Credentials struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

type SendRequest struct {
	To          string
	Body        string
	Credentials Credentials
}

type SendResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
}

var ErrMissingCredentials = errors.New("twilio credentials not configured")

func (c *Client) SendSMS(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	cr := req.Credentials
	if cr.AccountSID == "" || cr.AuthToken == "" || cr.FromNumber == "" {
		return SendResponse{}, 0, nil, ErrMissingCredentials
	}

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("Body", req.Body)
	form.Set("From", cr.FromNumber)

	baseURL := strings.TrimRight(c.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := baseURL + "/2010-04-01/Accounts/" + url.PathEscape(cr.AccountSID) + "/Messages.json"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.SetBasicAuth(cr.AccountSID, cr.AuthToken)

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	// Twilio returns 201 for created; treat 2xx as success
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, b, fmt.Errorf("twilio %d: %s", resp.StatusCode, out.Message)
		}
		return out, resp.StatusCode, b, fmt.Errorf("twilio send failed with status %d", resp.StatusCode)
	}
	if out.Sid == "" {
		return out, resp.StatusCode, b, errors.New("twilio response missing sid")
	}
	return out, resp.StatusCode, b, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
