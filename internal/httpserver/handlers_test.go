package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broadcast/internal/domain"
)

type fakeService struct {
	startErr   error
	startRes   domain.RunResult
	startCtxOK bool
	gotLimit   int
	gotOffset  int
	gotUser    string
}

func (f *fakeService) CreateCampaign(_ context.Context, req domain.CreateCampaignRequest, userID string) (domain.Campaign, error) {
	f.gotUser = userID
	if err := req.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	return domain.Campaign{ID: "cmp_1", TenantID: req.TenantID, Name: req.Name, Mode: req.Channel, Status: domain.StatusDraft, Segment: domain.AllSegment{}}, nil
}

func (f *fakeService) GetCampaign(_ context.Context, id, _ string) (domain.Campaign, error) {
	if id != "cmp_1" {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return domain.Campaign{ID: id, Status: domain.StatusCompleted}, nil
}

func (f *fakeService) StartCampaign(ctx context.Context, _, _ string) (domain.RunResult, error) {
	f.startCtxOK = ctx.Err() == nil
	return f.startRes, f.startErr
}

func (f *fakeService) ListRecipients(_ context.Context, _, _ string, limit, offset int) ([]domain.RecipientRecord, error) {
	f.gotLimit, f.gotOffset = limit, offset
	return []domain.RecipientRecord{{ID: "cr_1", Channel: domain.ChannelSMS, Status: domain.DeliverySent}}, nil
}

func newTestServer(svc CampaignService) *Server {
	s := New()
	(&API{Svc: svc}).Register(s.Mux)
	return s
}

func do(s *Server, method, path, body string, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(RequesterHeader, user)
	}
	rec := httptest.NewRecorder()
	s.Mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateCampaign(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec := do(s, http.MethodPost, "/v1/campaigns", `{"tenantId":"t1","name":"Spring","channel":"SMS","body":"Hi"}`, "u1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "u1", svc.gotUser)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "cmp_1", got["id"])
	assert.Equal(t, "DRAFT", got["status"])
	assert.Equal(t, map[string]any{"type": "ALL"}, got["segment"])
}

func TestCreateCampaignBadInput(t *testing.T) {
	s := newTestServer(&fakeService{})

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/campaigns", `{`, "u1").Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPost, "/v1/campaigns", `{"tenantId":"t1","name":"n","channel":"FAX","body":"b"}`, "u1").Code)
	assert.Equal(t, http.StatusUnauthorized, do(s, http.MethodPost, "/v1/campaigns", `{}`, "").Code)
}

func TestGetCampaign(t *testing.T) {
	s := newTestServer(&fakeService{})

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/v1/campaigns/cmp_1", "", "u1").Code)
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/v1/campaigns/nope", "", "u1").Code)
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrAlreadySent, http.StatusConflict},
		{domain.ErrNoRecipients, http.StatusUnprocessableEntity},
		{fmt.Errorf("resolve recipients: %w", errors.New("db down")), http.StatusBadGateway},
	}
	for _, tc := range cases {
		s := newTestServer(&fakeService{startErr: tc.err})
		rec := do(s, http.MethodPost, "/v1/campaigns/cmp_1/send", "", "u1")
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}

func TestSendReturnsSummary(t *testing.T) {
	svc := &fakeService{startRes: domain.RunResult{CampaignID: "cmp_1", Status: domain.StatusCompleted, TotalRecipients: 3, SentCount: 2, FailedCount: 1, Errors: []string{"SMS c3: rejected"}}}
	s := newTestServer(svc)

	rec := do(s, http.MethodPost, "/v1/campaigns/cmp_1/send", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, svc.startCtxOK)

	var res domain.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 3, res.TotalRecipients)
	assert.Equal(t, []string{"SMS c3: rejected"}, res.Errors)
}

func TestSendPausedStillReportsSummary(t *testing.T) {
	svc := &fakeService{
		startRes: domain.RunResult{CampaignID: "cmp_1", Status: domain.StatusPaused, TotalRecipients: 50, SentCount: 25},
		startErr: fmt.Errorf("%w: checkpoint counters: db down", domain.ErrRunPaused),
	}
	rec := do(newTestServer(svc), http.MethodPost, "/v1/campaigns/cmp_1/send", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"PAUSED"`)
}

// blockingService holds a send open until its context ends, then reports a pause.
type blockingService struct {
	fakeService
	started chan struct{}
}

func (b *blockingService) StartCampaign(ctx context.Context, _, _ string) (domain.RunResult, error) {
	close(b.started)
	<-ctx.Done()
	return domain.RunResult{CampaignID: "cmp_1", Status: domain.StatusPaused, TotalRecipients: 10, SentCount: 4},
		fmt.Errorf("%w: %w", domain.ErrRunPaused, ctx.Err())
}

func TestSendIgnoresClientCancelButStopsOnShutdown(t *testing.T) {
	base, shutdown := context.WithCancel(context.Background())
	defer shutdown()

	svc := &blockingService{started: make(chan struct{})}
	api := &API{Svc: svc, Base: base}
	s := New()
	api.Register(s.Mux)

	reqCtx, dropClient := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/cmp_1/send", nil).WithContext(reqCtx)
	req.Header.Set(RequesterHeader, "u1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Mux.ServeHTTP(rec, req)
	}()

	<-svc.started
	dropClient()
	select {
	case <-done:
		t.Fatal("send stopped when the client went away")
	case <-time.After(50 * time.Millisecond):
	}

	shutdown()
	api.Wait()
	<-done

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"PAUSED"`)
}

func TestListRecipientsQuery(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec := do(s, http.MethodGet, "/v1/campaigns/cmp_1/recipients?limit=5&offset=10", "", "u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, svc.gotLimit)
	assert.Equal(t, 10, svc.gotOffset)
	assert.Contains(t, rec.Body.String(), `"cr_1"`)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodGet, "/v1/campaigns/cmp_1/recipients?limit=x", "", "u1").Code)
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_requests_total"}, []string{"endpoint", "status"})
	s := newTestServer(&fakeService{})
	s.Mux.Use(Metrics(counter))

	do(s, http.MethodGet, "/v1/campaigns/cmp_1", "", "u1")
	m, err := counter.GetMetricWithLabelValues("/v1/campaigns/{id}", "200")
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Equal(t, 1, seriesCount(counter))
}

func seriesCount(c *prometheus.CounterVec) int {
	ch := make(chan prometheus.Metric, 10)
	c.Collect(ch)
	close(ch)
	n := 0
	for range ch {
		n++
	}
	return n
}

func TestRecoverMiddleware(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReadyz(t *testing.T) {
	ok := Readyz(0, func(context.Context) error { return nil })
	rec := httptest.NewRecorder()
	ok(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := Readyz(0, func(context.Context) error { return errors.New("db down") })
	rec = httptest.NewRecorder()
	bad(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
