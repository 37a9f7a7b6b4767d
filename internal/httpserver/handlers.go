package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"broadcast/internal/domain"
)

// RequesterHeader carries the authenticated user id set by the gateway in front of this service.
const RequesterHeader = "X-Requester-ID"

type CampaignService interface {
	CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, requesterID string) (domain.Campaign, error)
	GetCampaign(ctx context.Context, id, requesterID string) (domain.Campaign, error)
	StartCampaign(ctx context.Context, id, requesterID string) (domain.RunResult, error)
	ListRecipients(ctx context.Context, id, requesterID string, limit, offset int) ([]domain.RecipientRecord, error)
}

type API struct {
	Svc CampaignService
	// Base is the process root context. Sends run under it rather than the
	// request, so a dropped client does not pause a run but shutdown does.
	Base context.Context
	// RunTimeout bounds a send started over HTTP.
	RunTimeout time.Duration

	runs sync.WaitGroup
}

// Wait blocks until every send started over HTTP has returned.
func (a *API) Wait() {
	a.runs.Wait()
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/campaigns", a.handleCreate).Methods(http.MethodPost)
	m.HandleFunc("/v1/campaigns/{id}", a.handleGet).Methods(http.MethodGet)
	m.HandleFunc("/v1/campaigns/{id}/send", a.handleSend).Methods(http.MethodPost)
	m.HandleFunc("/v1/campaigns/{id}/recipients", a.handleRecipients).Methods(http.MethodGet)
}

func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(RequesterHeader))
	if id == "" {
		http.Error(w, ErrMissingRequester, http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.CreateCampaign(r.Context(), req, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}

	c, err := a.Svc.GetCampaign(r.Context(), id, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}

	a.runs.Add(1)
	defer a.runs.Done()

	ctx := a.Base
	if ctx == nil {
		ctx = context.Background()
	}
	if a.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.RunTimeout)
		defer cancel()
	}

	res, err := a.Svc.StartCampaign(ctx, id, userID)
	if err != nil && !errors.Is(err, domain.ErrRunPaused) {
		writeError(w, r, err)
		return
	}
	// a paused run still reports what it managed to send
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleRecipients(w http.ResponseWriter, r *http.Request) {
	userID, ok := requester(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	limit, err1 := queryInt(r, "limit")
	offset, err2 := queryInt(r, "offset")
	if err1 != nil || err2 != nil {
		http.Error(w, ErrBadQuery, http.StatusBadRequest)
		return
	}

	recs, err := a.Svc.ListRecipients(r.Context(), id, userID, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "limit": limit, "offset": offset})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
