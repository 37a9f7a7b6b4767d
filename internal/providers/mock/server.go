// Package mock serves a local stand-in for the SMS and email provider APIs.
package mock

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

type Options struct {
	// FailRate is the share of requests answered with a 503, in [0,1].
	FailRate float64
	// RejectTo lists destinations that are always refused with a 4xx.
	RejectTo []string
	Latency  time.Duration
	Seed     int64
}

type Server struct {
	opts   Options
	reject map[string]bool
	idx    uint64
	sms    atomic.Int64
	emails atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

type smsResponse struct {
	Sid       string `json:"sid,omitempty"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

type emailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

func New(opts Options) *Server {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s := &Server{opts: opts, reject: map[string]bool{}, rng: rand.New(rand.NewSource(seed))}
	for _, to := range opts.RejectTo {
		if to = strings.ToLower(strings.TrimSpace(to)); to != "" {
			s.reject[to] = true
		}
	}
	return s
}

// Register mounts the provider routes on m.
func (s *Server) Register(m *mux.Router) {
	m.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Messages.json", s.handleSMS).Methods(http.MethodPost)
	m.HandleFunc("/emails", s.handleEmail).Methods(http.MethodPost)
}

func (s *Server) Handler() http.Handler {
	m := mux.NewRouter()
	s.Register(m)
	return m
}

// Accepted returns how many SMS and email sends were accepted.
func (s *Server) Accepted() (sms, emails int64) {
	return s.sms.Load(), s.emails.Load()
}

func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	user, pass, ok := r.BasicAuth()
	if !ok || user == "" || pass == "" || user != mux.Vars(r)["AccountSid"] {
		writeSMSError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeSMSError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	to := r.Form.Get("To")
	if to == "" || r.Form.Get("Body") == "" {
		writeSMSError(w, http.StatusBadRequest, 21602, "Missing required parameter")
		return
	}
	if r.Form.Get("From") == "" {
		writeSMSError(w, http.StatusBadRequest, 21606, "From is required")
		return
	}
	if !s.delay(r) {
		return
	}
	if s.reject[strings.ToLower(to)] {
		writeSMSError(w, http.StatusBadRequest, 21211, "Invalid 'To' Phone Number")
		return
	}
	if s.fail() {
		writeSMSError(w, http.StatusServiceUnavailable, 20503, "Service unavailable")
		return
	}

	s.sms.Add(1)
	writeJSON(w, http.StatusCreated, smsResponse{Sid: fmt.Sprintf("SM%06d", s.next()), Status: "queued"})
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"name": "missing_api_key", "message": "Missing API key"})
		return
	}
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.To) == 0 || req.From == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"name": "validation_error", "message": "from and to are required"})
		return
	}
	if !s.delay(r) {
		return
	}
	for _, to := range req.To {
		if s.reject[strings.ToLower(to)] {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"name": "validation_error", "message": "Invalid `to` field"})
			return
		}
	}
	if s.fail() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"name": "internal_server_error", "message": "Service unavailable"})
		return
	}

	s.emails.Add(1)
	writeJSON(w, http.StatusOK, map[string]string{"id": fmt.Sprintf("em_%06d", s.next())})
}

// delay waits out the configured latency. It returns false if the client went away.
func (s *Server) delay(r *http.Request) bool {
	if s.opts.Latency <= 0 {
		return true
	}
	t := time.NewTimer(s.opts.Latency)
	defer t.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) fail() bool {
	if s.opts.FailRate <= 0 {
		return false
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64() < s.opts.FailRate
}

func (s *Server) next() uint64 {
	return atomic.AddUint64(&s.idx, 1) - 1
}

func writeSMSError(w http.ResponseWriter, status, code int, msg string) {
	writeJSON(w, status, smsResponse{Status: "failed", ErrorCode: &code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
