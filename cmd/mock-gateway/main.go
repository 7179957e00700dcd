// mock-gateway is a stand-in chat gateway for local development and load
// tests. It implements the connect/send/heartbeat/disconnect surface the
// dispatcher speaks, with knobs for latency, failure mix and forced logouts.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string  `envconfig:"PORT" default:"8081"`
	Token       string  `envconfig:"MOCK_GATEWAY_TOKEN" default:""`
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	DelayMs     int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	// TimeoutDelayMs is how long a "timeout" outcome stalls before answering,
	// long enough to trip the caller's client timeout.
	TimeoutDelayMs int `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`
	// LogoutAfterSends forces a 401 on every Nth send per connection; 0 disables.
	LogoutAfterSends int     `envconfig:"MOCK_LOGOUT_AFTER_SENDS" default:"0"`
	ConnectFailRate  float64 `envconfig:"MOCK_CONNECT_FAIL_RATE" default:"0"`

	Outcomes     []string
	Delay        time.Duration
	TimeoutDelay time.Duration
}

type connection struct {
	TenantID  string
	ChannelID string
	Sends     uint64
	LoggedOut bool
}

type server struct {
	cfg config
	idx uint64

	rng   *rand.Rand
	rngMu sync.Mutex

	connMu sync.Mutex
	conns  map[string]*connection
}

type connectRequest struct {
	TenantID  string `json:"tenantId"`
	ChannelID string `json:"channelId"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

type connectResponse struct {
	ConnectionID string `json:"connectionId,omitempty"`
	Error        string `json:"error,omitempty"`
}

type sendRequest struct {
	ConnectionID string `json:"connectionId"`
	Recipient    string `json:"recipient"`
	Body         string `json:"body"`
	MediaURL     string `json:"mediaUrl"`
	ExternalKey  string `json:"externalKey"`
}

type sendResponse struct {
	MessageID string `json:"messageId,omitempty"`
	Status    string `json:"status,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

type connRefRequest struct {
	ConnectionID string `json:"connectionId"`
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		conns: make(map[string]*connection),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/connect", s.handleConnect).Methods(http.MethodPost)
	router.HandleFunc("/v1/messages", s.handleSend).Methods(http.MethodPost)
	router.HandleFunc("/v1/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/v1/disconnect", s.handleDisconnect).Methods(http.MethodPost)

	slog.Info("mock gateway listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock gateway server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock gateway request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock gateway config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	return cfg
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, connectResponse{Error: "invalid json"})
		return
	}
	if req.TenantID == "" || req.ChannelID == "" {
		writeJSON(w, http.StatusBadRequest, connectResponse{Error: "tenantId and channelId required"})
		return
	}
	if s.cfg.Token != "" && req.Token != s.cfg.Token {
		writeJSON(w, http.StatusUnauthorized, connectResponse{Error: "invalid token"})
		return
	}
	if s.cfg.ConnectFailRate > 0 && s.randFloat() < s.cfg.ConnectFailRate {
		writeJSON(w, http.StatusServiceUnavailable, connectResponse{Error: "gateway busy"})
		return
	}

	id := fmt.Sprintf("conn_%06d", atomic.AddUint64(&s.idx, 1))
	s.connMu.Lock()
	s.conns[id] = &connection{TenantID: req.TenantID, ChannelID: req.ChannelID}
	s.connMu.Unlock()

	slog.Info("mock gateway connected",
		"connection_id", id, "tenant_id", req.TenantID, "channel_id", req.ChannelID)
	writeJSON(w, http.StatusOK, connectResponse{ConnectionID: id})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{ErrorCode: "invalid_json", Message: "invalid json"})
		return
	}

	conn, ok := s.lookup(req.ConnectionID)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: "no_session", Message: "unknown connection"})
		return
	}
	if conn.LoggedOut {
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: "logged_out", Message: "session logged out"})
		return
	}
	if req.Recipient == "" || req.Body == "" {
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{ErrorCode: "missing_fields", Message: "recipient and body required"})
		return
	}

	sends := atomic.AddUint64(&conn.Sends, 1)
	if s.cfg.LogoutAfterSends > 0 && sends%uint64(s.cfg.LogoutAfterSends) == 0 {
		s.markLoggedOut(req.ConnectionID)
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: "logged_out", Message: "session logged out"})
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	switch kind := s.nextOutcome(); kind {
	case "ok", "success":
		id := fmt.Sprintf("gwm_%06d", atomic.AddUint64(&s.idx, 1))
		writeJSON(w, http.StatusOK, sendResponse{MessageID: id, Status: "accepted"})
	case "rate_limit", "429":
		writeJSON(w, http.StatusTooManyRequests, sendResponse{ErrorCode: "rate_limited", Message: "rate limited"})
	case "invalid", "422":
		writeJSON(w, http.StatusUnprocessableEntity, sendResponse{ErrorCode: "invalid_recipient", Message: "recipient rejected"})
	case "bad_request", "400":
		writeJSON(w, http.StatusBadRequest, sendResponse{ErrorCode: "bad_request", Message: "bad request"})
	case "logout", "401":
		s.markLoggedOut(req.ConnectionID)
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: "logged_out", Message: "session logged out"})
	case "timeout":
		time.Sleep(s.cfg.TimeoutDelay)
		writeJSON(w, http.StatusGatewayTimeout, sendResponse{ErrorCode: "timeout", Message: "request timed out"})
	default:
		writeJSON(w, http.StatusInternalServerError, sendResponse{ErrorCode: "server_error", Message: "mock error: " + kind})
	}
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req connRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Message: "invalid json"})
		return
	}
	conn, ok := s.lookup(req.ConnectionID)
	if !ok || conn.LoggedOut {
		writeJSON(w, http.StatusUnauthorized, sendResponse{ErrorCode: "no_session", Message: "session gone"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req connRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Message: "invalid json"})
		return
	}
	s.connMu.Lock()
	delete(s.conns, req.ConnectionID)
	s.connMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) lookup(id string) (*connection, bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	c, ok := s.conns[id]
	return c, ok
}

func (s *server) markLoggedOut(id string) {
	s.connMu.Lock()
	if c, ok := s.conns[id]; ok {
		c.LoggedOut = true
	}
	s.connMu.Unlock()
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		if s.randFloat() <= s.cfg.SuccessRate {
			return "ok"
		}
		return s.cfg.Outcomes[len(s.cfg.Outcomes)-1]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func (s *server) randFloat() float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
