package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/concretelab/mixledger/internal/audit"
	"github.com/concretelab/mixledger/internal/submission"
)

const maxRateEntries = 10000

// Ledger is the submission surface the server exposes.
type Ledger interface {
	Submit(ctx context.Context, payload submission.Payload) (submission.Result, error)
	AuditLedger(ctx context.Context, mode string) (audit.Report, error)
	Describe(ctx context.Context) (submission.BackendInfo, error)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	// Feed serves GET /v1/submissions/feed. Nil disables the route.
	Feed *Feed
	// Gatherer serves GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
}

type Server struct {
	ledger      Ledger
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type submitResponse struct {
	OK                 bool                           `json:"ok"`
	Success            bool                           `json:"success"`
	Status             string                         `json:"status"`
	RecordID           string                         `json:"recordId"`
	Timestamp          string                         `json:"timestamp"`
	Mode               string                         `json:"mode"`
	AttemptID          string                         `json:"attemptId"`
	Message            string                         `json:"message"`
	SkippedCollections []string                       `json:"skippedCollections"`
	FailedCollections  []submission.CollectionSummary `json:"failedCollections"`
	DuplicateSuspected bool                           `json:"duplicateSuspected"`
}

func NewServer(ledger Ledger) *Server {
	return NewServerWithConfig(ledger, ServerConfig{})
}

func NewServerWithConfig(ledger Ledger, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var metrics http.Handler
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	return &Server{
		ledger:      ledger,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		metrics:     metrics,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil:
		s.metrics.ServeHTTP(w, r)
	case (r.URL.Path == "/v1/submissions" || r.URL.Path == "/api/submit") && r.Method == http.MethodPost:
		s.handleSubmit(w, r, correlationID)
	case r.URL.Path == "/v1/admin/backend" && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, scopeLedgerRead, correlationID); ok {
			s.handleAdminBackend(w, r, correlationID)
		}
	case r.URL.Path == "/v1/admin/audit" && r.Method == http.MethodGet:
		if _, ok := s.authorize(w, r, scopeLedgerRead, correlationID); ok {
			s.handleAdminAudit(w, r, correlationID)
		}
	case r.URL.Path == "/v1/submissions/feed" && r.Method == http.MethodGet && s.cfg.Feed != nil:
		if claims, ok := s.authorize(w, r, scopeLedgerFeed, correlationID); ok {
			s.cfg.Feed.serve(w, r, claims.Subject)
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authorize rejects every admin request when no JWT secret is configured.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope, correlationID string) (tokenClaims, bool) {
	if s.cfg.JWTSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "admin_disabled", "admin routes are disabled: no JWT secret configured", correlationID)
		return tokenClaims{}, false
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return tokenClaims{}, false
	}
	return claims, true
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.rateLimiter != nil && !s.rateLimiter.allow(clientIP(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	payload, err := submission.DecodePayload(body)
	if err != nil {
		s.writeSubmitError(w, err, correlationID)
		return
	}

	result, err := s.ledger.Submit(r.Context(), payload)
	if err != nil {
		s.logger.Warn("submission rejected",
			"correlation_id", correlationID,
			"attempt_id", result.AttemptID,
			"error", err)
		s.writeSubmitError(w, err, correlationID)
		return
	}

	status := http.StatusCreated
	message := "Submission stored"
	if result.Status == submission.StatusPartial {
		status = http.StatusMultiStatus
		message = "Submission stored; some detail rows were not written"
	}
	skipped := result.Skipped
	if skipped == nil {
		skipped = []string{}
	}
	failed := result.Failed
	if failed == nil {
		failed = []submission.CollectionSummary{}
	}
	writeJSON(w, status, submitResponse{
		OK:                 true,
		Success:            true,
		Status:             string(result.Status),
		RecordID:           result.RecordID,
		Timestamp:          result.Timestamp,
		Mode:               result.Mode,
		AttemptID:          result.AttemptID,
		Message:            message,
		SkippedCollections: skipped,
		FailedCollections:  failed,
		DuplicateSuspected: result.DuplicateSuspected,
	})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, err error, correlationID string) {
	var validation *submission.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "invalid_payload",
			"message":       validation.Message,
			"field":         validation.Field,
			"correlationId": correlationID,
		})
	case errors.Is(err, submission.ErrConfiguration):
		writeError(w, http.StatusInternalServerError, "not_configured", err.Error(), correlationID)
	case errors.Is(err, submission.ErrTableResolution):
		writeError(w, http.StatusServiceUnavailable, "table_unresolved", err.Error(), correlationID)
	case errors.Is(err, submission.ErrAppend):
		writeError(w, http.StatusBadGateway, "append_failed", err.Error(), correlationID)
	case errors.Is(err, submission.ErrStore):
		writeError(w, http.StatusBadGateway, "store_unavailable", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", "backing store did not answer in time", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (s *Server) handleAdminBackend(w http.ResponseWriter, r *http.Request, correlationID string) {
	info, err := s.ledger.Describe(r.Context())
	if err != nil {
		s.writeSubmitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request, correlationID string) {
	mode := strings.TrimSpace(r.URL.Query().Get("mode"))
	if mode == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "mode query parameter is required", correlationID)
		return
	}
	report, err := s.ledger.AuditLedger(r.Context(), mode)
	if err != nil {
		s.writeSubmitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// getCorrelationID returns the caller's X-Correlation-Id or a fresh one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= maxRateEntries {
		for k, entry := range r.entries {
			if now.After(entry.resetAt) {
				delete(r.entries, k)
			}
		}
	}
	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
