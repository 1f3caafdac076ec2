package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/guard"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/observability"
	"github.com/haasonsaas/intentgate/internal/ratelimit"
	"github.com/haasonsaas/intentgate/internal/resolver"
	"github.com/haasonsaas/intentgate/pkg/models"
)

const maxBodyBytes = 1 << 20

// HandlerConfig configures the HTTP API.
type HandlerConfig struct {
	// Auth guards every /v1 route. Nil or disabled lets every caller through.
	Auth *auth.Service
	// Limiter throttles confirmation traffic per session.
	Limiter *ratelimit.Limiter
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	// Gatherer backs /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type handler struct {
	service *Service
	auth    *auth.Service
	limiter *ratelimit.Limiter
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewHandler builds the HTTP API around service.
func NewHandler(service *Service, config HandlerConfig) http.Handler {
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "http-api")
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{
		service: service,
		auth:    config.Auth,
		limiter: config.Limiter,
		metrics: config.Metrics,
		tracer:  config.Tracer,
		logger:  config.Logger,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", handleHealthz)

	h.route(mux, "POST /v1/intents", h.handleCreate)
	h.route(mux, "GET /v1/intents/{id}", h.handleGet)
	h.route(mux, "POST /v1/intents/{id}/confirm", h.handleDecision(resolver.DecisionConfirm))
	h.route(mux, "POST /v1/intents/{id}/cancel", h.handleDecision(resolver.DecisionCancel))
	h.route(mux, "GET /v1/sessions/{session}/intents", h.handleListPending)
	h.route(mux, "POST /v1/sessions/{session}/resolve", h.handleResolve)
	h.route(mux, "POST /v1/sessions/{session}/messages", h.handleMessage)
	return mux
}

// route registers an authenticated, instrumented API endpoint.
func (h *handler) route(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	_, path, _ := strings.Cut(pattern, " ")
	authed := auth.Middleware(h.auth, h.logger)(fn)
	mux.Handle(pattern, instrument(path, h.metrics, h.tracer, h.logger)(authed))
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

type createIntentRequest struct {
	SessionID  string            `json:"session_id"`
	ActionType models.ActionType `json:"action_type"`
	ToolName   string            `json:"tool_name"`
	Arguments  map[string]any    `json:"arguments"`
	// TTLSeconds overrides the action type's TTL when set.
	TTLSeconds *float64 `json:"ttl_seconds,omitempty"`
	Preview    string   `json:"preview,omitempty"`
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createIntentRequest
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
		return
	}
	if !canAccess(r, body.SessionID) {
		h.deny(w, r, body.SessionID, "")
		return
	}

	req := intents.CreateRequest{
		SessionID:  body.SessionID,
		ActionType: body.ActionType,
		ToolName:   body.ToolName,
		Arguments:  body.Arguments,
		Preview:    body.Preview,
	}
	if body.TTLSeconds != nil {
		ttl := time.Duration(*body.TTLSeconds * float64(time.Second))
		req.TTL = &ttl
	}

	intent, err := h.service.CreateIntent(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

func (h *handler) handleGet(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.loadIntent(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

type decisionResponse struct {
	Outcome guard.Outcome         `json:"outcome"`
	Intent  *models.PendingIntent `json:"intent,omitempty"`
	Output  any                   `json:"output,omitempty"`
}

func (h *handler) handleDecision(decision resolver.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		intent, ok := h.loadIntent(w, r)
		if !ok {
			return
		}
		if !h.allow(w, r, intent.SessionID) {
			return
		}

		result, err := h.service.ConfirmOrCancel(r.Context(), intent.ID, decision)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if result.Outcome == guard.OutcomeInProgress {
			status = http.StatusAccepted
		}
		writeJSON(w, status, decisionResponse{
			Outcome: result.Outcome,
			Intent:  result.Intent,
			Output:  result.Output,
		})
	}
}

func (h *handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}
	pending, err := h.service.ListPending(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*models.PendingIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": pending})
}

type messageRequest struct {
	Text string `json:"text"`
	// MessageID is the transport's id for the message. Redeliveries with
	// the same id get the first reply back.
	MessageID string `json:"message_id,omitempty"`
}

func (h *handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	sessionID, body, ok := h.messageInput(w, r)
	if !ok {
		return
	}
	outcome, err := h.service.Resolve(r.Context(), sessionID, body.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID, body, ok := h.messageInput(w, r)
	if !ok {
		return
	}
	reply, err := h.service.HandleMessageOnce(r.Context(), sessionID, body.MessageID, body.Text)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// messageInput reads the session and text of a message endpoint and applies
// the session's rate limit.
func (h *handler) messageInput(w http.ResponseWriter, r *http.Request) (string, messageRequest, bool) {
	var body messageRequest
	sessionID, ok := h.sessionFromPath(w, r)
	if !ok {
		return "", body, false
	}
	if err := decodeJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "invalid_request"})
		return "", body, false
	}
	if !h.allow(w, r, sessionID) {
		return "", body, false
	}
	return sessionID, body, true
}

func (h *handler) sessionFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := strings.TrimSpace(r.PathValue("session"))
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session is required", Code: "invalid_request"})
		return "", false
	}
	if !canAccess(r, sessionID) {
		h.deny(w, r, sessionID, "")
		return "", false
	}
	return sessionID, true
}

// loadIntent fetches the intent named in the path and checks the caller may
// see its session.
func (h *handler) loadIntent(w http.ResponseWriter, r *http.Request) (*models.PendingIntent, bool) {
	intent, err := h.service.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return nil, false
	}
	if !canAccess(r, intent.SessionID) {
		h.deny(w, r, intent.SessionID, intent.ID)
		return nil, false
	}
	return intent, true
}

// deny rejects a caller acting outside its sessions. A foreign intent is
// reported as missing.
func (h *handler) deny(w http.ResponseWriter, r *http.Request, sessionID, intentID string) {
	h.service.audit.LogAccessDenied(r.Context(), sessionID, intentID, routeOf(r))
	if intentID != "" {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: intents.ErrNotFound.Error(), Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusForbidden, errorResponse{Error: "session not allowed", Code: "forbidden"})
}

// allow applies the per-session rate limit.
func (h *handler) allow(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	key := ratelimit.CompositeKey("session", sessionID)
	if h.limiter.Allow(key) {
		return true
	}
	h.metrics.RecordRateLimited(routeOf(r))
	wait := h.limiter.WaitTime(key)
	seconds := int(wait.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded", Code: "rate_limited"})
	return false
}

// canAccess reports whether the authenticated caller may act on sessionID.
// Without a principal auth is disabled and every session is open.
func canAccess(r *http.Request, sessionID string) bool {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return true
	}
	return principal.CanAccessSession(sessionID)
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	Retryable *bool  `json:"retryable,omitempty"`
}

// statusFor maps an engine error to an HTTP status and error code.
func statusFor(err error) (int, string) {
	var execErr *guard.ExecutorError
	switch {
	case errors.Is(err, intents.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, intents.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, guard.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, guard.ErrCancelled):
		return http.StatusConflict, "cancelled"
	case errors.Is(err, guard.ErrManualReview):
		return http.StatusConflict, "manual_review"
	case errors.Is(err, intents.ErrInvalidTransition):
		return http.StatusConflict, "conflict"
	case errors.As(err, &execErr):
		return http.StatusBadGateway, "executor_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorResponse{Error: err.Error(), Code: code}

	var validation *intents.ValidationError
	if errors.As(err, &validation) {
		body.Field = validation.Field
	}
	var execErr *guard.ExecutorError
	if errors.As(err, &execErr) {
		retryable := execErr.Retryable
		body.Retryable = &retryable
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "route", routeOf(r), "error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck
}
