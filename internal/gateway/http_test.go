package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/intentgate/internal/auth"
	"github.com/haasonsaas/intentgate/internal/guard"
	"github.com/haasonsaas/intentgate/internal/intents"
	"github.com/haasonsaas/intentgate/internal/ratelimit"
	"github.com/haasonsaas/intentgate/pkg/models"
)

func newTestHandler(t *testing.T, env *testEnv, config HandlerConfig) http.Handler {
	t.Helper()
	config.Metrics = env.metrics
	config.Gatherer = env.registry
	return NewHandler(env.service, config)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("json.Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func createBody(session string) map[string]any {
	return map[string]any{
		"session_id":  session,
		"action_type": "SEND_EMAIL",
		"tool_name":   "send_email",
		"arguments":   map[string]any{"to": "bob@example.com", "subject": "Report"},
		"preview":     "Send report to bob@example.com",
	}
}

func TestHTTPIntentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env, HandlerConfig{})

	rec := doJSON(t, h, http.MethodPost, "/v1/intents", createBody("s1"), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[models.PendingIntent](t, rec)
	if created.Status != models.IntentPending || created.PayloadHash == "" {
		t.Fatalf("created = %+v", created)
	}
	if strings.Contains(created.PreviewText, "bob@example.com") {
		t.Fatalf("preview leaks the address: %q", created.PreviewText)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("responses carry a request id")
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/sessions/s1/intents", nil, nil)
	listed := decodeBody[struct {
		Intents []models.PendingIntent `json:"intents"`
	}](t, rec)
	if rec.Code != http.StatusOK || len(listed.Intents) != 1 {
		t.Fatalf("list status = %d intents=%d", rec.Code, len(listed.Intents))
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/intents/"+created.ID+"/confirm", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d body=%s", rec.Code, rec.Body.String())
	}
	result := decodeBody[decisionResponse](t, rec)
	if result.Outcome != guard.OutcomeExecuted {
		t.Fatalf("outcome = %s", result.Outcome)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/intents/"+created.ID+"/confirm", nil, nil)
	result = decodeBody[decisionResponse](t, rec)
	if rec.Code != http.StatusOK || result.Outcome != guard.OutcomeAlreadyExecuted {
		t.Fatalf("second confirm = %d %s", rec.Code, result.Outcome)
	}
	if env.executor.calls.Load() != 1 {
		t.Fatalf("executor calls = %d", env.executor.calls.Load())
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/intents/"+created.ID, nil, nil)
	got := decodeBody[models.PendingIntent](t, rec)
	if got.Status != models.IntentExecuted || got.ExecutedAt == nil {
		t.Fatalf("get = %+v", got)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env, HandlerConfig{})

	expired := env.create(t, "s1", models.ActionSendEmail, "expired one")
	env.clock.Advance(intents.DefaultTTL)
	cancelled := env.create(t, "s1", models.ActionSendEmail, "cancelled one")
	if rec := doJSON(t, h, http.MethodPost, "/v1/intents/"+cancelled.ID+"/cancel", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", rec.Code)
	}

	invalid := createBody("")
	unknownField := createBody("s1")
	unknownField["color"] = "red"

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{name: "missing session", method: http.MethodPost, path: "/v1/intents", body: invalid, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "unknown field", method: http.MethodPost, path: "/v1/intents", body: unknownField, wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
		{name: "not found", method: http.MethodGet, path: "/v1/intents/missing", wantCode: http.StatusNotFound, wantErr: "not_found"},
		{name: "expired", method: http.MethodPost, path: "/v1/intents/" + expired.ID + "/confirm", wantCode: http.StatusGone, wantErr: "expired"},
		{name: "cancelled", method: http.MethodPost, path: "/v1/intents/" + cancelled.ID + "/confirm", wantCode: http.StatusConflict, wantErr: "cancelled"},
		{name: "empty message body", method: http.MethodPost, path: "/v1/sessions/s1/messages", wantCode: http.StatusBadRequest, wantErr: "invalid_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tt.wantCode, rec.Body.String())
			}
			body := decodeBody[errorResponse](t, rec)
			if body.Code != tt.wantErr {
				t.Fatalf("code = %q, want %q", body.Code, tt.wantErr)
			}
		})
	}
}

func TestHTTPExecutorFailure(t *testing.T) {
	env := newTestEnv(t)
	env.executor.err = errors.New("upstream down")
	h := newTestHandler(t, env, HandlerConfig{})
	intent := env.create(t, "s1", models.ActionSendEmail, "Send report")

	rec := doJSON(t, h, http.MethodPost, "/v1/intents/"+intent.ID+"/confirm", nil, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody[errorResponse](t, rec)
	if body.Retryable == nil || !*body.Retryable {
		t.Fatalf("SEND_EMAIL rolls back, body = %+v", body)
	}
	if env.status(t, intent.ID) != models.IntentPending {
		t.Fatalf("status = %s", env.status(t, intent.ID))
	}
}

func TestHTTPMessages(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env, HandlerConfig{})
	env.create(t, "s1", models.ActionSendEmail, "Send report")

	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/s1/resolve", messageRequest{Text: "yes"}, nil)
	outcome := decodeBody[struct {
		Kind     string `json:"kind"`
		Decision string `json:"decision"`
	}](t, rec)
	if rec.Code != http.StatusOK || outcome.Kind != "resolved" || outcome.Decision != "confirm" {
		t.Fatalf("resolve = %d %+v", rec.Code, outcome)
	}
	if env.executor.calls.Load() != 0 {
		t.Fatal("resolve must not execute")
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/sessions/s1/messages", messageRequest{Text: "yes", MessageID: "m-1"}, nil)
	reply := decodeBody[Reply](t, rec)
	if rec.Code != http.StatusOK || !reply.Handled || reply.Outcome != guard.OutcomeExecuted {
		t.Fatalf("message = %d %+v", rec.Code, reply)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/sessions/s1/messages", messageRequest{Text: "yes", MessageID: "m-1"}, nil)
	replayed := decodeBody[Reply](t, rec)
	if rec.Code != http.StatusOK || !replayed.Replayed || replayed.Text != reply.Text {
		t.Fatalf("redelivered message = %d %+v", rec.Code, replayed)
	}
	if env.executor.calls.Load() != 1 {
		t.Fatalf("executor calls = %d, want 1", env.executor.calls.Load())
	}
}

func TestHTTPRateLimit(t *testing.T) {
	env := newTestEnv(t)
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1, Enabled: true})
	h := newTestHandler(t, env, HandlerConfig{Limiter: limiter})

	if rec := doJSON(t, h, http.MethodPost, "/v1/sessions/s1/messages", messageRequest{Text: "hi"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/sessions/s1/messages", messageRequest{Text: "hi"}, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/sessions/s2/messages", messageRequest{Text: "hi"}, nil); rec.Code != http.StatusOK {
		t.Fatalf("other sessions keep their own budget, status = %d", rec.Code)
	}
}

func TestHTTPAuth(t *testing.T) {
	env := newTestEnv(t)
	service := auth.NewService(auth.Config{
		JWTSecret: "test-secret",
		Issuer:    "intentgate",
		APIKeys: []auth.APIKeyConfig{
			{Key: "key-s1", Subject: "bot", Sessions: []string{"s1"}},
		},
	})
	h := newTestHandler(t, env, HandlerConfig{Auth: service})
	other := env.create(t, "s2", models.ActionSendEmail, "Not yours")

	if rec := doJSON(t, h, http.MethodGet, "/v1/sessions/s1/intents", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}

	apiKey := map[string]string{"X-API-Key": "key-s1"}
	if rec := doJSON(t, h, http.MethodGet, "/v1/sessions/s1/intents", nil, apiKey); rec.Code != http.StatusOK {
		t.Fatalf("api key status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/v1/sessions/s2/intents", nil, apiKey); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign session status = %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodPost, "/v1/intents/"+other.ID+"/confirm", nil, apiKey); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign intent status = %d", rec.Code)
	}
	if env.executor.calls.Load() != 0 {
		t.Fatal("foreign intent must not execute")
	}

	token, err := service.GenerateJWT(&auth.Principal{Subject: "ops"})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	if rec := doJSON(t, h, http.MethodGet, "/v1/intents/"+other.ID, nil, bearer); rec.Code != http.StatusOK {
		t.Fatalf("unrestricted token status = %d", rec.Code)
	}

	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz must stay open, status = %d", rec.Code)
	}
}

func TestHTTPMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := newTestHandler(t, env, HandlerConfig{})
	doJSON(t, h, http.MethodPost, "/v1/intents", createBody("s1"), nil)

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"intentgate_intents_created_total", `path="/v1/intents"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestServerStartShutdown(t *testing.T) {
	server := NewServer(ServerConfig{Addr: "127.0.0.1:0"}, http.HandlerFunc(handleHealthz))
	if err := server.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := server.Start(); err == nil {
		t.Fatal("second Start() should fail")
	}

	resp, err := http.Get("http://" + server.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	done := server.Done()
	if err := server.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve loop did not stop")
	}
}
