// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
	"github.com/jeranaias/constructd/internal/config"
	"github.com/jeranaias/constructd/internal/format"
	"github.com/jeranaias/constructd/internal/llm"
	"github.com/jeranaias/constructd/internal/memory"
	"github.com/jeranaias/constructd/internal/pipeline"
	"github.com/jeranaias/constructd/internal/prompt"
	"github.com/jeranaias/constructd/internal/tokens"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeInvoker struct {
	reply  string
	err    error
	models []string
}

func (f *fakeInvoker) Chat(ctx context.Context, model string, msgs []chat.Message, opts llm.Options) (string, llm.Usage, error) {
	if f.err != nil {
		return "", llm.Usage{}, f.err
	}
	return f.reply, llm.Usage{PromptTokens: 3, CompletionTokens: 2}, nil
}

func (f *fakeInvoker) ChatStream(ctx context.Context, model string, msgs []chat.Message, opts llm.Options, callback llm.StreamCallback) error {
	if f.err != nil {
		return f.err
	}
	callback(llm.StreamChunk{Content: f.reply})
	callback(llm.StreamChunk{Done: true})
	return nil
}

func (f *fakeInvoker) Models(ctx context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

func newTestServer(t *testing.T, inv llm.Invoker, cfg config.ServerConfig) (*Server, *memory.InMemStore) {
	t.Helper()
	store := memory.NewInMemStore()
	f := format.New(prompt.NewRenderer("", nil), nil)
	orch := pipeline.New(f, inv, store, nil, tokens.NewCounter(), nil,
		pipeline.Config{MaxRetries: 0, RetryBackoff: time.Millisecond})
	return New(cfg, "m1", orch, inv, store, nil), store
}

func postCompletion(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// =============================================================================
// CHAT COMPLETIONS
// =============================================================================

func TestChatCompletionsBasic(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{reply: "hello"}, config.ServerConfig{})

	w := postCompletion(t, s.Handler(), `{
		"model": "m1",
		"messages": [{"role": "user", "content": "hi"}],
		"thread_id": "t1"
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	var resp chat.CompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != chat.ObjectCompletion {
		t.Errorf("object = %q, want %q", resp.Object, chat.ObjectCompletion)
	}
	if resp.Choices[0].Message.Content != "hello" {
		t.Errorf("content = %q, want \"hello\"", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != resp.Usage.PromptTokens+resp.Usage.CompletionTokens {
		t.Errorf("usage %+v: total != prompt + completion", resp.Usage)
	}
}

func TestChatCompletionsDefaults(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{reply: "ok"}, config.ServerConfig{})

	// No model, thread_id, or mode: all default.
	w := postCompletion(t, s.Handler(), `{"messages": [{"role": "user", "content": "hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", w.Code, w.Body.String())
	}
	var resp chat.CompletionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Model != "m1" {
		t.Errorf("model = %q, want configured default", resp.Model)
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty messages", `{"model": "m1", "messages": []}`, http.StatusBadRequest},
		{"bad role", `{"model": "m1", "messages": [{"role": "tool", "content": "x"}]}`, http.StatusBadRequest},
		{"unknown mode", `{"model": "m1", "mode": "debug", "messages": [{"role": "user", "content": "x"}]}`, http.StatusBadRequest},
		{"temperature range", `{"model": "m1", "temperature": 3.0, "messages": [{"role": "user", "content": "x"}]}`, http.StatusBadRequest},
		{"negative max_tokens", `{"model": "m1", "max_tokens": -1, "messages": [{"role": "user", "content": "x"}]}`, http.StatusBadRequest},
		{"malformed json", `{"model": `, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, &fakeInvoker{}, config.ServerConfig{})
			w := postCompletion(t, s.Handler(), tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body: %s)", w.Code, tt.want, w.Body.String())
			}
			var envelope struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
					Code    int    `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
				t.Fatal(err)
			}
			if envelope.Error.Type != "invalid_request_error" {
				t.Errorf("error type = %q, want invalid_request_error", envelope.Error.Type)
			}
			if envelope.Error.Code != tt.want {
				t.Errorf("error code = %d, want %d", envelope.Error.Code, tt.want)
			}
		})
	}
}

func TestChatCompletionsRuntimeDown(t *testing.T) {
	inv := &fakeInvoker{err: &llm.ClientError{Type: llm.ErrTypeUnavailable, Message: "connection refused"}}
	s, store := newTestServer(t, inv, config.ServerConfig{})

	w := postCompletion(t, s.Handler(), `{
		"model": "m1",
		"messages": [{"role": "user", "content": "hi"}],
		"thread_id": "t1"
	}`)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "model runtime unavailable") {
		t.Errorf("body = %s, want classified unavailability message", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to client")
	}

	msgs, _ := store.Get(context.Background(), "t1")
	if len(msgs) != 0 {
		t.Error("failed request persisted history")
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestChatCompletionsStreaming(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{reply: "one two three"}, config.ServerConfig{})

	w := postCompletion(t, s.Handler(), `{
		"model": "m1",
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}],
		"thread_id": "t1"
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	raw := w.Body.String()
	if got := strings.Count(raw, "data: [DONE]"); got != 1 {
		t.Fatalf("[DONE] sentinel count = %d, want exactly 1", got)
	}

	var content strings.Builder
	sawRole := false
	for _, event := range strings.Split(raw, "\n\n") {
		payload, ok := strings.CutPrefix(event, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var c chat.CompletionChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("malformed chunk %q: %v", payload, err)
		}
		if c.Choices[0].Delta.Role == chat.RoleAssistant {
			sawRole = true
		}
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if !sawRole {
		t.Error("no role delta in stream")
	}
	if content.String() != "one two three" {
		t.Errorf("reassembled content = %q, want full reply", content.String())
	}
}

func TestChatCompletionsStreamingError(t *testing.T) {
	inv := &fakeInvoker{err: &llm.ClientError{Type: llm.ErrTypeUnavailable, Message: "down"}}
	s, _ := newTestServer(t, inv, config.ServerConfig{})

	w := postCompletion(t, s.Handler(), `{
		"model": "m1",
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}],
		"thread_id": "t1"
	}`)

	raw := w.Body.String()
	if !strings.Contains(raw, `"finish_reason":"error"`) {
		t.Errorf("stream = %s, want in-band error delta", raw)
	}
	if got := strings.Count(raw, "data: [DONE]"); got != 1 {
		t.Errorf("[DONE] sentinel count = %d, want 1 after error", got)
	}
}

// =============================================================================
// MODELS AND HEALTH
// =============================================================================

func TestModels(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{models: []string{"gemma3:27b", "llama3"}}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp ModelsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Errorf("response = %+v, want list of 2 models", resp)
	}
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{models: []string{"m1"}}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var health HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.RuntimeStatus != "ok" {
		t.Errorf("health = %+v, want ok/ok", health)
	}
	if len(health.Modes) == 0 {
		t.Error("health response missing mode list")
	}
}

func TestHealthDegraded(t *testing.T) {
	inv := &fakeInvoker{err: &llm.ClientError{Type: llm.ErrTypeUnavailable, Message: "down"}}
	s, _ := newTestServer(t, inv, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var health HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "degraded" || health.RuntimeStatus != "unavailable" {
		t.Errorf("health = %+v, want degraded runtime", health)
	}
}

// =============================================================================
// CONVERSATIONS AND ADMIN
// =============================================================================

func TestGetConversation(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{reply: "hello Ada"}, config.ServerConfig{})
	handler := s.Handler()

	postCompletion(t, handler, `{
		"model": "m1",
		"messages": [{"role": "user", "content": "I am Ada"}],
		"thread_id": "t9"
	}`)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/t9", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var conv ConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}
	if conv.ThreadID != "t9" {
		t.Errorf("thread_id = %q, want t9", conv.ThreadID)
	}
	// system prompt + user + assistant
	if conv.Count != 3 {
		t.Errorf("count = %d, want 3", conv.Count)
	}
}

func TestGetConversationUnknownThread(t *testing.T) {
	s, _ := newTestServer(t, &fakeInvoker{}, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/nope", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with empty history", w.Code)
	}
	var conv ConversationResponse
	if err := json.Unmarshal(w.Body.Bytes(), &conv); err != nil {
		t.Fatal(err)
	}
	if conv.Count != 0 || len(conv.Messages) != 0 {
		t.Errorf("conversation = %+v, want empty", conv)
	}
}

func TestClearMemory(t *testing.T) {
	s, store := newTestServer(t, &fakeInvoker{reply: "hi"}, config.ServerConfig{})
	handler := s.Handler()

	postCompletion(t, handler, `{"model": "m1", "messages": [{"role": "user", "content": "x"}], "thread_id": "t1"}`)
	postCompletion(t, handler, `{"model": "m1", "messages": [{"role": "user", "content": "y"}], "thread_id": "t2"}`)

	req := httptest.NewRequest(http.MethodDelete, "/admin/memory/t1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	ctx := context.Background()
	if msgs, _ := store.Get(ctx, "t1"); msgs != nil {
		t.Error("t1 still present after clear")
	}
	if msgs, _ := store.Get(ctx, "t2"); msgs == nil {
		t.Error("t2 cleared by single-thread delete")
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/memory", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if msgs, _ := store.Get(ctx, "t2"); msgs != nil {
		t.Error("t2 survived clear-all")
	}
}

// =============================================================================
// AUTH
// =============================================================================

func TestAuthBearerToken(t *testing.T) {
	cfg := config.ServerConfig{AuthToken: "secret-token"}
	s, _ := newTestServer(t, &fakeInvoker{reply: "ok"}, cfg)
	handler := s.Handler()

	// Missing token.
	w := postCompletion(t, handler, `{"model": "m1", "messages": [{"role": "user", "content": "x"}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", w.Code)
	}
	var flat map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &flat); err != nil {
		t.Fatal(err)
	}
	if flat["error"] == "" {
		t.Error("auth failure body missing flat error field")
	}

	// Wrong token.
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "m1", "messages": [{"role": "user", "content": "x"}]}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with wrong token = %d, want 401", rec.Code)
	}

	// Correct token.
	req = httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "m1", "messages": [{"role": "user", "content": "x"}]}`))
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with valid token = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestAuthCIDRAllowlist(t *testing.T) {
	cfg := config.ServerConfig{AllowedCIDRs: []string{"10.0.0.0/8"}}
	s, _ := newTestServer(t, &fakeInvoker{reply: "ok"}, cfg)
	handler := s.Handler()

	// httptest requests originate from 192.0.2.1, outside the allowlist.
	w := postCompletion(t, handler, `{"model": "m1", "messages": [{"role": "user", "content": "x"}]}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status from blocked source = %d, want 403", w.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model": "m1", "messages": [{"role": "user", "content": "x"}]}`))
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status from allowed source = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestValidateBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
		want     bool
	}{
		{"match", "abc", "abc", true},
		{"mismatch", "abc", "abd", false},
		{"empty token", "", "abc", false},
		{"empty expected", "abc", "", false},
		{"both empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateBearerToken(tt.token, tt.expected); got != tt.want {
				t.Errorf("ValidateBearerToken = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimit(t *testing.T) {
	cfg := config.ServerConfig{RateLimit: 2}
	s, _ := newTestServer(t, &fakeInvoker{models: []string{"m1"}}, cfg)
	handler := s.Handler()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:1000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("first two requests = %v, want 200s", codes[:2])
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}
