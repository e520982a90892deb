// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
)

func newTestClient(handler http.HandlerFunc) (*LocalClient, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := NewLocalClient(LocalConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
	return client, srv
}

func TestChat(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("request path = %q, want /api/chat", r.URL.Path)
		}
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.Stream {
			t.Error("blocking Chat sent stream=true")
		}
		if req.Model != "m1" {
			t.Errorf("model = %q, want m1", req.Model)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "hello there"},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        3,
		})
	})
	defer srv.Close()

	text, usage, err := client.Chat(context.Background(), "m1", []chat.Message{chat.NewUserMessage("hi")}, Options{})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("Chat text = %q, want \"hello there\"", text)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want {12 3}", usage)
	}
}

func TestChatSamplingOptions(t *testing.T) {
	var got wireRequest
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]string{"role": "assistant", "content": "ok"},
			"done":    true,
		})
	})
	defer srv.Close()

	temp := 0.3
	_, _, err := client.Chat(context.Background(), "m1", []chat.Message{chat.NewUserMessage("hi")}, Options{Temperature: &temp, MaxTokens: 64})
	if err != nil {
		t.Fatal(err)
	}
	if got.Options == nil || got.Options.Temperature == nil || *got.Options.Temperature != 0.3 {
		t.Errorf("wire options temperature = %+v, want 0.3", got.Options)
	}
	if got.Options.NumPredict != 64 {
		t.Errorf("wire num_predict = %d, want 64", got.Options.NumPredict)
	}
}

func TestChatModelNotFound(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `model "nope" not found`, http.StatusNotFound)
	})
	defer srv.Close()

	_, _, err := client.Chat(context.Background(), "nope", []chat.Message{chat.NewUserMessage("hi")}, Options{})
	if !IsModelNotFound(err) {
		t.Errorf("Chat error = %v, want model-not-found", err)
	}
}

func TestChatUnavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	srv.Close() // refuse connections from here on
	client := NewLocalClient(LocalConfig{BaseURL: srv.URL, Timeout: time.Second})

	_, _, err := client.Chat(context.Background(), "m1", []chat.Message{chat.NewUserMessage("hi")}, Options{})
	if !IsUnavailable(err) {
		t.Errorf("Chat error = %v, want unavailable", err)
	}
}

func TestChatStream(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("ChatStream sent stream=false")
		}
		for _, word := range []string{"one ", "two ", "three"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", word)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"eval_count":3}`)
	})
	defer srv.Close()

	var chunks []StreamChunk
	err := client.ChatStream(context.Background(), "m1", []chat.Message{chat.NewUserMessage("hi")}, Options{}, func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}

	if len(chunks) != 4 {
		t.Fatalf("got %d chunks, want 4", len(chunks))
	}
	content := ""
	for _, c := range chunks {
		content += c.Content
	}
	if content != "one two three" {
		t.Errorf("accumulated content = %q, want \"one two three\"", content)
	}
	last := chunks[len(chunks)-1]
	if !last.Done || last.Usage.CompletionTokens != 3 {
		t.Errorf("final chunk = %+v, want done with usage", last)
	}
}

func TestChatStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		<-release
	})
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	var chunks int
	done := make(chan error, 1)
	go func() {
		done <- client.ChatStream(ctx, "m1", []chat.Message{chat.NewUserMessage("hi")}, Options{}, func(StreamChunk) {
			chunks++
			cancel()
		})
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("ChatStream returned nil after cancellation")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ChatStream did not return after cancellation")
	}
}

func TestModels(t *testing.T) {
	client, srv := newTestClient(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("request path = %q, want /api/tags", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]string{{"name": "gemma3:27b"}, {"name": "llama3.1"}},
		})
	})
	defer srv.Close()

	names, err := client.Models(context.Background())
	if err != nil {
		t.Fatalf("Models returned error: %v", err)
	}
	if len(names) != 2 || names[0] != "gemma3:27b" {
		t.Errorf("Models = %v, want [gemma3:27b llama3.1]", names)
	}
}

func TestClassifyRuntimeError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorType
	}{
		{`model "x" not found`, ErrTypeModelNotFound},
		{"llama3.1 does not support tools", ErrTypeCapability},
		{"unsupported feature", ErrTypeCapability},
		{"out of memory", ErrTypeUnavailable},
	}

	for _, tt := range tests {
		if got := classifyRuntimeError(tt.msg); got.Type != tt.want {
			t.Errorf("classifyRuntimeError(%q).Type = %v, want %v", tt.msg, got.Type, tt.want)
		}
	}
}

func TestErrorHelpers(t *testing.T) {
	capErr := &ClientError{Type: ErrTypeCapability, Message: "no tools"}
	if !IsCapabilityUnsupported(capErr) {
		t.Error("IsCapabilityUnsupported(capability error) = false")
	}
	if IsUnavailable(capErr) {
		t.Error("IsUnavailable(capability error) = true")
	}

	wrapped := fmt.Errorf("stage failed: %w", unavailable("down", nil))
	if !IsUnavailable(wrapped) {
		t.Error("IsUnavailable did not see through wrapping")
	}
}
