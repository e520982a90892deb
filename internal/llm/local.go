// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// LOCAL CLIENT
// =============================================================================

// LocalConfig configures the local runtime client.
type LocalConfig struct {
	// BaseURL of the runtime API (default http://127.0.0.1:11434).
	BaseURL string

	// Timeout bounds each call. A timeout is reported as unavailable.
	Timeout time.Duration
}

// DefaultLocalConfig returns the default client configuration.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		BaseURL: "http://127.0.0.1:11434",
		Timeout: 120 * time.Second,
	}
}

// LocalClient talks to an Ollama-compatible local runtime over HTTP.
type LocalClient struct {
	baseURL string
	http    *http.Client
}

// NewLocalClient creates a client for the local runtime.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLocalConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLocalConfig().Timeout
	}
	return &LocalClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	NumPredict    int      `json:"num_predict,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *wireOptions  `json:"options,omitempty"`
}

type wireResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func buildWireRequest(model string, msgs []chat.Message, opts Options, stream bool) wireRequest {
	wm := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wm[i] = wireMessage{Role: m.Role, Content: m.Content}
	}

	req := wireRequest{Model: model, Messages: wm, Stream: stream}
	if opts.Temperature != nil || opts.TopP != nil || opts.RepeatPenalty != nil || opts.MaxTokens > 0 {
		req.Options = &wireOptions{
			Temperature:   opts.Temperature,
			TopP:          opts.TopP,
			RepeatPenalty: opts.RepeatPenalty,
			NumPredict:    opts.MaxTokens,
		}
	}
	return req
}

// =============================================================================
// CHAT
// =============================================================================

// Chat implements Invoker.
func (c *LocalClient) Chat(ctx context.Context, model string, msgs []chat.Message, opts Options) (string, Usage, error) {
	body, err := c.post(ctx, "/api/chat", buildWireRequest(model, msgs, opts, false))
	if err != nil {
		return "", Usage{}, err
	}
	defer body.Close()

	var resp wireResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return "", Usage{}, &ClientError{
			Type:    ErrTypeInvalidResponse,
			Message: "failed to decode runtime response",
			Cause:   err,
		}
	}
	if resp.Error != "" {
		return "", Usage{}, classifyRuntimeError(resp.Error)
	}

	usage := Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount}
	return resp.Message.Content, usage, nil
}

// ChatStream implements Invoker. Chunks are newline-delimited JSON objects;
// malformed lines are skipped.
func (c *LocalClient) ChatStream(ctx context.Context, model string, msgs []chat.Message, opts Options, callback StreamCallback) error {
	body, err := c.post(ctx, "/api/chat", buildWireRequest(model, msgs, opts, true))
	if err != nil {
		return err
	}
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var resp wireResponse
			if jsonErr := json.Unmarshal(line, &resp); jsonErr == nil {
				if resp.Error != "" {
					return classifyRuntimeError(resp.Error)
				}
				callback(StreamChunk{
					Content: resp.Message.Content,
					Done:    resp.Done,
					Usage:   Usage{PromptTokens: resp.PromptEvalCount, CompletionTokens: resp.EvalCount},
				})
				if resp.Done {
					return nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return classifyTransportError(err)
		}
	}
}

// Models implements Invoker via the runtime's tag listing.
func (c *LocalClient) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, unavailable("failed to build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(fmt.Sprintf("runtime returned status %d", resp.StatusCode), nil)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode model list", Cause: err}
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *LocalClient) post(ctx context.Context, path string, payload any) (io.ReadCloser, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, unavailable("failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusNotFound {
			return nil, &ClientError{
				Type:    ErrTypeModelNotFound,
				Message: fmt.Sprintf("model not found: %s", strings.TrimSpace(string(msg))),
			}
		}
		return nil, classifyRuntimeError(strings.TrimSpace(string(msg)))
	}

	return resp.Body, nil
}

// classifyTransportError maps network failures onto the error taxonomy.
// Timeouts and refused connections both mean the runtime is unavailable;
// the messages differ so operators know which knob to turn.
func classifyTransportError(err error) *ClientError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return unavailable("model runtime timed out", err)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return unavailable("model runtime timed out", err)
		}
		return unavailable("model runtime unreachable (is it running?)", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return unavailable("model runtime timed out", err)
	}

	return unavailable("model runtime request failed", err)
}

// classifyRuntimeError maps runtime-reported errors onto the taxonomy by
// message content.
func classifyRuntimeError(msg string) *ClientError {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found"):
		return &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	case strings.Contains(lower, "does not support"), strings.Contains(lower, "unsupported"):
		return &ClientError{Type: ErrTypeCapability, Message: msg}
	default:
		return unavailable(msg, nil)
	}
}
