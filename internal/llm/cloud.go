// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// CLOUD CLIENT
// =============================================================================

// CloudConfig configures the OpenAI-compatible remote client.
type CloudConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// CloudClient is the remote fallback Invoker. Any OpenAI-compatible
// endpoint works; the base URL defaults to the OpenAI API.
type CloudClient struct {
	client *openai.Client
	model  string
}

// NewCloudClient creates the remote client.
func NewCloudClient(cfg CloudConfig) *CloudClient {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &CloudClient{
		client: openai.NewClientWithConfig(c),
		model:  cfg.Model,
	}
}

func (c *CloudClient) buildRequest(model string, msgs []chat.Message, opts Options, stream bool) openai.ChatCompletionRequest {
	if c.model != "" {
		// Remote deployments pin their own model name.
		model = c.model
	}

	wire := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: wire,
		Stream:   stream,
	}
	if opts.Temperature != nil {
		req.Temperature = float32(*opts.Temperature)
	}
	if opts.TopP != nil {
		req.TopP = float32(*opts.TopP)
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	return req
}

// Chat implements Invoker.
func (c *CloudClient) Chat(ctx context.Context, model string, msgs []chat.Message, opts Options) (string, Usage, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(model, msgs, opts, false))
	if err != nil {
		return "", Usage{}, classifyCloudError(err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, &ClientError{Type: ErrTypeInvalidResponse, Message: "remote returned no choices"}
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// ChatStream implements Invoker.
func (c *CloudClient) ChatStream(ctx context.Context, model string, msgs []chat.Message, opts Options, callback StreamCallback) error {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(model, msgs, opts, true))
	if err != nil {
		return classifyCloudError(err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			callback(StreamChunk{Done: true})
			return nil
		}
		if err != nil {
			return classifyCloudError(err)
		}
		if len(resp.Choices) > 0 {
			callback(StreamChunk{Content: resp.Choices[0].Delta.Content})
		}
	}
}

// Models implements Invoker.
func (c *CloudClient) Models(ctx context.Context) ([]string, error) {
	if c.model != "" {
		return []string{c.model}, nil
	}

	list, err := c.client.ListModels(ctx)
	if err != nil {
		return nil, classifyCloudError(err)
	}
	names := make([]string, len(list.Models))
	for i, m := range list.Models {
		names[i] = m.ID
	}
	return names, nil
}

func classifyCloudError(err error) *ClientError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 404:
			return &ClientError{Type: ErrTypeModelNotFound, Message: apiErr.Message, Cause: err}
		case 400:
			return &ClientError{Type: ErrTypeCapability, Message: apiErr.Message, Cause: err}
		}
		return unavailable(apiErr.Message, err)
	}
	return classifyTransportError(err)
}
