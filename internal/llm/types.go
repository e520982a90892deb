// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// INVOKER
// =============================================================================

// Options are the sampling parameters for one invocation. Pointer fields
// are omitted from the wire request when nil so the runtime applies its own
// defaults.
type Options struct {
	Temperature   *float64
	TopP          *float64
	RepeatPenalty *float64
	MaxTokens     int

	// PlainCompletion disables advanced features (tool calling) for the
	// fallback path after a capability rejection.
	PlainCompletion bool
}

// Usage carries the runtime's token accounting for one call. Zero values
// mean the runtime did not report counts and the caller should estimate.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamChunk is one increment of a streaming completion.
type StreamChunk struct {
	Content string
	Done    bool
	Usage   Usage
}

// StreamCallback receives stream chunks in order.
type StreamCallback func(StreamChunk)

// Invoker generates completions for a message sequence. Implementations are
// safe for concurrent use; configuration is immutable after construction and
// each call is independent.
type Invoker interface {
	// Chat produces the full completion text in one blocking call.
	Chat(ctx context.Context, model string, msgs []chat.Message, opts Options) (string, Usage, error)

	// ChatStream produces the completion incrementally, invoking callback
	// for each ordered chunk. Returns after the final chunk or on error.
	ChatStream(ctx context.Context, model string, msgs []chat.Message, opts Options, callback StreamCallback) error

	// Models lists the model names the runtime can serve.
	Models(ctx context.Context) ([]string, error)
}
