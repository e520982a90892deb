// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/jeranaias/constructd/internal/chat"
)

// =============================================================================
// FALLBACK INVOKER
// =============================================================================

// FallbackInvoker routes to the primary adapter and falls back to the
// secondary when the primary is unavailable. Capability and validation
// errors are not failed over: those are request problems, not runtime
// problems, and the caller's own fallback handles them.
type FallbackInvoker struct {
	primary   Invoker
	secondary Invoker
	logger    *zap.Logger
}

// NewFallbackInvoker creates a FallbackInvoker.
func NewFallbackInvoker(primary, secondary Invoker, logger *zap.Logger) *FallbackInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackInvoker{primary: primary, secondary: secondary, logger: logger}
}

// Chat implements Invoker.
func (f *FallbackInvoker) Chat(ctx context.Context, model string, msgs []chat.Message, opts Options) (string, Usage, error) {
	text, usage, err := f.primary.Chat(ctx, model, msgs, opts)
	if !IsUnavailable(err) {
		return text, usage, err
	}
	f.logger.Warn("primary runtime unavailable, failing over", zap.Error(err))
	return f.secondary.Chat(ctx, model, msgs, opts)
}

// ChatStream implements Invoker. Failover only happens when the primary
// fails before any chunk was delivered; a mid-stream failure surfaces to
// the caller rather than restarting the completion elsewhere.
func (f *FallbackInvoker) ChatStream(ctx context.Context, model string, msgs []chat.Message, opts Options, callback StreamCallback) error {
	delivered := false
	err := f.primary.ChatStream(ctx, model, msgs, opts, func(c StreamChunk) {
		delivered = true
		callback(c)
	})
	if !IsUnavailable(err) || delivered {
		return err
	}
	f.logger.Warn("primary runtime unavailable, failing over", zap.Error(err))
	return f.secondary.ChatStream(ctx, model, msgs, opts, callback)
}

// Models implements Invoker, listing from the primary and falling back to
// the secondary when it cannot be reached.
func (f *FallbackInvoker) Models(ctx context.Context) ([]string, error) {
	models, err := f.primary.Models(ctx)
	if err == nil {
		return models, nil
	}
	return f.secondary.Models(ctx)
}
