// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs the chat orchestration state machine.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/constructd/internal/chat"
	"github.com/jeranaias/constructd/internal/format"
	"github.com/jeranaias/constructd/internal/llm"
	"github.com/jeranaias/constructd/internal/memory"
	"github.com/jeranaias/constructd/internal/mode"
	"github.com/jeranaias/constructd/internal/persona"
	"github.com/jeranaias/constructd/internal/tokens"
)

// =============================================================================
// STAGES
// =============================================================================

// Stage identifies a position in the pipeline state machine.
type Stage int

const (
	StageContextPrepared Stage = iota
	StageSystemPromptInjected
	StageModelInvoked
	StageResponseFormatted
	StageDone
	StageFailed
)

// String returns the stage name for logs.
func (s Stage) String() string {
	switch s {
	case StageContextPrepared:
		return "context_prepared"
	case StageSystemPromptInjected:
		return "system_prompt_injected"
	case StageModelInvoked:
		return "model_invoked"
	case StageResponseFormatted:
		return "response_formatted"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	}
	return "unknown"
}

// =============================================================================
// REQUEST AND STATE
// =============================================================================

// Request is the validated input for one pipeline run. The boundary layer
// fills defaults (thread id, mode) before calling Run.
type Request struct {
	Model       string
	Messages    []chat.Message
	Temperature *float64
	MaxTokens   int
	Stream      bool
	ThreadID    string
	Mode        mode.Mode
	ConstructID string

	// UserID is the authenticated caller, supplied by the boundary. The
	// pipeline records it for logging only.
	UserID string
}

// State is the record threaded through the stages of one run. Created
// fresh per request; the merged message sequence outlives it through the
// memory store checkpoint.
type State struct {
	Stage   Stage
	Request Request

	// Messages is the full per-thread sequence: stored history plus the
	// new turns, with the system prompt prepended by the injection stage
	// when needed.
	Messages []chat.Message

	// NewMessages are the turns contributed by this request, checkpointed
	// together with the reply after Done.
	NewMessages []chat.Message

	SystemPrompt string
	Persona      *persona.Persona

	ResponseText string
	Usage        llm.Usage
	Response     *chat.CompletionResponse

	Err error
}

// ValidationError reports a bad request field. The boundary maps it to a
// 4xx response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Message)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config configures the orchestrator.
type Config struct {
	// MaxRetries bounds the invocation retry on transient unavailability.
	MaxRetries int

	// RetryBackoff is slept before each retry.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{MaxRetries: 1, RetryBackoff: 500 * time.Millisecond}
}

// Orchestrator drives one request through the stage chain. All collaborators
// are injected at construction and shared across requests; per-request state
// lives in State.
type Orchestrator struct {
	formatter *format.Formatter
	invoker   llm.Invoker
	store     memory.Store
	loader    persona.Loader
	counter   *tokens.Counter
	logger    *zap.Logger

	cfg Config

	// locks serializes whole turns per thread id so concurrent requests
	// cannot interleave one thread's history.
	locks *memory.KeyedMutex
}

// New creates an orchestrator.
func New(formatter *format.Formatter, invoker llm.Invoker, store memory.Store, loader persona.Loader, counter *tokens.Counter, logger *zap.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if loader == nil {
		loader = persona.NopLoader{}
	}
	return &Orchestrator{
		formatter: formatter,
		invoker:   invoker,
		store:     store,
		loader:    loader,
		counter:   counter,
		logger:    logger,
		cfg:       cfg,
		locks:     memory.NewKeyedMutex(),
	}
}

// Run executes the stage chain for req. The returned state is either Done
// with a populated Response, or Failed with Err set. Errors never escape as
// panics or partial states.
//
// History is merged before the first stage and checkpointed only after the
// model reply is formatted; a failed run leaves the thread's stored history
// untouched.
func (o *Orchestrator) Run(ctx context.Context, req Request) *State {
	unlock := o.locks.Lock(req.ThreadID)
	defer unlock()

	state := &State{Stage: StageContextPrepared, Request: req}

	stages := []func(context.Context, *State) error{
		o.prepareContext,
		o.injectSystemPrompt,
		o.invokeModel,
		o.formatResponse,
	}
	order := []Stage{StageContextPrepared, StageSystemPromptInjected, StageModelInvoked, StageResponseFormatted}

	for i, stage := range stages {
		state.Stage = order[i]
		if err := stage(ctx, state); err != nil {
			state.Err = err
			state.Stage = StageFailed
			o.logger.Error("pipeline stage failed",
				zap.String("stage", order[i].String()),
				zap.String("thread_id", req.ThreadID),
				zap.Error(err))
			return state
		}
	}

	if err := o.checkpoint(ctx, state); err != nil {
		state.Err = err
		state.Stage = StageFailed
		o.logger.Error("history checkpoint failed, thread continuity at risk",
			zap.String("thread_id", req.ThreadID),
			zap.Error(err))
		return state
	}

	state.Stage = StageDone
	return state
}

// =============================================================================
// STAGE: CONTEXT PREPARATION
// =============================================================================

// prepareContext validates request metadata, formats the new turns, and
// merges them with the thread's stored history.
func (o *Orchestrator) prepareContext(ctx context.Context, state *State) error {
	req := state.Request

	if strings.TrimSpace(req.Model) == "" {
		return &ValidationError{Field: "model", Message: "must not be empty"}
	}
	if req.ThreadID == "" {
		return &ValidationError{Field: "thread_id", Message: "must not be empty"}
	}
	if !mode.Known(req.Mode) {
		return &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown mode %q", req.Mode)}
	}
	if len(req.Messages) == 0 {
		return &ValidationError{Field: "messages", Message: "must not be empty"}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return &ValidationError{Field: "temperature", Message: "must be between 0.0 and 2.0"}
	}

	newMsgs, systemPrompt, p := o.formatter.Convert(ctx, req.Messages, o.loader, req.ConstructID, req.Mode)
	state.NewMessages = newMsgs
	state.SystemPrompt = systemPrompt
	state.Persona = p

	history, err := o.store.Get(ctx, req.ThreadID)
	if err != nil {
		return err
	}

	state.Messages = make([]chat.Message, 0, len(history)+len(newMsgs))
	state.Messages = append(state.Messages, history...)
	state.Messages = append(state.Messages, newMsgs...)

	o.logger.Debug("context prepared",
		zap.String("thread_id", req.ThreadID),
		zap.String("mode", string(req.Mode)),
		zap.Int("history_messages", len(history)),
		zap.Int("new_messages", len(newMsgs)),
		zap.Bool("stream", req.Stream))
	return nil
}

// =============================================================================
// STAGE: SYSTEM PROMPT INJECTION
// =============================================================================

// injectSystemPrompt prepends the rendered prompt unless the merged
// sequence already carries a system message from stored history. One system
// message per thread, never two.
func (o *Orchestrator) injectSystemPrompt(ctx context.Context, state *State) error {
	if chat.HasSystemMessage(state.Messages) {
		o.logger.Debug("system message already present, skipping injection",
			zap.String("thread_id", state.Request.ThreadID))
		return nil
	}

	sys := chat.NewSystemMessage(state.SystemPrompt)
	state.Messages = append([]chat.Message{sys}, state.Messages...)
	// The system prompt is part of this turn's contribution so fresh
	// threads persist it.
	state.NewMessages = append([]chat.Message{sys}, state.NewMessages...)
	return nil
}

// =============================================================================
// STAGE: MODEL INVOCATION
// =============================================================================

// invokeModel resolves sampling parameters and calls the adapter, with a
// bounded retry on transient unavailability and a plain-completion fallback
// on capability rejection.
func (o *Orchestrator) invokeModel(ctx context.Context, state *State) error {
	opts := o.resolveOptions(state)

	text, usage, err := o.tryInvoke(ctx, state, opts)
	if llm.IsCapabilityUnsupported(err) {
		o.logger.Warn("model rejected capability, falling back to plain completion",
			zap.String("model", state.Request.Model),
			zap.Error(err))
		opts.PlainCompletion = true
		text, usage, err = o.tryInvoke(ctx, state, opts)
	}
	if err != nil {
		return err
	}

	state.ResponseText = text
	state.Usage = usage
	return nil
}

// tryInvoke performs the adapter call with the configured retry policy.
func (o *Orchestrator) tryInvoke(ctx context.Context, state *State, opts llm.Options) (string, llm.Usage, error) {
	var (
		text  string
		usage llm.Usage
		err   error
	)
	for attempt := 0; ; attempt++ {
		text, usage, err = o.callAdapter(ctx, state, opts)
		if err == nil || !llm.IsUnavailable(err) || attempt >= o.cfg.MaxRetries {
			return text, usage, err
		}

		o.logger.Warn("model runtime unavailable, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return "", llm.Usage{}, err
		case <-time.After(o.cfg.RetryBackoff):
		}
	}
}

// callAdapter issues one adapter call. Streaming requests pull the
// completion incrementally and accumulate it; the encoder re-chunks it for
// the wire later.
func (o *Orchestrator) callAdapter(ctx context.Context, state *State, opts llm.Options) (string, llm.Usage, error) {
	if !state.Request.Stream {
		return o.invoker.Chat(ctx, state.Request.Model, state.Messages, opts)
	}

	var b strings.Builder
	var usage llm.Usage
	err := o.invoker.ChatStream(ctx, state.Request.Model, state.Messages, opts, func(c llm.StreamChunk) {
		b.WriteString(c.Content)
		if c.Done {
			usage = c.Usage
		}
	})
	if err != nil {
		return "", llm.Usage{}, err
	}
	return b.String(), usage, nil
}

// resolveOptions layers sampling parameters: request override beats persona
// override beats the mode default.
func (o *Orchestrator) resolveOptions(state *State) llm.Options {
	temp := mode.Temperature(state.Request.Mode)
	if state.Persona != nil && state.Persona.Temperature != nil {
		temp = *state.Persona.Temperature
	}
	if state.Request.Temperature != nil {
		temp = *state.Request.Temperature
	}

	opts := llm.Options{
		Temperature: &temp,
		MaxTokens:   state.Request.MaxTokens,
	}
	if state.Persona != nil {
		opts.TopP = state.Persona.TopP
		opts.RepeatPenalty = state.Persona.RepeatPenalty
	}
	return opts
}

// =============================================================================
// STAGE: RESPONSE FORMATTING
// =============================================================================

// formatResponse wraps the completion text into the response envelope and
// fills token usage, estimating when the runtime reported no counts.
func (o *Orchestrator) formatResponse(ctx context.Context, state *State) error {
	promptTokens := state.Usage.PromptTokens
	if promptTokens == 0 {
		promptTokens = o.counter.CountMessages(state.Messages)
	}
	completionTokens := state.Usage.CompletionTokens
	if completionTokens == 0 {
		completionTokens = o.counter.Count(state.ResponseText)
	}

	state.Response = &chat.CompletionResponse{
		ID:      newResponseID(),
		Object:  chat.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   state.Request.Model,
		Choices: []chat.Choice{{
			Index:        0,
			Message:      chat.NewAssistantMessage(state.ResponseText),
			FinishReason: chat.FinishStop,
		}},
		Usage: chat.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
	return nil
}

// checkpoint persists this turn's contribution plus the model reply.
func (o *Orchestrator) checkpoint(ctx context.Context, state *State) error {
	turn := make([]chat.Message, 0, len(state.NewMessages)+1)
	turn = append(turn, state.NewMessages...)
	turn = append(turn, chat.NewAssistantMessage(state.ResponseText))

	_, err := o.store.MergeAndSave(ctx, state.Request.ThreadID, turn)
	return err
}

// newResponseID generates a completion envelope id.
func newResponseID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
