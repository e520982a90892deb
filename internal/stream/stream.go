// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream encodes completed responses as Server-Sent Events in the
// OpenAI chunk format.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jeranaias/constructd/internal/chat"
	"github.com/jeranaias/constructd/internal/mode"
)

// Sentinel is the literal end-of-stream event.
const Sentinel = "data: [DONE]\n\n"

// Encoder slices a finished response into SSE chunks.
//
// Emission order is fixed: one role-bearing delta, N content deltas, one
// terminal delta with finish_reason "stop", then the [DONE] sentinel exactly
// once. The sequence is finite and not restartable. Cancellation stops
// production before the next chunk.
type Encoder struct {
	// DisableDelay skips the profile's inter-chunk pacing. Tests set this;
	// the delay is a presentation knob, not a correctness property.
	DisableDelay bool
}

// Encode writes the SSE event stream for resp to w.
//
// On cancellation Encode stops without writing further chunks and returns
// the context error. Mid-stream write failures abort the same way, since
// the client is gone.
func (e *Encoder) Encode(ctx context.Context, w io.Writer, resp *chat.CompletionResponse, profile mode.StreamProfile) error {
	flusher, _ := w.(http.Flusher)

	chunk := chat.CompletionChunk{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
	}

	// Initial role delta.
	chunk.Choices = []chat.ChunkChoice{{Delta: chat.Delta{Role: chat.RoleAssistant}}}
	if err := writeEvent(w, flusher, chunk); err != nil {
		return err
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	for _, piece := range Split(content, profile.ChunkSize) {
		if err := e.pause(ctx, profile.Delay); err != nil {
			return err
		}
		chunk.Choices = []chat.ChunkChoice{{Delta: chat.Delta{Content: piece}}}
		if err := writeEvent(w, flusher, chunk); err != nil {
			return err
		}
	}

	// Terminal delta.
	reason := chat.FinishStop
	chunk.Choices = []chat.ChunkChoice{{Delta: chat.Delta{}, FinishReason: &reason}}
	if err := writeEvent(w, flusher, chunk); err != nil {
		return err
	}

	return writeSentinel(w, flusher)
}

// EncodeError emits an in-band error delta followed by the sentinel, so a
// mid-stream failure never leaves the client waiting.
func (e *Encoder) EncodeError(w io.Writer, resp *chat.CompletionResponse, errMsg string) error {
	flusher, _ := w.(http.Flusher)

	reason := chat.FinishError
	chunk := chat.CompletionChunk{
		ID:      resp.ID,
		Object:  chat.ObjectChunk,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: []chat.ChunkChoice{{
			Delta:        chat.Delta{Content: "\n\nError: " + errMsg},
			FinishReason: &reason,
		}},
	}
	if err := writeEvent(w, flusher, chunk); err != nil {
		return err
	}
	return writeSentinel(w, flusher)
}

func (e *Encoder) pause(ctx context.Context, delay time.Duration) error {
	if e.DisableDelay || delay <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func writeEvent(w io.Writer, flusher http.Flusher, chunk chat.CompletionChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func writeSentinel(w io.Writer, flusher http.Flusher) error {
	if _, err := io.WriteString(w, Sentinel); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// =============================================================================
// CONTENT SPLITTING
// =============================================================================

// Split cuts text into word-level increments, grouping words until a piece
// would exceed maxBytes. Every piece except the last keeps its trailing
// space so concatenation reproduces the original text. Empty text yields no
// pieces.
func Split(text string, maxBytes int) []string {
	if text == "" {
		return nil
	}
	if maxBytes <= 0 {
		maxBytes = mode.DefaultStreamProfile.ChunkSize
	}

	words := strings.Split(text, " ")
	var pieces []string
	var b strings.Builder

	for i, word := range words {
		segment := word
		if i < len(words)-1 {
			segment += " "
		}
		if b.Len() > 0 && b.Len()+len(segment) > maxBytes {
			pieces = append(pieces, b.String())
			b.Reset()
		}
		b.WriteString(segment)
	}
	if b.Len() > 0 {
		pieces = append(pieces, b.String())
	}
	return pieces
}
