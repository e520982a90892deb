// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package format converts inbound chat turns into the internal message
// sequence and obtains the rendered system prompt.
package format

import (
	"context"

	"go.uber.org/zap"

	"github.com/jeranaias/constructd/internal/chat"
	"github.com/jeranaias/constructd/internal/mode"
	"github.com/jeranaias/constructd/internal/persona"
	"github.com/jeranaias/constructd/internal/prompt"
)

// Formatter builds message sequences and system prompts for the pipeline.
type Formatter struct {
	renderer *prompt.Renderer
	logger   *zap.Logger
}

// New creates a formatter.
func New(renderer *prompt.Renderer, logger *zap.Logger) *Formatter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Formatter{renderer: renderer, logger: logger}
}

// Convert maps inbound turns to the internal sequence, renders the system
// prompt, and returns the loaded persona (nil when absent) so the caller
// can apply its sampling overrides.
//
// A leading system turn becomes custom instructions and is excluded from
// the returned sequence. Persona load failures degrade to no persona.
// Turns with unrecognized roles are logged and dropped. The system prompt
// is returned separately; the injection stage decides whether to prepend
// it.
func (f *Formatter) Convert(ctx context.Context, turns []chat.Message, loader persona.Loader, personaID string, m mode.Mode) ([]chat.Message, string, *persona.Persona) {
	customInstructions := ""
	if len(turns) > 0 && turns[0].Role == chat.RoleSystem {
		customInstructions = turns[0].Content
		turns = turns[1:]
	}

	var p *persona.Persona
	if personaID != "" && loader != nil {
		loaded, err := loader.Get(ctx, personaID)
		if err != nil {
			f.logger.Warn("persona load failed, continuing without persona",
				zap.String("persona_id", personaID), zap.Error(err))
		} else if loaded == nil {
			f.logger.Warn("persona not found, continuing without persona",
				zap.String("persona_id", personaID))
		} else {
			p = loaded
		}
	}

	systemPrompt := f.renderer.Render(m, p, personaID, customInstructions, nil)

	msgs := make([]chat.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case chat.RoleUser, chat.RoleAssistant:
			msgs = append(msgs, t)
		default:
			f.logger.Warn("dropping turn with unrecognized role",
				zap.String("role", t.Role))
		}
	}

	return msgs, systemPrompt, p
}
