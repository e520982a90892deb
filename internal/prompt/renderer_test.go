// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jeranaias/constructd/internal/mode"
	"github.com/jeranaias/constructd/internal/persona"
)

func TestRenderDefaults(t *testing.T) {
	r := NewRenderer("", nil)

	out := r.Render(mode.Chat, nil, "", "", nil)
	for _, section := range []string{SectionPersona, SectionMode, SectionIdentity, SectionSafety, SectionSystem} {
		if !strings.Contains(out, section) {
			t.Errorf("Render output missing section %q", section)
		}
	}
	if strings.Contains(out, SectionInstructions) {
		t.Error("Render output contains instructions section without custom instructions")
	}
}

func TestRenderIdempotent(t *testing.T) {
	r := NewRenderer("", nil)
	p := &persona.Persona{ID: "c1", Name: "Aria", Traits: map[string]string{"tone": "warm"}}

	a := r.Render(mode.Roleplay, p, "c1", "be brief", map[string]string{"k": "v"})
	b := r.Render(mode.Roleplay, p, "c1", "be brief", map[string]string{"k": "v"})
	if a != b {
		t.Error("Render is not idempotent for identical inputs")
	}
}

func TestRenderPersonaPreferredOverID(t *testing.T) {
	r := NewRenderer("", nil)
	p := &persona.Persona{ID: "c1", Name: "Aria"}

	out := r.Render(mode.Chat, p, "c1", "", nil)
	if !strings.Contains(out, "You are Aria.") {
		t.Error("Render did not use persona name")
	}
	if strings.Contains(out, "the construct c1") {
		t.Error("Render used id placeholder despite persona being present")
	}
}

func TestRenderIDPlaceholder(t *testing.T) {
	r := NewRenderer("", nil)

	out := r.Render(mode.Chat, nil, "c9", "", nil)
	if !strings.Contains(out, "the construct c9") {
		t.Error("Render missing id-based placeholder for absent persona")
	}
}

func TestRenderCustomInstructionsDelimited(t *testing.T) {
	r := NewRenderer("", nil)

	out := r.Render(mode.Chat, nil, "", "always answer in French", nil)
	idx := strings.Index(out, SectionInstructions)
	if idx < 0 {
		t.Fatal("Render output missing additional-instructions section")
	}
	if !strings.Contains(out[idx:], "always answer in French") {
		t.Error("custom instructions not placed under their section")
	}
}

func TestRenderTraitsOrdered(t *testing.T) {
	r := NewRenderer("", nil)
	p := &persona.Persona{Name: "Aria", Traits: map[string]string{"b": "2", "a": "1"}}

	out := r.Render(mode.Chat, p, "", "", nil)
	if strings.Index(out, "a: 1") > strings.Index(out, "b: 2") {
		t.Error("traits are not rendered in sorted key order")
	}
}

func TestRenderTemplateDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "modes"), 0755); err != nil {
		t.Fatal(err)
	}
	tmpl := "Custom {{.Mode}} voice for {{if .Persona}}{{.Persona.Name}}{{else}}nobody{{end}}."
	if err := os.WriteFile(filepath.Join(dir, "modes", "chat.tmpl"), []byte(tmpl), 0644); err != nil {
		t.Fatal(err)
	}

	r := NewRenderer(dir, nil)
	out := r.Render(mode.Chat, &persona.Persona{Name: "Aria"}, "", "", nil)
	if !strings.Contains(out, "Custom chat voice for Aria.") {
		t.Errorf("Render did not use template file, got:\n%s", out)
	}
}

func TestRenderMissingTemplateDegrades(t *testing.T) {
	r := NewRenderer(t.TempDir(), nil)

	out := r.Render(mode.Story, nil, "", "", nil)
	if !strings.Contains(out, "<!-- template not found: "+filepath.Join("modes", "story.tmpl")+" -->") {
		t.Errorf("missing template did not degrade to placeholder comment, got:\n%s", out)
	}
}
