// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tokens estimates token usage for chat responses.
//
// A tiktoken encoding is used when it can be loaded; otherwise a word-count
// heuristic applies. Counts feed the usage block of the response envelope,
// so consistency matters more than exactness.
package tokens

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/jeranaias/constructd/internal/chat"
)

// Encoding is the tiktoken encoding used for precise counts.
const Encoding = "cl100k_base"

// Counter estimates token counts for text.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter creates a counter. The tiktoken encoding load can fail (the
// encoding file may be unavailable offline); the counter then falls back to
// the heuristic.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding(Encoding)
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the estimated token count for text. Never less than 1 for
// non-empty text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimate(text)
}

// CountMessages sums the token estimate over all message contents.
func (c *Counter) CountMessages(msgs []chat.Message) int {
	total := 0
	for _, m := range msgs {
		total += c.Count(m.Content)
	}
	return total
}

// estimate approximates tokens as 1.3 per word plus a bonus for special
// characters, falling back to len/4 when the text has no word boundaries.
func estimate(text string) int {
	words := 0
	inWord := false
	specials := 0
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
			if !isAlnum(r) {
				specials++
			}
		}
	}

	if words == 0 {
		n := len(text) / 4
		if n < 1 {
			n = 1
		}
		return n
	}

	n := int(float64(words)*1.3) + specials/10
	if n < 1 {
		n = 1
	}
	return n
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
