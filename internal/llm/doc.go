// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package llm wraps model runtimes behind the Invoker interface.
//
// Two implementations exist: LocalClient for an Ollama-compatible local
// runtime and CloudClient for any OpenAI-compatible remote endpoint. Both
// report failures through the shared ClientError taxonomy so the pipeline
// can distinguish "runtime down" from "feature unsupported".
//
// # Key Types
//
//   - Invoker: blocking and streaming completion interface
//   - LocalClient: HTTP client for the local runtime
//   - CloudClient: remote fallback client
//   - ClientError: typed error with sentinel mapping
//
// # Usage
//
//	client := llm.NewLocalClient(llm.DefaultLocalConfig())
//	text, usage, err := client.Chat(ctx, "gemma3:27b", msgs, llm.Options{})
//	if llm.IsUnavailable(err) {
//	    // runtime is down or timed out
//	}
package llm
