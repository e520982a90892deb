// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API server with OpenAI-compatible
// endpoints.
//
// Endpoints:
//   - POST   /v1/chat/completions          - chat completions, streaming and not
//   - GET    /v1/models                    - list models from the runtime
//   - GET    /v1/conversations/{thread_id} - inspect stored thread history
//   - GET    /health                       - health check
//   - DELETE /admin/memory                 - clear all conversation memory
//   - DELETE /admin/memory/{thread_id}     - clear one thread
//
// Middleware covers bearer token authentication with constant-time
// comparison, a CIDR allowlist, CORS, per-client rate limiting, request
// logging, and panic recovery.
package server
