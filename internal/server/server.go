// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/constructd/internal/chat"
	"github.com/jeranaias/constructd/internal/config"
	"github.com/jeranaias/constructd/internal/llm"
	"github.com/jeranaias/constructd/internal/memory"
	"github.com/jeranaias/constructd/internal/mode"
	"github.com/jeranaias/constructd/internal/pipeline"
	"github.com/jeranaias/constructd/internal/stream"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// MaxRequestBodySize caps the request body to prevent DoS (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxContentLength is the maximum length of a single message body.
	MaxContentLength = 100000

	// MaxTokensLimit is the maximum value for max_tokens.
	MaxTokensLimit = 128000

	// Version is the server version.
	Version = "0.3.0"
)

// validRoles is the accepted role whitelist for inbound turns.
var validRoles = map[string]bool{
	chat.RoleUser:      true,
	chat.RoleAssistant: true,
	chat.RoleSystem:    true,
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP boundary exposing the OpenAI-compatible chat API plus
// conversation inspection and admin endpoints.
type Server struct {
	cfg          config.ServerConfig
	defaultModel string

	orch    *pipeline.Orchestrator
	invoker llm.Invoker
	store   memory.Store
	encoder *stream.Encoder
	logger  *zap.Logger

	router *http.ServeMux
	server *http.Server
}

// New creates a Server wired to its collaborators.
func New(cfg config.ServerConfig, defaultModel string, orch *pipeline.Orchestrator, invoker llm.Invoker, store memory.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:          cfg,
		defaultModel: defaultModel,
		orch:         orch,
		invoker:      invoker,
		store:        store,
		encoder:      &stream.Encoder{},
		logger:       logger,
		router:       http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.router.HandleFunc("GET /v1/models", s.handleModels)
	s.router.HandleFunc("GET /health", s.handleHealth)

	s.router.HandleFunc("GET /v1/conversations/{thread_id}", s.handleGetConversation)
	s.router.HandleFunc("DELETE /admin/memory", s.handleClearAllMemory)
	s.router.HandleFunc("DELETE /admin/memory/{thread_id}", s.handleClearMemory)
}

// Handler returns the fully-wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.logger),
		LoggingMiddleware(s.logger),
		CORSMiddleware(s.corsConfig()),
	}
	if s.cfg.RateLimit > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(NewRateLimiter(s.cfg.RateLimit), s.logger))
	}
	handler := Chain(middlewares...)(s.router)

	auth := &AuthConfig{
		Enabled:      s.cfg.AuthToken != "" || len(s.cfg.AllowedCIDRs) > 0,
		BearerToken:  s.cfg.AuthToken,
		AllowedCIDRs: s.cfg.AllowedCIDRs,
	}
	if auth.Enabled {
		handler = AuthMiddleware(auth, s.logger)(handler)
	}
	return handler
}

func (s *Server) corsConfig() *CORSConfig {
	cors := DefaultCORSConfig()
	if len(s.cfg.CORSOrigins) > 0 {
		cors.AllowedOrigins = s.cfg.CORSOrigins
	}
	return cors
}

// ============================================================================
// WIRE TYPES
// ============================================================================

// ChatCompletionRequest is the inbound chat completion body. The extension
// fields (thread_id, mode, construct_id) are ignored by standard OpenAI
// clients and default when absent.
type ChatCompletionRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`

	ThreadID    string `json:"thread_id,omitempty"`
	Mode        string `json:"mode,omitempty"`
	ConstructID string `json:"construct_id,omitempty"`
	User        string `json:"user,omitempty"`
}

// ModelInfo describes one available model.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the models list response.
type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// HealthResponse is the health check response.
type HealthResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	RuntimeStatus string   `json:"runtime_status"`
	Modes         []string `json:"modes"`
}

// ConversationResponse is the stored history for one thread.
type ConversationResponse struct {
	ThreadID string         `json:"thread_id"`
	Messages []chat.Message `json:"messages"`
	Count    int            `json:"count"`
}

// ============================================================================
// CHAT COMPLETIONS HANDLER
// ============================================================================

// handleChatCompletions handles POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", MaxRequestBodySize))
			return
		}
		s.logger.Debug("malformed request body", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request format")
		return
	}

	if msg, ok := s.validateRequest(&req); !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", msg)
		return
	}
	s.applyDefaults(&req)

	preq := pipeline.Request{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
		ThreadID:    req.ThreadID,
		Mode:        mode.Mode(req.Mode),
		ConstructID: req.ConstructID,
		UserID:      req.User,
	}

	if req.Stream {
		s.handleStreaming(w, r, preq)
		return
	}

	state := s.orch.Run(r.Context(), preq)
	if state.Stage != pipeline.StageDone {
		s.writePipelineError(w, state.Err)
		return
	}
	s.writeJSON(w, http.StatusOK, state.Response)
}

// validateRequest enforces the boundary limits before the pipeline's own
// semantic validation.
func (s *Server) validateRequest(req *ChatCompletionRequest) (string, bool) {
	if len(req.Messages) == 0 {
		return "request must contain at least one message", false
	}
	if len(req.Messages) > MaxMessageCount {
		return fmt.Sprintf("too many messages: maximum is %d", MaxMessageCount), false
	}
	for i, msg := range req.Messages {
		if !validRoles[msg.Role] {
			return fmt.Sprintf("invalid role %q at message %d", msg.Role, i), false
		}
		if len(msg.Content) > MaxContentLength {
			return fmt.Sprintf("message %d exceeds maximum length of %d", i, MaxContentLength), false
		}
	}
	if req.MaxTokens < 0 || req.MaxTokens > MaxTokensLimit {
		return fmt.Sprintf("max_tokens must be between 0 and %d", MaxTokensLimit), false
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0.0 and 2.0", false
	}
	return "", true
}

// applyDefaults fills the extension fields. An absent thread id means a
// fresh single-turn thread; an absent mode means the default conversational
// mode. Unknown modes are not defaulted here: the pipeline rejects them so
// a typo cannot silently change behavior.
func (s *Server) applyDefaults(req *ChatCompletionRequest) {
	if req.Model == "" {
		req.Model = s.defaultModel
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = string(mode.Default)
	}
}

// handleStreaming runs the pipeline and encodes the completion as SSE. A
// pipeline failure after headers are committed is reported in-band as an
// error delta followed by the terminal sentinel.
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, preq pipeline.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	state := s.orch.Run(r.Context(), preq)
	if state.Stage != pipeline.StageDone {
		s.logger.Error("streaming completion failed", zap.Error(state.Err))
		envelope := &chat.CompletionResponse{
			ID:      "chatcmpl-error",
			Object:  chat.ObjectCompletion,
			Created: time.Now().Unix(),
			Model:   preq.Model,
		}
		if err := s.encoder.EncodeError(w, envelope, publicErrorMessage(state.Err)); err != nil {
			s.logger.Debug("error delta write failed", zap.Error(err))
		}
		return
	}

	profile := mode.Streaming(preq.Mode)
	if err := s.encoder.Encode(r.Context(), w, state.Response, profile); err != nil {
		// Client went away mid-stream; nothing more to send.
		s.logger.Debug("stream aborted", zap.Error(err))
	}
}

// ============================================================================
// MODELS HANDLER
// ============================================================================

// handleModels handles GET /v1/models, listing models from the runtime.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names, err := s.invoker.Models(ctx)
	if err != nil {
		s.logger.Warn("model listing failed", zap.Error(err))
		s.writeError(w, http.StatusBadGateway, "server_error", "model runtime unavailable")
		return
	}

	data := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		data = append(data, ModelInfo{ID: name, Object: "model", OwnedBy: "local"})
	}
	s.writeJSON(w, http.StatusOK, ModelsResponse{Object: "list", Data: data})
}

// ============================================================================
// HEALTH HANDLER
// ============================================================================

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	for _, m := range mode.All() {
		health.Modes = append(health.Modes, string(m))
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.invoker.Models(ctx); err != nil {
		health.RuntimeStatus = "unavailable"
		health.Status = "degraded"
	} else {
		health.RuntimeStatus = "ok"
	}

	s.writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// CONVERSATION AND ADMIN HANDLERS
// ============================================================================

// handleGetConversation handles GET /v1/conversations/{thread_id}.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	msgs, err := s.store.Get(r.Context(), threadID)
	if err != nil {
		s.logger.Error("conversation read failed", zap.String("thread_id", threadID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "server_error", "conversation memory unavailable")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	s.writeJSON(w, http.StatusOK, ConversationResponse{
		ThreadID: threadID,
		Messages: msgs,
		Count:    len(msgs),
	})
}

// handleClearMemory handles DELETE /admin/memory/{thread_id}.
func (s *Server) handleClearMemory(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread_id")

	if err := s.store.Clear(r.Context(), threadID); err != nil {
		s.logger.Error("memory clear failed", zap.String("thread_id", threadID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "server_error", "conversation memory unavailable")
		return
	}
	s.logger.Info("thread memory cleared", zap.String("thread_id", threadID))
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "thread_id": threadID})
}

// handleClearAllMemory handles DELETE /admin/memory.
func (s *Server) handleClearAllMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearAll(r.Context()); err != nil {
		s.logger.Error("memory clear failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "server_error", "conversation memory unavailable")
		return
	}
	s.logger.Info("all thread memory cleared")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(s.cfg.RequestTimeoutSecs) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("server starting",
		zap.String("addr", addr),
		zap.String("version", Version))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("server shutting down")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the completion error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}

// writePipelineError maps a failed pipeline state to an HTTP response.
// Validation failures are 400; everything else answers 500 with a
// classified message, full details stay in the log.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	var ve *pipeline.ValidationError
	if errors.As(err, &ve) {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", ve.Error())
		return
	}
	s.writeError(w, http.StatusInternalServerError, "server_error", publicErrorMessage(err))
}

// publicErrorMessage maps internal failures to client-safe text.
func publicErrorMessage(err error) string {
	switch {
	case llm.IsUnavailable(err):
		return "model runtime unavailable"
	case llm.IsModelNotFound(err):
		return "requested model not found"
	case llm.IsCapabilityUnsupported(err):
		return "model does not support the requested operation"
	case errors.Is(err, memory.ErrStore):
		return "conversation memory unavailable"
	default:
		return "request processing failed"
	}
}
