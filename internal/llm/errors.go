// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package llm

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorType categorizes invocation failures so the orchestrator can decide
// between fallback, retry, and hard failure.
type ErrorType int

const (
	// ErrTypeUnavailable means the model runtime is unreachable or the call
	// timed out.
	ErrTypeUnavailable ErrorType = iota

	// ErrTypeCapability means the model rejected a requested feature; a
	// plain completion may still work.
	ErrTypeCapability

	// ErrTypeModelNotFound means the requested model is not installed.
	ErrTypeModelNotFound

	// ErrTypeInvalidResponse means the runtime returned something
	// unparseable.
	ErrTypeInvalidResponse
)

// Sentinel errors for errors.Is checks.
var (
	ErrUnavailable            = errors.New("model runtime unavailable")
	ErrCapabilityUnsupported  = errors.New("model capability unsupported")
	ErrModelNotFound          = errors.New("model not found")
	ErrInvalidResponse        = errors.New("invalid runtime response")
)

// ClientError is the error returned by invocation clients.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap maps the error type to its sentinel so errors.Is works across
// wrapping.
func (e *ClientError) Unwrap() error {
	switch e.Type {
	case ErrTypeUnavailable:
		return ErrUnavailable
	case ErrTypeCapability:
		return ErrCapabilityUnsupported
	case ErrTypeModelNotFound:
		return ErrModelNotFound
	case ErrTypeInvalidResponse:
		return ErrInvalidResponse
	}
	return e.Cause
}

// IsUnavailable reports whether err indicates an unreachable or timed-out
// runtime.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsCapabilityUnsupported reports whether err indicates a rejected feature.
func IsCapabilityUnsupported(err error) bool {
	return errors.Is(err, ErrCapabilityUnsupported)
}

// IsModelNotFound reports whether err indicates a missing model.
func IsModelNotFound(err error) bool {
	return errors.Is(err, ErrModelNotFound)
}

func unavailable(msg string, cause error) *ClientError {
	return &ClientError{Type: ErrTypeUnavailable, Message: msg, Cause: cause}
}
