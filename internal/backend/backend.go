// Package backend defines the reasoning backend contract and its adapters.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Role is the speaker of a message.
type Role string

const (
	// RoleUser is a prompt sent by the agent.
	RoleUser Role = "user"
	// RoleAssistant is a reply from the backend.
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session history.
type Message struct {
	Role    Role
	Content string
}

// Options tune a single Converse call.
type Options struct {
	// Model overrides the adapter's default model.
	Model string
	// System is the system prompt for the session.
	System string
	// MaxTokens caps the reply length.
	MaxTokens int
	// MaxTurns hints how many turns the session may take.
	MaxTurns int
}

// Reply is the backend's answer to one turn.
type Reply struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
	// StopReason is the backend's completion signal, if it reports one.
	StopReason string
}

// ReasoningBackend is the external model service.
type ReasoningBackend interface {
	// Converse sends prompt after history and returns the reply text.
	// Failures are *Error values.
	Converse(ctx context.Context, history []Message, prompt string, opts Options) (Reply, error)
	// Name identifies the adapter for logs and metrics.
	Name() string
}

// Kind is the failure class of a backend call.
type Kind string

const (
	// KindTimeout means the call did not finish in time.
	KindTimeout Kind = "timeout"
	// KindRateLimited means the backend asked us to slow down.
	KindRateLimited Kind = "rate_limited"
	// KindUnavailable covers 5xx responses and connection failures.
	KindUnavailable Kind = "unavailable"
	// KindAuth means credentials were rejected.
	KindAuth Kind = "auth"
	// KindMalformedRequest means the request itself was rejected.
	KindMalformedRequest Kind = "malformed_request"
)

// Sentinel errors for errors.Is matching against an *Error.
var (
	ErrTimeout          = errors.New("backend timeout")
	ErrRateLimited      = errors.New("backend rate limited")
	ErrUnavailable      = errors.New("backend unavailable")
	ErrAuth             = errors.New("backend authentication failed")
	ErrMalformedRequest = errors.New("backend rejected malformed request")
)

// Error is a typed backend failure.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrMalformedRequest:
		return e.Kind == KindMalformedRequest
	}
	return false
}

// Transient reports whether retrying may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindUnavailable:
		return true
	default:
		return false
	}
}

// IsTransient reports whether err is a transient backend failure.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient()
	}
	return false
}

// FromStatus maps an HTTP status code to a typed error.
func FromStatus(status int, err error) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Kind: KindRateLimited, Status: status, Err: err}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Kind: KindTimeout, Status: status, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: KindAuth, Status: status, Err: err}
	case status >= 500:
		return &Error{Kind: KindUnavailable, Status: status, Err: err}
	default:
		return &Error{Kind: KindMalformedRequest, Status: status, Err: err}
	}
}

// classify maps errors without an HTTP status (context, network) to a typed error.
func classify(err error) *Error {
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return &Error{Kind: KindTimeout, Err: err}
		}
		return &Error{Kind: KindUnavailable, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}
