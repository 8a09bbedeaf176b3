package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/loqalabs/hotline/internal/protocol"
)

// Error is a classified backend failure.
type Error struct {
	Kind   protocol.ProviderErrorKind
	Status int
	Err    error
	// Terminal marks failures that must not be retried regardless of kind.
	Terminal bool
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (HTTP %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the request may succeed if repeated.
func (e *Error) Retryable() bool {
	if e.Terminal {
		return false
	}
	switch e.Kind {
	case protocol.ProviderNetwork, protocol.ProviderTimeout, protocol.ProviderServerError, protocol.ProviderRateLimited:
		return true
	}
	return false
}

// Event converts the failure into a terminal transcription event.
func (e *Error) Event() protocol.Event {
	return protocol.Failure(e.Kind, e.Error())
}

// AsEvent classifies any error into a terminal event.
func AsEvent(err error) protocol.Event {
	return classifyTransport(err).Event()
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// classifyStatus maps a non-2xx HTTP response to an Error.
func classifyStatus(status int, body []byte) *Error {
	message := strings.TrimSpace(string(body))
	var parsed apiErrorBody
	if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
		message = parsed.Error.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}
	err := &Error{Status: status, Err: errors.New(message)}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err.Kind = protocol.ProviderAuthentication
	case status == http.StatusTooManyRequests:
		err.Kind = protocol.ProviderRateLimited
		// An exhausted quota will not recover by waiting.
		err.Terminal = parsed.Error.Code == "insufficient_quota"
	case status == http.StatusRequestTimeout:
		err.Kind = protocol.ProviderTimeout
	case status >= 500:
		err.Kind = protocol.ProviderServerError
	default:
		err.Kind = protocol.ProviderServerError
		err.Terminal = true
	}
	return err
}

// classifyTransport maps a transport-level failure to an Error.
func classifyTransport(err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: protocol.ProviderTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: protocol.ProviderTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: protocol.ProviderNetwork, Err: err, Terminal: true}
	}
	// Resets, refused connections and truncated bodies are all transient.
	return &Error{Kind: protocol.ProviderNetwork, Err: err}
}
