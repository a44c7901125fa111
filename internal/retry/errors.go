// Package retry classifies invocation failures and computes retry timing.
package retry

import (
	"context"
	"errors"
	"fmt"
)

// Kind tags the cause of a provider or executor failure.
type Kind string

const (
	// KindTransport is a network or connection failure.
	KindTransport Kind = "transport"
	// KindRateLimit is a throttling response from the backend.
	KindRateLimit Kind = "rate_limit"
	// KindTimeout is a per-invocation deadline expiry.
	KindTimeout Kind = "timeout"
	// KindMalformedInput is a request the backend rejected as invalid.
	KindMalformedInput Kind = "malformed_input"
	// KindAuth is a credential or permission failure.
	KindAuth Kind = "auth"
	// KindHandled is a failure the caller already dealt with and can continue past.
	KindHandled Kind = "handled"
	// KindUnknown is anything not otherwise tagged.
	KindUnknown Kind = "unknown"
)

// Error attaches a Kind to an underlying failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Mark tags err with kind. A nil err stays nil.
func Mark(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// MarkOp tags err with kind and the operation that produced it.
func MarkOp(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Handled marks err as a failure the run can continue past.
func Handled(err error) error {
	return Mark(KindHandled, err)
}

// KindOf returns the Kind of the outermost tagged error in err's chain.
// Context deadline and cancellation errors are mapped even when untagged.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
