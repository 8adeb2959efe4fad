package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// ErrorKind classifies failures for retry and circuit-breaker decisions.
type ErrorKind string

const (
	// KindNone marks the absence of an error.
	KindNone ErrorKind = ""
	// KindAuth is a credential or session failure.
	KindAuth ErrorKind = "auth_error"
	// KindDiscoveryIncomplete marks a discovery scan that hit its iteration ceiling.
	KindDiscoveryIncomplete ErrorKind = "discovery_incomplete"
	// KindTimeout is an attempt that exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindTransientNetwork is a connection level failure worth retrying.
	KindTransientNetwork ErrorKind = "transient_network"
	// KindRemoteRejection is an application level refusal from a remote system.
	KindRemoteRejection ErrorKind = "remote_rejection"
	// KindInvalidInput is a malformed request or identifier.
	KindInvalidInput ErrorKind = "invalid_input"
	// KindInvalidArtifact is a capture that failed validation.
	KindInvalidArtifact ErrorKind = "invalid_artifact"
	// KindCircuitBreakerTripped aborts the run after too many consecutive timeouts.
	KindCircuitBreakerTripped ErrorKind = "circuit_breaker_tripped"
	// KindCanceled is a run interrupted by its context.
	KindCanceled ErrorKind = "canceled"
	// KindNotAttempted marks items never dispatched because the run aborted.
	KindNotAttempted ErrorKind = "not_attempted"
)

// Retryable reports whether a failure of this kind may succeed on another attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindTransientNetwork
}

var (
	// ErrCircuitBreakerTripped is returned when consecutive timeouts abort a run.
	ErrCircuitBreakerTripped = &Error{Kind: KindCircuitBreakerTripped, Op: "run", Err: errors.New("too many consecutive timeouts")}
	// ErrMissingCredentials is returned when login is required but no credentials are configured.
	ErrMissingCredentials = &Error{Kind: KindAuth, Op: "login", Err: errors.New("credentials are not configured")}
	// ErrItemListMissing is returned when discovery is skipped and no item list exists.
	ErrItemListMissing = &Error{Kind: KindInvalidInput, Op: "load item list", Err: errors.New("item list file not found")}
)

// Error carries a classification alongside the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Unclassified errors default to KindTransientNetwork.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransientNetwork
}

// IsNetworkError reports whether err looks like a connection level failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
