// Package retry holds the per-item retry policy and the run wide circuit breaker.
package retry

import (
	"time"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
)

// Policy decides whether a failed attempt is retried and how long to wait.
type Policy struct {
	base time.Duration
}

// NewLinearPolicy builds a policy whose delay grows linearly with the attempt number.
func NewLinearPolicy(base time.Duration) Policy {
	if base < 0 {
		base = 0
	}
	return Policy{base: base}
}

// ShouldRetry reports whether another attempt is allowed after attempt failed with kind.
func (p Policy) ShouldRetry(attempt, maxAttempts int, kind harvest.ErrorKind) bool {
	if attempt >= maxAttempts {
		return false
	}
	return kind.Retryable()
}

// BackoffDelay returns the wait before the attempt following attempt.
func (p Policy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.base * time.Duration(attempt)
}
