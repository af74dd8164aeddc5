package protocol

import (
	"errors"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
)

// RetryPolicy advises callers whether a failed send is worth retrying
// and how long to wait. The handler itself never retries sends;
// callers compose the policy into their own loops.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (1-based) should be retried
	// after err.
	ShouldRetry(attempt int, err error) bool

	// NextDelay returns the delay before the given attempt.
	NextDelay(attempt int) time.Duration

	// MaxAttempts returns the attempt ceiling.
	MaxAttempts() int
}

// ExponentialBackoffPolicy retries transient protocol errors with
// exponential backoff, doubling from Base and capping at Max.
type ExponentialBackoffPolicy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// NewExponentialBackoffPolicy creates a policy with the given base
// delay and attempt ceiling, capping delays at 30s.
func NewExponentialBackoffPolicy(base time.Duration, attempts int) *ExponentialBackoffPolicy {
	return &ExponentialBackoffPolicy{Base: base, Max: 30 * time.Second, Attempts: attempts}
}

// ShouldRetry allows retries only for the transient protocol error
// codes (TIMEOUT, INTERNAL_ERROR, RATE_LIMITED). Errors that are not
// protocol errors are treated as internal and retried.
func (p *ExponentialBackoffPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt >= p.Attempts {
		return false
	}
	var perr *contracts.ProtocolError
	if errors.As(err, &perr) {
		return contracts.ShouldRetryCode(perr.Code)
	}
	return true
}

// NextDelay returns the backoff delay for the given attempt.
func (p *ExponentialBackoffPolicy) NextDelay(attempt int) time.Duration {
	delay := contracts.Backoff(attempt, p.Base)
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// MaxAttempts returns the attempt ceiling.
func (p *ExponentialBackoffPolicy) MaxAttempts() int {
	return p.Attempts
}
