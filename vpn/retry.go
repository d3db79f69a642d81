package vpn

import (
	"time"

	"github.com/yllada/vpn-orchestrator/common"
)

// RetryPolicy maps an error kind and attempt count to a backoff delay:
// min(base(kind) * 2^attempt, Max), truncated to whole seconds.
type RetryPolicy struct {
	Bases       map[ErrorKind]time.Duration
	DefaultBase time.Duration
	Max         time.Duration
	// RetrySessionErrors keeps SessionInUse and MaxSessions on the retry path.
	RetrySessionErrors bool
}

// DefaultRetryPolicy returns the built-in policy table.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Bases: map[ErrorKind]time.Duration{
			ErrorAuthFailed:     10 * time.Second,
			ErrorPeerAuthFailed: 5 * time.Second,
			ErrorLookupFailed:   5 * time.Second,
			ErrorUnreachable:    5 * time.Second,
		},
		DefaultBase:        10 * time.Second,
		Max:                common.MaxRetryInterval,
		RetrySessionErrors: true,
	}
}

// Base returns the attempt-zero delay of kind.
func (p RetryPolicy) Base(kind ErrorKind) time.Duration {
	if d, ok := p.Bases[kind]; ok && d > 0 {
		return d
	}
	return p.DefaultBase
}

// NextDelay returns the delay before retry number attempt (starting at 0).
// It never decreases as attempt grows and never exceeds Max.
func (p RetryPolicy) NextDelay(kind ErrorKind, attempt int) time.Duration {
	d := p.Base(kind)
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d.Truncate(time.Second)
}

// Retryable reports whether kind leads to another connection attempt when
// its timeout fires. Non-retryable kinds stop the connection instead.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	switch kind {
	case ErrorAuthFailed:
		return false
	case ErrorSessionInUse, ErrorMaxSessions:
		return p.RetrySessionErrors
	default:
		return true
	}
}

// RetryCounter counts consecutive error-triggered retries. The count is shared
// across error kinds and reset on Connected or a fresh connect.
type RetryCounter struct {
	attempt int
}

// Next returns the delay for the current attempt and advances the counter.
func (c *RetryCounter) Next(p RetryPolicy, kind ErrorKind) time.Duration {
	d := p.NextDelay(kind, c.attempt)
	c.attempt++
	return d
}

// Attempt returns the number of delays handed out since the last reset.
func (c *RetryCounter) Attempt() int { return c.attempt }

// Reset sets the counter back to zero.
func (c *RetryCounter) Reset() { c.attempt = 0 }
