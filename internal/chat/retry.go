package chat

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds automatic reconnects after a connection failure.
type RetryPolicy struct {
	// InitialInterval is the wait before the first redial
	InitialInterval time.Duration

	// MaxInterval caps the wait between redials
	MaxInterval time.Duration

	// MaxAttempts is the number of consecutive failed attempts after which
	// the transport gives up and reports Failed. Zero means never give up.
	// A socket that drops before StableAfter counts as a failed attempt.
	MaxAttempts int

	// StableAfter is how long a socket must stay open before its drop
	// resets the budget. Zero means defaultStableAfter.
	StableAfter time.Duration
}

const defaultStableAfter = 5 * time.Second

// DefaultRetryPolicy is used when a Client is built without one.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	MaxAttempts:     10,
	StableAfter:     defaultStableAfter,
}

func (p RetryPolicy) stableAfter() time.Duration {
	if p.StableAfter > 0 {
		return p.StableAfter
	}
	return defaultStableAfter
}

// newBackOff builds a fresh schedule. The exponential part never stops on
// its own; only MaxAttempts ends the sequence.
func (p RetryPolicy) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		exp.MaxInterval = p.MaxInterval
	}
	exp.MaxElapsedTime = 0
	exp.Reset()

	if p.MaxAttempts > 0 {
		// WithMaxRetries counts retries, the first dial is not one of them
		return backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
	}
	return exp
}
