// Package retry classifies stream failures and schedules re-attempts with
// jittered exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"scriptstream/internal/transport"
)

const (
	jitterMin  = 0.85
	jitterSpan = 0.30
)

// Policy bounds the retry loop for one logical request.
type Policy struct {
	// MaxRetries is the number of re-attempts after the initial one.
	MaxRetries int
	// BaseDelay is the backoff base; the delay for 0-based attempt k is
	// BaseDelay * 2^k * jitter, jitter in [0.85, 1.15).
	BaseDelay time.Duration

	// Sleep overrides how backoff waits are performed. Tests use it to run
	// without real delays. Nil means a timer governed by ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the stock policy: 3 retries, 1s base.
func Default() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second}
}

// Delay computes the jittered backoff before re-attempt number attempt
// (0-based). Callers only ask while attempt < MaxRetries.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base << uint(attempt)
	jitter := jitterMin + rand.Float64()*jitterSpan
	return time.Duration(float64(d) * jitter)
}

// Wait sleeps out the backoff for the given attempt. A positive hint (the
// server's Retry-After) replaces the computed delay. Cancellation cuts the
// wait short and returns the context's cause.
func (p Policy) Wait(ctx context.Context, attempt int, hint time.Duration) error {
	d := p.Delay(attempt)
	if hint > 0 {
		d = hint
	}
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-timer.C:
		return nil
	}
}

// Retryable reports whether a failed attempt may be re-run: rate limiting,
// request timeout, server-side 5xx, and transport-level network trouble.
// Cancellation and the remaining 4xx family are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *transport.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case 408, 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
