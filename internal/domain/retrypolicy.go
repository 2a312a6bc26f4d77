package domain

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy holds the retry budget and backoff schedule applied to
// transient command failures, generalized to the command bus's per-domain
// retry contract.
type RetryPolicy struct {
	// MaxAttempts is the retry budget; attempts beyond this are routed to the
	// troubleshooting queue as EXHAUSTED.
	MaxAttempts int
	// BackoffSchedule is an explicit, ordered list of visibility-timeout
	// extensions (seconds) applied to attempts 1..len(BackoffSchedule).
	BackoffSchedule []time.Duration
	// Multiplier and MaxDelay drive exponential extrapolation once an attempt
	// exceeds the explicit schedule.
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the default max_attempts and backoff_schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		BackoffSchedule: []time.Duration{10 * time.Second, 60 * time.Second, 300 * time.Second},
		Multiplier:      2.0,
		MaxDelay:        30 * time.Minute,
	}
}

// ShouldRouteToTSQ reports whether a transient failure at the given attempt
// number (1-indexed, post-increment) has exhausted the retry budget.
func (p RetryPolicy) ShouldRouteToTSQ(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// NextDelay computes the visibility-timeout extension to apply after a
// transient failure at the given attempt number. Attempts within the
// explicit schedule use the configured seconds; each attempt beyond it
// multiplies the previous delay by Multiplier (2 when Multiplier is not
// above 1), starting from the schedule's
// last entry (1s for an empty schedule), capped at MaxDelay. The
// backoff.ExponentialBackOff value only carries these settings; its own
// NextBackOff and randomization are not used.
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if idx := attempt - 1; idx < len(p.BackoffSchedule) {
		return p.BackoffSchedule[idx]
	}

	b := backoff.NewExponentialBackOff()
	if last := len(p.BackoffSchedule); last > 0 {
		b.InitialInterval = p.BackoffSchedule[last-1]
	} else {
		b.InitialInterval = time.Second
	}
	b.Multiplier = p.Multiplier
	if b.Multiplier <= 1 {
		b.Multiplier = 2.0
	}
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0 // never give up computing a delay; caller governs attempt count

	extra := attempt - len(p.BackoffSchedule)
	delay := b.InitialInterval
	for i := 0; i < extra; i++ {
		next := time.Duration(float64(delay) * b.Multiplier)
		if next > p.MaxDelay {
			next = p.MaxDelay
		}
		delay = next
	}
	return delay
}
