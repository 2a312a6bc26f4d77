package domain

import (
	"testing"
	"time"
)

func TestRetryPolicy_ShouldRouteToTSQ(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.ShouldRouteToTSQ(2) {
		t.Fatalf("attempt 2 should not exhaust a budget of %d", p.MaxAttempts)
	}
	if !p.ShouldRouteToTSQ(3) {
		t.Fatalf("attempt 3 should exhaust a budget of %d", p.MaxAttempts)
	}
}

func TestRetryPolicy_NextDelay_UsesExplicitSchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:     5,
		BackoffSchedule: []time.Duration{10 * time.Second, 60 * time.Second},
		Multiplier:      2.0,
		MaxDelay:        30 * time.Minute,
	}
	if got := p.NextDelay(1); got != 10*time.Second {
		t.Fatalf("attempt 1: expected 10s, got %v", got)
	}
	if got := p.NextDelay(2); got != 60*time.Second {
		t.Fatalf("attempt 2: expected 60s, got %v", got)
	}
}

func TestRetryPolicy_NextDelay_ExtrapolatesBeyondSchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:     10,
		BackoffSchedule: []time.Duration{10 * time.Second},
		Multiplier:      2.0,
		MaxDelay:        1 * time.Minute,
	}
	d3 := p.NextDelay(3)
	if d3 <= 10*time.Second {
		t.Fatalf("attempt 3 should extrapolate beyond the schedule's last entry, got %v", d3)
	}
	if d3 > p.MaxDelay {
		t.Fatalf("extrapolated delay %v exceeds MaxDelay %v", d3, p.MaxDelay)
	}

	// Far enough out, extrapolation must saturate at MaxDelay.
	if got := p.NextDelay(20); got != p.MaxDelay {
		t.Fatalf("expected saturation at MaxDelay %v, got %v", p.MaxDelay, got)
	}
}

func TestRetryPolicy_NextDelay_ZeroAttemptTreatedAsFirst(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.NextDelay(0) != p.NextDelay(1) {
		t.Fatalf("attempt 0 should be treated the same as attempt 1")
	}
}
