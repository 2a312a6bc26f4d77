package domain

import "errors"

// Sentinel errors for the taxonomy in the design's error-handling section.
// Repositories and services wrap these with fmt.Errorf("op=...: %w", err) so
// callers can still errors.Is against the sentinel.
var (
	// ErrDuplicateCommand is returned when a send violates the
	// (domain, command_id) uniqueness constraint.
	ErrDuplicateCommand = errors.New("duplicate command")
	// ErrCommandNotFound is returned for an unknown (domain, command_id).
	ErrCommandNotFound = errors.New("command not found")
	// ErrProcessNotFound is returned for an unknown (domain, process_id).
	ErrProcessNotFound = errors.New("process not found")
	// ErrInvalidOperation is returned for an operator action attempted
	// against a command in the wrong state (e.g. retry on a completed command).
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrTransient marks a handler failure (or inferred failure) that should
	// be retried with backoff.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks a handler failure that skips retries and moves the
	// command straight to the troubleshooting queue.
	ErrPermanent = errors.New("permanent failure")
	// ErrExhaustedRetries is the internally derived error routed to TSQ once
	// attempts reach max_attempts on a transient failure.
	ErrExhaustedRetries = errors.New("retries exhausted")
	// ErrHandlerMissing is returned when no handler is registered for
	// (domain, command_type).
	ErrHandlerMissing = errors.New("handler missing")
	// ErrQueuePoolExhaustion is returned when a connection pool acquisition
	// times out.
	ErrQueuePoolExhaustion = errors.New("queue pool exhaustion")
	// ErrEmptyBatch is returned by send_batch for an empty command list.
	ErrEmptyBatch = errors.New("batch must contain at least one command")
	// ErrInvalidConfig is returned when configuration violates a hard
	// invariant (e.g. statement_timeout >= visibility_timeout).
	ErrInvalidConfig = errors.New("invalid configuration")
)
