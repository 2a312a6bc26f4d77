// Package domain defines the core entities, ports, and domain-specific
// errors of the command bus. It has no dependency on Postgres, PGMQ, or any
// transport; adapters translate to and from these types.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias to stdlib context.Context for convenience across layers,
// kept distinct from the host language's ambient context so domain signatures
// read the same regardless of which adapter calls them.
type Context = context.Context

// CommandStatus captures the lifecycle state of a command.
type CommandStatus string

// Command status values.
const (
	CommandPending               CommandStatus = "PENDING"
	CommandInProgress            CommandStatus = "IN_PROGRESS"
	CommandCompleted             CommandStatus = "COMPLETED"
	CommandCanceled              CommandStatus = "CANCELED"
	CommandInTroubleshootingQueue CommandStatus = "IN_TROUBLESHOOTING_QUEUE"
)

// IsTerminal reports whether status is a terminal command state.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandCanceled
}

// ErrorKind distinguishes retryable from non-retryable handler failures.
type ErrorKind string

// Error kinds recognized by the worker.
const (
	ErrorKindTransient ErrorKind = "TRANSIENT"
	ErrorKindPermanent ErrorKind = "PERMANENT"
)

// ErrorInfo captures the last error recorded against a command or process.
type ErrorInfo struct {
	Kind    ErrorKind
	Code    string
	Message string
	// Reason is populated only for operator-cancel flows.
	Reason string
}

// Command is the primary operational record, keyed by (Domain, CommandID).
type Command struct {
	Domain        string
	CommandID     string
	CommandType   string
	Status        CommandStatus
	Data          []byte // opaque JSON payload, never interpreted by the core
	Attempts      int
	MaxAttempts   int
	MsgID         *int64 // current queue message id, nil when not enqueued
	ReplyQueue    string
	CorrelationID string
	LastError     *ErrorInfo
	BatchID       *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AuditEventType enumerates the lifecycle events the core appends.
type AuditEventType string

// Audit event kinds.
const (
	AuditSent             AuditEventType = "SENT"
	AuditReceived         AuditEventType = "RECEIVED"
	AuditCompleted        AuditEventType = "COMPLETED"
	AuditFailed           AuditEventType = "FAILED"
	AuditRetryScheduled   AuditEventType = "RETRY_SCHEDULED"
	AuditMovedToTSQ       AuditEventType = "MOVED_TO_TSQ"
	AuditOperatorRetry    AuditEventType = "OPERATOR_RETRY"
	AuditOperatorComplete AuditEventType = "OPERATOR_COMPLETE"
	AuditOperatorCancel   AuditEventType = "OPERATOR_CANCEL"
	AuditBatchStarted     AuditEventType = "BATCH_STARTED"
	AuditBatchCompleted   AuditEventType = "BATCH_COMPLETED"
	AuditProcessStarted     AuditEventType = "PROCESS_STARTED"
	AuditProcessStep        AuditEventType = "PROCESS_STEP"
	AuditProcessCompleted   AuditEventType = "PROCESS_COMPLETED"
	AuditProcessFailed      AuditEventType = "PROCESS_FAILED"
	AuditProcessCompensated AuditEventType = "PROCESS_COMPENSATED"
)

// AuditEvent is an append-only lifecycle record for a command or a process.
type AuditEvent struct {
	ID        string // ULID, sortable by creation time
	Domain    string
	CommandID string // empty when the event is process-scoped
	ProcessID string // empty when the event is command-scoped
	EventType AuditEventType
	Operator  string // set for OPERATOR_* events, empty otherwise
	Details   []byte // opaque JSON
	Timestamp time.Time
}

// BatchType distinguishes command batches from process batches.
type BatchType string

// Batch types.
const (
	BatchTypeCommand BatchType = "COMMAND"
	BatchTypeProcess BatchType = "PROCESS"
)

// BatchStatus captures the lifecycle state of a batch.
type BatchStatus string

// Batch status values.
const (
	BatchPending               BatchStatus = "PENDING"
	BatchInProgress            BatchStatus = "IN_PROGRESS"
	BatchCompleted             BatchStatus = "COMPLETED"
	BatchCompletedWithFailures BatchStatus = "COMPLETED_WITH_FAILURES"
)

// Batch aggregates counters over a set of commands or processes created
// together.
type Batch struct {
	Domain                string
	BatchID               string
	BatchType             BatchType
	Name                  string
	CustomData            []byte
	Status                BatchStatus
	TotalCount            int
	CompletedCount        int
	FailedCount           int
	CanceledCount         int
	InTroubleshootingCount int
	CreatedAt             time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
}

// IsComplete reports whether the batch's terminal counts cover every member.
func (b Batch) IsComplete() bool {
	return b.CompletedCount+b.FailedCount+b.CanceledCount == b.TotalCount && b.InTroubleshootingCount == 0
}

// TerminalStatus computes the batch's final status per the completion rule:
// COMPLETED iff every member succeeded, COMPLETED_WITH_FAILURES otherwise.
func (b Batch) TerminalStatus() BatchStatus {
	if b.FailedCount == 0 && b.CanceledCount == 0 {
		return BatchCompleted
	}
	return BatchCompletedWithFailures
}

// ProcessStatus captures the lifecycle state of a process instance.
type ProcessStatus string

// Process status values.
const (
	ProcessPending        ProcessStatus = "PENDING"
	ProcessInProgress     ProcessStatus = "IN_PROGRESS"
	ProcessWaitingReply   ProcessStatus = "WAITING_FOR_REPLY"
	ProcessWaitingTSQ     ProcessStatus = "WAITING_FOR_TSQ"
	ProcessCompensating   ProcessStatus = "COMPENSATING"
	ProcessCompleted      ProcessStatus = "COMPLETED"
	ProcessCompensated    ProcessStatus = "COMPENSATED"
	ProcessFailed         ProcessStatus = "FAILED"
	ProcessCanceled       ProcessStatus = "CANCELED"
)

// IsTerminal reports whether status is a terminal process state.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessCompleted, ProcessCompensated, ProcessFailed, ProcessCanceled:
		return true
	default:
		return false
	}
}

// Process is an instance of a process manager, driving a multi-step workflow
// via commands and their replies.
type Process struct {
	Domain      string
	ProcessID   string // doubles as CorrelationID of every command it emits
	ProcessType string
	Status      ProcessStatus
	CurrentStep string
	State       []byte // opaque JSON, typed by the concrete manager
	Error       *ErrorInfo
	BatchID     *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ReplyOutcome is the outcome carried by a reply envelope.
type ReplyOutcome string

// Reply outcomes.
const (
	ReplySuccess  ReplyOutcome = "SUCCESS"
	ReplyCanceled ReplyOutcome = "CANCELED"
	ReplyFailed   ReplyOutcome = "FAILED"
)

// ProcessAuditEntry pairs a command a process sent with the reply it
// eventually received (or has not yet received).
type ProcessAuditEntry struct {
	ID            string // ULID
	Domain        string
	ProcessID     string
	StepName      string
	CommandID     string
	CommandType   string
	CommandData   []byte
	SentAt        time.Time
	ReplyOutcome  *ReplyOutcome
	ReplyData     []byte
	ReceivedAt    *time.Time
}

// CommandEnvelope is the wire format published to <domain>__commands.
type CommandEnvelope struct {
	CommandID     string          `json:"command_id" validate:"required"`
	Domain        string          `json:"domain" validate:"required"`
	CommandType   string          `json:"command_type" validate:"required"`
	Data          json.RawMessage `json:"data" validate:"required"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ReplyEnvelope is the wire format published to a reply_to queue.
type ReplyEnvelope struct {
	CommandID     string          `json:"command_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Outcome       ReplyOutcome    `json:"outcome"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *WireError      `json:"error,omitempty"`
}

// WireError is the on-the-wire shape of ErrorInfo.
type WireError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Reason  string    `json:"reason,omitempty"`
}
