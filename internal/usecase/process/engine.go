// Package process implements the generic Process Manager engine: the
// saga-style orchestration that drives a ProcessManager's steps to
// completion or compensation, independent of any one workflow's semantics.
package process

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freesidenomad/commandbus/internal/adapter/observability"
	"github.com/freesidenomad/commandbus/internal/adapter/queue/pgmq"
	"github.com/freesidenomad/commandbus/internal/adapter/repo/postgres"
	"github.com/freesidenomad/commandbus/internal/domain"
)

// compensateStepPrefix marks a Process.CurrentStep as belonging to the
// compensation sequence rather than the manager's own step names, so
// HandleReply can tell the two apart without a dedicated column.
const compensateStepPrefix = "__compensate__:"

// compensationState is what the engine stores in Process.State while
// compensating: the manager's own state (opaque to the engine) plus the
// ordered compensating steps still to run.
type compensationState struct {
	OriginalState []byte             `json:"original_state"`
	Remaining     []domain.ProcessStep `json:"remaining"`
}

// Engine drives every registered ProcessManager's instances: sending each
// step's command, pairing replies back to the waiting step, and running
// compensation on cancellation or unrecoverable failure.
type Engine struct {
	Store    *postgres.Store
	Queue    *pgmq.Adapter
	Managers map[string]domain.ProcessManager
	Metrics  *observability.Metrics
	// AuditPublisher optionally fans out every appended audit event; nil
	// disables fan-out entirely.
	AuditPublisher postgres.Publisher
}

// NewEngine constructs a process engine over a set of registered managers,
// keyed by ProcessManager.ProcessType().
func NewEngine(store *postgres.Store, queue *pgmq.Adapter, metrics *observability.Metrics, managers ...domain.ProcessManager) *Engine {
	m := make(map[string]domain.ProcessManager, len(managers))
	for _, mgr := range managers {
		m[mgr.ProcessType()] = mgr
	}
	return &Engine{Store: store, Queue: queue, Managers: m, Metrics: metrics}
}

// Start creates a new process instance of processType and sends its first
// step's command. processID is the client-facing idempotency key and also
// becomes the correlation_id of every command the process emits.
func (e *Engine) Start(ctx domain.Context, domainName, processType, processID string, req []byte, batchID *string) error {
	mgr, ok := e.Managers[processType]
	if !ok {
		return fmt.Errorf("op=process.Start: unknown process type %q: %w", processType, domain.ErrInvalidOperation)
	}

	state, step, err := mgr.Start(ctx, req)
	if err != nil {
		return fmt.Errorf("op=process.Start: %w", err)
	}

	return e.Store.WithTx(ctx, func(q postgres.Querier) error {
		processes := postgres.NewProcessRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(e.AuditPublisher)

		if err := processes.Create(ctx, domain.Process{
			Domain: domainName, ProcessID: processID, ProcessType: processType,
			Status: domain.ProcessWaitingReply, CurrentStep: step.Name, State: state, BatchID: batchID,
		}); err != nil {
			return fmt.Errorf("op=process.Start: %w", err)
		}
		if err := audit.Append(ctx, domain.AuditEvent{
			Domain: domainName, ProcessID: processID, EventType: domain.AuditProcessStarted,
		}); err != nil {
			return err
		}
		if err := e.sendStep(ctx, q, domainName, processID, step); err != nil {
			return fmt.Errorf("op=process.Start: %w", err)
		}
		return nil
	})
}

// sendStep emits one ProcessStep as a command and records the pairing entry
// a reply will later be matched against. Runs inside the caller's transaction.
func (e *Engine) sendStep(ctx domain.Context, q postgres.Querier, domainName, processID string, step domain.ProcessStep) error {
	commands := postgres.NewCommandRepo(q)
	processAudit := postgres.NewProcessAuditRepo(q)
	commandID := uuid.NewString()
	queueName := step.TargetQueue
	if queueName == "" {
		queueName = pgmq.CommandsQueueName(step.TargetDomain)
	}
	replyQueue := pgmq.ProcessRepliesQueueName(domainName)

	if err := commands.Save(ctx, domain.Command{
		Domain: step.TargetDomain, CommandID: commandID, CommandType: step.CommandType,
		Status: domain.CommandPending, Data: step.Data, MaxAttempts: 1,
		ReplyQueue: replyQueue, CorrelationID: processID,
	}); err != nil {
		return err
	}
	envelope, err := json.Marshal(domain.CommandEnvelope{
		CommandID: commandID, Domain: step.TargetDomain, CommandType: step.CommandType,
		Data: step.Data, ReplyTo: replyQueue, CorrelationID: processID, CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	msgID, err := e.Queue.Send(ctx, q, queueName, envelope)
	if err != nil {
		return err
	}
	if err := commands.SetMsgID(ctx, step.TargetDomain, commandID, msgID); err != nil {
		return err
	}
	return processAudit.RecordSent(ctx, domain.ProcessAuditEntry{
		Domain: domainName, ProcessID: processID, StepName: step.Name,
		CommandID: commandID, CommandType: step.CommandType, CommandData: step.Data,
	})
}

// HandleReply routes an arriving reply to either the owning ProcessManager
// (normal step) or the engine's own compensation bookkeeping, advancing the
// process state machine under optimistic concurrency control.
func (e *Engine) HandleReply(ctx domain.Context, domainName, processID string, reply domain.ReplyEnvelope) error {
	processes := postgres.NewProcessRepo(e.Store.Pool)
	proc, err := processes.Get(ctx, domainName, processID)
	if err != nil {
		return fmt.Errorf("op=process.HandleReply: %w", err)
	}
	if proc.Status.IsTerminal() {
		return nil // at-least-once redelivery of a reply after the process already finished
	}

	if strings.HasPrefix(proc.CurrentStep, compensateStepPrefix) {
		return e.handleCompensationReply(ctx, *proc, reply)
	}
	return e.handleForwardReply(ctx, *proc, reply)
}

func (e *Engine) handleForwardReply(ctx domain.Context, proc domain.Process, reply domain.ReplyEnvelope) error {
	mgr, ok := e.Managers[proc.ProcessType]
	if !ok {
		return fmt.Errorf("op=process.handleForwardReply: unknown process type %q: %w", proc.ProcessType, domain.ErrInvalidOperation)
	}

	advance, err := mgr.HandleReply(ctx, proc.State, proc.CurrentStep, reply)
	if err != nil {
		return fmt.Errorf("op=process.handleForwardReply: %w", err)
	}

	return e.Store.WithTx(ctx, func(q postgres.Querier) error {
		processes := postgres.NewProcessRepo(q)
		processAudit := postgres.NewProcessAuditRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(e.AuditPublisher)

		if err := processAudit.RecordReply(ctx, proc.Domain, reply.CommandID, reply.Outcome, reply.Data); err != nil {
			return err
		}

		switch {
		case advance.Compensate:
			return e.startCompensation(ctx, q, proc, mgr, advance.FailureError)
		case advance.Failed:
			ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessWaitingReply,
				domain.ProcessFailed, proc.CurrentStep, advance.State, advance.FailureError)
			if err != nil {
				return err
			}
			if !ok {
				return nil // lost the CAS race to a concurrent delivery; the winner already advanced
			}
			return audit.Append(ctx, domain.AuditEvent{Domain: proc.Domain, ProcessID: proc.ProcessID, EventType: domain.AuditProcessFailed})
		case advance.Completed:
			ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessWaitingReply,
				domain.ProcessCompleted, proc.CurrentStep, advance.State, nil)
			if err != nil {
				return err
			}
			if !ok {
				return nil // lost the CAS race to a concurrent delivery; the winner already advanced
			}
			return audit.Append(ctx, domain.AuditEvent{Domain: proc.Domain, ProcessID: proc.ProcessID, EventType: domain.AuditProcessCompleted})
		default:
			if len(advance.NextSteps) == 0 {
				return fmt.Errorf("op=process.handleForwardReply: advance has no next steps and is not completed/compensating: %w", domain.ErrInvalidOperation)
			}
			next := advance.NextSteps[0]
			ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessWaitingReply,
				domain.ProcessWaitingReply, next.Name, advance.State, nil)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if err := audit.Append(ctx, domain.AuditEvent{Domain: proc.Domain, ProcessID: proc.ProcessID, EventType: domain.AuditProcessStep}); err != nil {
				return err
			}
			return e.sendStep(ctx, q, proc.Domain, proc.ProcessID, next)
		}
	})
}

// startCompensation snapshots the manager's already-completed steps, asks it
// to build the unwind sequence, and begins sending them one at a time in
// reverse order. Runs inside the caller's transaction.
func (e *Engine) startCompensation(ctx domain.Context, q postgres.Querier, proc domain.Process, mgr domain.ProcessManager, failure *domain.ErrorInfo) error {
	processAudit := postgres.NewProcessAuditRepo(q)
	entries, err := processAudit.ListOpenSteps(ctx, proc.Domain, proc.ProcessID)
	if err != nil {
		return err
	}
	completedSteps := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ReplyOutcome != nil && *entry.ReplyOutcome == domain.ReplySuccess {
			completedSteps = append(completedSteps, entry.StepName)
		}
	}

	compSteps, err := mgr.Compensate(ctx, proc.State, completedSteps)
	if err != nil {
		return fmt.Errorf("op=process.startCompensation: %w", err)
	}

	processes := postgres.NewProcessRepo(q)
	audit := postgres.NewAuditRepo(q).WithPublisher(e.AuditPublisher)

	if len(compSteps) == 0 {
		ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessWaitingReply,
			domain.ProcessCompensated, proc.CurrentStep, proc.State, failure)
		if err != nil || !ok {
			return err
		}
		return audit.Append(ctx, domain.AuditEvent{Domain: proc.Domain, ProcessID: proc.ProcessID, EventType: domain.AuditProcessCompensated})
	}

	cs := compensationState{OriginalState: proc.State, Remaining: compSteps[1:]}
	encoded, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessWaitingReply,
		domain.ProcessCompensating, compensateStepPrefix+compSteps[0].Name, encoded, failure)
	if err != nil || !ok {
		return err
	}
	return e.sendStep(ctx, q, proc.Domain, proc.ProcessID, compSteps[0])
}

func (e *Engine) handleCompensationReply(ctx domain.Context, proc domain.Process, reply domain.ReplyEnvelope) error {
	var cs compensationState
	if err := json.Unmarshal(proc.State, &cs); err != nil {
		return fmt.Errorf("op=process.handleCompensationReply: %w", err)
	}

	return e.Store.WithTx(ctx, func(q postgres.Querier) error {
		processes := postgres.NewProcessRepo(q)
		processAudit := postgres.NewProcessAuditRepo(q)
		audit := postgres.NewAuditRepo(q).WithPublisher(e.AuditPublisher)

		if err := processAudit.RecordReply(ctx, proc.Domain, reply.CommandID, reply.Outcome, reply.Data); err != nil {
			return err
		}

		if len(cs.Remaining) == 0 {
			ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessCompensating,
				domain.ProcessCompensated, proc.CurrentStep, cs.OriginalState, proc.Error)
			if err != nil || !ok {
				return err
			}
			return audit.Append(ctx, domain.AuditEvent{Domain: proc.Domain, ProcessID: proc.ProcessID, EventType: domain.AuditProcessCompensated})
		}

		next := cs.Remaining[0]
		nextState, err := json.Marshal(compensationState{OriginalState: cs.OriginalState, Remaining: cs.Remaining[1:]})
		if err != nil {
			return err
		}
		ok, err := processes.AdvanceCAS(ctx, proc.Domain, proc.ProcessID, proc.CurrentStep, domain.ProcessCompensating,
			domain.ProcessCompensating, compensateStepPrefix+next.Name, nextState, proc.Error)
		if err != nil || !ok {
			return err
		}
		return e.sendStep(ctx, q, proc.Domain, proc.ProcessID, next)
	})
}

// Cancel moves a waiting process into compensation, used for operator- or
// caller-initiated cancellation rather than a manager-detected failure.
func (e *Engine) Cancel(ctx domain.Context, domainName, processID, reason string) error {
	processes := postgres.NewProcessRepo(e.Store.Pool)
	proc, err := processes.Get(ctx, domainName, processID)
	if err != nil {
		return fmt.Errorf("op=process.Cancel: %w", err)
	}
	if proc.Status.IsTerminal() {
		return fmt.Errorf("op=process.Cancel: process in status %s: %w", proc.Status, domain.ErrInvalidOperation)
	}
	mgr, ok := e.Managers[proc.ProcessType]
	if !ok {
		return fmt.Errorf("op=process.Cancel: unknown process type %q: %w", proc.ProcessType, domain.ErrInvalidOperation)
	}
	return e.Store.WithTx(ctx, func(q postgres.Querier) error {
		return e.startCompensation(ctx, q, *proc, mgr, &domain.ErrorInfo{Kind: domain.ErrorKindPermanent, Code: "CANCELED", Message: reason, Reason: reason})
	})
}
