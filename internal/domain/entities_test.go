package domain

import "testing"

func TestCommandStatus_IsTerminal(t *testing.T) {
	cases := map[CommandStatus]bool{
		CommandPending:                false,
		CommandInProgress:              false,
		CommandCompleted:               true,
		CommandCanceled:                true,
		CommandInTroubleshootingQueue:  false,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestProcessStatus_IsTerminal(t *testing.T) {
	cases := map[ProcessStatus]bool{
		ProcessPending:      false,
		ProcessInProgress:   false,
		ProcessWaitingReply: false,
		ProcessCompensating: false,
		ProcessCompleted:    true,
		ProcessCompensated:  true,
		ProcessFailed:       true,
		ProcessCanceled:     true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", status, got, want)
		}
	}
}

func TestBatch_IsComplete(t *testing.T) {
	b := Batch{TotalCount: 3, CompletedCount: 2, FailedCount: 1}
	if !b.IsComplete() {
		t.Fatalf("expected batch to be complete")
	}

	b.InTroubleshootingCount = 1
	if b.IsComplete() {
		t.Fatalf("a member parked in the troubleshooting queue must block completion")
	}
}

func TestBatch_TerminalStatus(t *testing.T) {
	allOK := Batch{TotalCount: 2, CompletedCount: 2}
	if got := allOK.TerminalStatus(); got != BatchCompleted {
		t.Fatalf("expected COMPLETED, got %s", got)
	}

	withFailure := Batch{TotalCount: 2, CompletedCount: 1, FailedCount: 1}
	if got := withFailure.TerminalStatus(); got != BatchCompletedWithFailures {
		t.Fatalf("expected COMPLETED_WITH_FAILURES, got %s", got)
	}

	withCancel := Batch{TotalCount: 2, CompletedCount: 1, CanceledCount: 1}
	if got := withCancel.TerminalStatus(); got != BatchCompletedWithFailures {
		t.Fatalf("a canceled member should also yield COMPLETED_WITH_FAILURES, got %s", got)
	}
}
