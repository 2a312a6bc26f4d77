package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/freesidenomad/commandbus/internal/domain"
)

func TestStatementQuery_RejectsNoAccounts(t *testing.T) {
	req, _ := json.Marshal(statementQueryRequest{FromDate: "2026-01-01", ToDate: "2026-01-31"})
	out := StatementQuery(domain.HandlerContext{Ctx: context.Background(), Data: req})
	if !out.IsPermanent() {
		t.Fatalf("expected a permanent outcome for an empty accounts list")
	}
	if out.AsErrorInfo().Code != "NO_ACCOUNTS" {
		t.Fatalf("unexpected error code: %s", out.AsErrorInfo().Code)
	}
}

func TestStatementQuery_Success(t *testing.T) {
	req, _ := json.Marshal(statementQueryRequest{FromDate: "2026-01-01", ToDate: "2026-01-31", Accounts: []string{"acct-1"}})
	out := StatementQuery(domain.HandlerContext{Ctx: context.Background(), Data: req})
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out.AsErrorInfo())
	}
	var result pathResult
	if err := json.Unmarshal(out.Data(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Path == "" {
		t.Fatalf("expected a non-empty staging path")
	}
}

func TestStatementDataAggregation_RequiresQueryPath(t *testing.T) {
	req, _ := json.Marshal(statementAggregateRequest{})
	out := StatementDataAggregation(domain.HandlerContext{Ctx: context.Background(), Data: req})
	if !out.IsPermanent() {
		t.Fatalf("expected permanent outcome for a missing query_path")
	}
}

func TestStatementRender_DefaultsOutputType(t *testing.T) {
	req, _ := json.Marshal(statementRenderRequest{AggregatePath: "/tmp/agg.json"})
	out := StatementRender(domain.HandlerContext{Ctx: context.Background(), Data: req})
	if !out.IsSuccess() {
		t.Fatalf("expected success, got %+v", out.AsErrorInfo())
	}
	var result pathResult
	if err := json.Unmarshal(out.Data(), &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if got := result.Path[len(result.Path)-4:]; got != ".pdf" {
		t.Fatalf("expected default output type pdf, got path %s", result.Path)
	}
}

func TestStatementCleanupArtifact_IsIdempotent(t *testing.T) {
	req, _ := json.Marshal(statementCleanupRequest{Path: "does/not/exist"})
	out := StatementCleanupArtifact(domain.HandlerContext{Ctx: context.Background(), Data: req})
	if !out.IsSuccess() {
		t.Fatalf("cleanup of a missing artifact must still succeed")
	}
}

func TestRegisterReportingHandlers_WiresAllFour(t *testing.T) {
	reg := &fakeRegistry{handlers: map[string]domain.Handler{}}
	RegisterReportingHandlers(reg, "reporting")

	for _, commandType := range []string{"StatementQuery", "StatementDataAggregation", "StatementRender", "StatementCleanupArtifact"} {
		if _, ok := reg.Resolve("reporting", commandType); !ok {
			t.Errorf("expected %s to be registered", commandType)
		}
	}
}

type fakeRegistry struct {
	handlers map[string]domain.Handler
}

func (f *fakeRegistry) Register(domainName, commandType string, h domain.Handler) {
	f.handlers[domainName+"/"+commandType] = h
}

func (f *fakeRegistry) Resolve(domainName, commandType string) (domain.Handler, bool) {
	h, ok := f.handlers[domainName+"/"+commandType]
	return h, ok
}
