package process

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/freesidenomad/commandbus/internal/domain"
)

func TestStatementReportProcess_StartRejectsIncompleteRequest(t *testing.T) {
	p := &StatementReportProcess{}
	_, _, err := p.Start(context.Background(), []byte(`{"from_date":"2026-01-01"}`))
	require.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestStatementReportProcess_FullHappyPath(t *testing.T) {
	p := &StatementReportProcess{}

	req, err := json.Marshal(map[string]any{
		"from_date": "2026-01-01", "to_date": "2026-01-31",
		"accounts": []string{"acct-1", "acct-2"}, "output_type": "pdf",
	})
	require.NoError(t, err)

	state, step, err := p.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, stepQuery, step.Name)
	require.Equal(t, "StatementQuery", step.CommandType)

	queryReply := domain.ReplyEnvelope{Outcome: domain.ReplySuccess, Data: mustJSON(t, map[string]string{"path": "/tmp/query.csv"})}
	advance, err := p.HandleReply(context.Background(), state, stepQuery, queryReply)
	require.NoError(t, err)
	require.False(t, advance.Completed)
	require.Len(t, advance.NextSteps, 1)
	require.Equal(t, stepAggregate, advance.NextSteps[0].Name)

	aggReply := domain.ReplyEnvelope{Outcome: domain.ReplySuccess, Data: mustJSON(t, map[string]string{"path": "/tmp/agg.json"})}
	advance, err = p.HandleReply(context.Background(), advance.State, stepAggregate, aggReply)
	require.NoError(t, err)
	require.Len(t, advance.NextSteps, 1)
	require.Equal(t, stepRender, advance.NextSteps[0].Name)

	renderReply := domain.ReplyEnvelope{Outcome: domain.ReplySuccess, Data: mustJSON(t, map[string]string{"path": "/tmp/report.pdf"})}
	advance, err = p.HandleReply(context.Background(), advance.State, stepRender, renderReply)
	require.NoError(t, err)
	require.True(t, advance.Completed)

	var final statementReportState
	require.NoError(t, json.Unmarshal(advance.State, &final))
	require.Equal(t, "/tmp/query.csv", final.QueryPath)
	require.Equal(t, "/tmp/agg.json", final.AggregatePath)
	require.Equal(t, "/tmp/report.pdf", final.RenderPath)
}

func TestStatementReportProcess_FailedReplyIsTerminalWithoutCompensation(t *testing.T) {
	p := &StatementReportProcess{}
	req := mustJSON(t, map[string]any{"from_date": "2026-01-01", "to_date": "2026-01-31", "accounts": []string{"acct-1"}})
	state, _, err := p.Start(context.Background(), req)
	require.NoError(t, err)

	failReply := domain.ReplyEnvelope{Outcome: domain.ReplyFailed, Error: &domain.WireError{Code: "BOOM", Message: "query backend down"}}
	advance, err := p.HandleReply(context.Background(), state, stepQuery, failReply)
	require.NoError(t, err)
	require.True(t, advance.Failed)
	require.False(t, advance.Compensate)
	require.Equal(t, "BOOM", advance.FailureError.Code)
}

func TestStatementReportProcess_CompensateReversesOrder(t *testing.T) {
	p := &StatementReportProcess{}
	state := mustJSON(t, statementReportState{QueryPath: "/q", AggregatePath: "/a", RenderPath: "/r"})

	steps, err := p.Compensate(context.Background(), state, []string{stepQuery, stepAggregate, stepRender})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	require.Equal(t, "cleanup_render", steps[0].Name)
	require.Equal(t, "cleanup_aggregate", steps[1].Name)
	require.Equal(t, "cleanup_query", steps[2].Name)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
