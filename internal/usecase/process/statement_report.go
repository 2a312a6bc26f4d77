package process

import (
	"encoding/json"
	"fmt"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// StatementReportProcess drives a three-step reporting saga: query the raw
// statement rows, aggregate them, then render the final document. Each step
// runs in the "reporting" domain and feeds its output path into the next
// step's input, grounded on spec scenario 6's three-command sequence.
type StatementReportProcess struct {
	TargetDomain string // defaults to "reporting" if empty
}

// statementReportState is the process's own State, opaque to the engine.
type statementReportState struct {
	FromDate    string `json:"from_date"`
	ToDate      string `json:"to_date"`
	Accounts    []string `json:"accounts"`
	OutputType  string `json:"output_type"`
	QueryPath   string `json:"query_path,omitempty"`
	AggregatePath string `json:"aggregate_path,omitempty"`
	RenderPath  string `json:"render_path,omitempty"`
}

type statementReportRequest struct {
	FromDate   string   `json:"from_date"`
	ToDate     string   `json:"to_date"`
	Accounts   []string `json:"accounts"`
	OutputType string   `json:"output_type"`
}

// statementStepResult is the shape every step in this saga replies with: the
// path to the artifact it produced, consumed as the next step's input.
type statementStepResult struct {
	Path string `json:"path"`
}

const (
	stepQuery     = "query"
	stepAggregate = "aggregate"
	stepRender    = "render"
)

func (p *StatementReportProcess) domainName() string {
	if p.TargetDomain == "" {
		return "reporting"
	}
	return p.TargetDomain
}

// ProcessType identifies this manager's Process.ProcessType.
func (p *StatementReportProcess) ProcessType() string { return "StatementReportProcess" }

// Start validates the report request and emits the first step, StatementQuery.
func (p *StatementReportProcess) Start(ctx domain.Context, req []byte) ([]byte, domain.ProcessStep, error) {
	var in statementReportRequest
	if err := json.Unmarshal(req, &in); err != nil {
		return nil, domain.ProcessStep{}, fmt.Errorf("op=statementreport.Start: %w", err)
	}
	if in.FromDate == "" || in.ToDate == "" || len(in.Accounts) == 0 {
		return nil, domain.ProcessStep{}, fmt.Errorf("op=statementreport.Start: from_date, to_date, and accounts are required: %w", domain.ErrInvalidOperation)
	}
	if in.OutputType == "" {
		in.OutputType = "pdf"
	}

	state := statementReportState{FromDate: in.FromDate, ToDate: in.ToDate, Accounts: in.Accounts, OutputType: in.OutputType}
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, domain.ProcessStep{}, err
	}

	queryData, err := json.Marshal(map[string]any{
		"from_date": in.FromDate, "to_date": in.ToDate, "accounts": in.Accounts,
	})
	if err != nil {
		return nil, domain.ProcessStep{}, err
	}

	return encoded, domain.ProcessStep{
		Name: stepQuery, CommandType: "StatementQuery", Data: queryData, TargetDomain: p.domainName(),
	}, nil
}

// HandleReply advances the saga: query -> aggregate -> render -> done.
func (p *StatementReportProcess) HandleReply(ctx domain.Context, stateBytes []byte, currentStep string, reply domain.ReplyEnvelope) (domain.ProcessAdvance, error) {
	var state statementReportState
	if err := json.Unmarshal(stateBytes, &state); err != nil {
		return domain.ProcessAdvance{}, fmt.Errorf("op=statementreport.HandleReply: %w", err)
	}

	if reply.Outcome != domain.ReplySuccess {
		code, msg := "STEP_FAILED", "step failed"
		if reply.Error != nil {
			msg = reply.Error.Message
			if reply.Error.Code != "" {
				code = reply.Error.Code
			}
		}
		failure := &domain.ErrorInfo{Kind: domain.ErrorKindPermanent, Code: code, Message: msg}
		// Only an operator-initiated CANCELED reply unwinds already-applied
		// steps; a genuine step failure is terminal with nothing to undo.
		if reply.Outcome == domain.ReplyCanceled {
			return domain.ProcessAdvance{Compensate: true, FailureError: failure}, nil
		}
		return domain.ProcessAdvance{Failed: true, FailureError: failure}, nil
	}

	var result statementStepResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		return domain.ProcessAdvance{}, fmt.Errorf("op=statementreport.HandleReply: %w", err)
	}

	switch currentStep {
	case stepQuery:
		state.QueryPath = result.Path
		encoded, err := json.Marshal(state)
		if err != nil {
			return domain.ProcessAdvance{}, err
		}
		data, err := json.Marshal(map[string]string{"query_path": state.QueryPath})
		if err != nil {
			return domain.ProcessAdvance{}, err
		}
		return domain.ProcessAdvance{
			State: encoded,
			NextSteps: []domain.ProcessStep{{
				Name: stepAggregate, CommandType: "StatementDataAggregation", Data: data, TargetDomain: p.domainName(),
			}},
		}, nil

	case stepAggregate:
		state.AggregatePath = result.Path
		encoded, err := json.Marshal(state)
		if err != nil {
			return domain.ProcessAdvance{}, err
		}
		data, err := json.Marshal(map[string]string{"aggregate_path": state.AggregatePath, "output_type": state.OutputType})
		if err != nil {
			return domain.ProcessAdvance{}, err
		}
		return domain.ProcessAdvance{
			State: encoded,
			NextSteps: []domain.ProcessStep{{
				Name: stepRender, CommandType: "StatementRender", Data: data, TargetDomain: p.domainName(),
			}},
		}, nil

	case stepRender:
		state.RenderPath = result.Path
		encoded, err := json.Marshal(state)
		if err != nil {
			return domain.ProcessAdvance{}, err
		}
		return domain.ProcessAdvance{State: encoded, Completed: true}, nil

	default:
		return domain.ProcessAdvance{}, fmt.Errorf("op=statementreport.HandleReply: unknown step %q: %w", currentStep, domain.ErrInvalidOperation)
	}
}

// Compensate issues a best-effort cleanup command per artifact already
// produced, run in reverse order (render's artifact before query's).
func (p *StatementReportProcess) Compensate(ctx domain.Context, stateBytes []byte, completedSteps []string) ([]domain.ProcessStep, error) {
	var state statementReportState
	if err := json.Unmarshal(stateBytes, &state); err != nil {
		return nil, fmt.Errorf("op=statementreport.Compensate: %w", err)
	}

	var steps []domain.ProcessStep
	add := func(name, path string) error {
		data, err := json.Marshal(map[string]string{"path": path})
		if err != nil {
			return err
		}
		steps = append(steps, domain.ProcessStep{
			Name: "cleanup_" + name, CommandType: "StatementCleanupArtifact", Data: data, TargetDomain: p.domainName(),
		})
		return nil
	}

	// Reverse order: undo the most recently produced artifact first.
	if state.RenderPath != "" {
		if err := add(stepRender, state.RenderPath); err != nil {
			return nil, err
		}
	}
	if state.AggregatePath != "" {
		if err := add(stepAggregate, state.AggregatePath); err != nil {
			return nil, err
		}
	}
	if state.QueryPath != "" {
		if err := add(stepQuery, state.QueryPath); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

var _ domain.ProcessManager = (*StatementReportProcess)(nil)
