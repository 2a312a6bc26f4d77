// Package handlers provides the example command handlers registered into
// the "reporting" domain's Worker: the three steps StatementReportProcess
// drives (query, aggregate, render) plus the compensating cleanup command.
// These are intentionally synthetic — no real warehouse query or PDF
// renderer — since the command bus core has no domain of its own to
// process; they exist so the process engine's saga has something concrete
// to send commands to and get replies from.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/freesidenomad/commandbus/internal/domain"
)

var tracer = otel.Tracer("usecase.handlers.reporting")

type statementQueryRequest struct {
	FromDate string   `json:"from_date"`
	ToDate   string   `json:"to_date"`
	Accounts []string `json:"accounts"`
}

type statementAggregateRequest struct {
	QueryPath string `json:"query_path"`
}

type statementRenderRequest struct {
	AggregatePath string `json:"aggregate_path"`
	OutputType    string `json:"output_type"`
}

type statementCleanupRequest struct {
	Path string `json:"path"`
}

type pathResult struct {
	Path string `json:"path"`
}

// RegisterReportingHandlers wires every reporting-domain handler into reg.
func RegisterReportingHandlers(reg domain.HandlerRegistry, domainName string) {
	reg.Register(domainName, "StatementQuery", StatementQuery)
	reg.Register(domainName, "StatementDataAggregation", StatementDataAggregation)
	reg.Register(domainName, "StatementRender", StatementRender)
	reg.Register(domainName, "StatementCleanupArtifact", StatementCleanupArtifact)
}

// StatementQuery simulates running the raw statement query and writing its
// result set to a staging path.
func StatementQuery(hctx domain.HandlerContext) domain.Outcome {
	_, span := tracer.Start(hctx.Ctx, "StatementQuery")
	defer span.End()

	var req statementQueryRequest
	if err := json.Unmarshal(hctx.Data, &req); err != nil {
		return domain.Permanent("BAD_REQUEST", fmt.Sprintf("invalid query request: %v", err))
	}
	if len(req.Accounts) == 0 {
		return domain.Permanent("NO_ACCOUNTS", "no accounts in query request")
	}

	path := "staging/query/" + ulid.Make().String() + ".json"
	slog.Info("statement query executed", slog.String("path", path), slog.Int("accounts", len(req.Accounts)))

	data, err := json.Marshal(pathResult{Path: path})
	if err != nil {
		return domain.Transient("MARSHAL_FAILED", err.Error())
	}
	return domain.Success(data)
}

// StatementDataAggregation simulates aggregating the queried rows.
func StatementDataAggregation(hctx domain.HandlerContext) domain.Outcome {
	_, span := tracer.Start(hctx.Ctx, "StatementDataAggregation")
	defer span.End()

	var req statementAggregateRequest
	if err := json.Unmarshal(hctx.Data, &req); err != nil {
		return domain.Permanent("BAD_REQUEST", fmt.Sprintf("invalid aggregate request: %v", err))
	}
	if req.QueryPath == "" {
		return domain.Permanent("MISSING_QUERY_PATH", "aggregate request has no query_path")
	}

	path := "staging/aggregate/" + ulid.Make().String() + ".json"
	slog.Info("statement aggregation executed", slog.String("source", req.QueryPath), slog.String("path", path))

	data, err := json.Marshal(pathResult{Path: path})
	if err != nil {
		return domain.Transient("MARSHAL_FAILED", err.Error())
	}
	return domain.Success(data)
}

// StatementRender simulates rendering the final report document.
func StatementRender(hctx domain.HandlerContext) domain.Outcome {
	_, span := tracer.Start(hctx.Ctx, "StatementRender")
	defer span.End()

	var req statementRenderRequest
	if err := json.Unmarshal(hctx.Data, &req); err != nil {
		return domain.Permanent("BAD_REQUEST", fmt.Sprintf("invalid render request: %v", err))
	}
	if req.AggregatePath == "" {
		return domain.Permanent("MISSING_AGGREGATE_PATH", "render request has no aggregate_path")
	}
	outputType := req.OutputType
	if outputType == "" {
		outputType = "pdf"
	}

	path := "reports/" + ulid.Make().String() + "." + outputType
	slog.Info("statement render executed", slog.String("source", req.AggregatePath), slog.String("path", path))

	data, err := json.Marshal(pathResult{Path: path})
	if err != nil {
		return domain.Transient("MARSHAL_FAILED", err.Error())
	}
	return domain.Success(data)
}

// StatementCleanupArtifact removes an artifact produced by an earlier step
// during saga compensation. Idempotent: a missing artifact is not an error.
func StatementCleanupArtifact(hctx domain.HandlerContext) domain.Outcome {
	_, span := tracer.Start(hctx.Ctx, "StatementCleanupArtifact")
	defer span.End()

	var req statementCleanupRequest
	if err := json.Unmarshal(hctx.Data, &req); err != nil {
		return domain.Permanent("BAD_REQUEST", fmt.Sprintf("invalid cleanup request: %v", err))
	}
	slog.Info("statement artifact cleaned up", slog.String("path", req.Path))
	return domain.Success(nil)
}
