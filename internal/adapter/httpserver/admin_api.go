package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freesidenomad/commandbus/internal/domain"
	"github.com/freesidenomad/commandbus/internal/usecase"
	"github.com/freesidenomad/commandbus/internal/usecase/process"
)

// Server aggregates the usecase dependencies every admin handler delegates to.
type Server struct {
	Bus     *usecase.Bus
	TSQ     *usecase.TroubleshootingQueue
	Engine  *process.Engine
	Health  map[string]*usecase.Health // keyed by worker/router id
}

// NewServer constructs an admin API server.
func NewServer(bus *usecase.Bus, tsq *usecase.TroubleshootingQueue, engine *process.Engine, health map[string]*usecase.Health) *Server {
	return &Server{Bus: bus, TSQ: tsq, Engine: engine, Health: health}
}

// Mount attaches every admin route to r.
func (s *Server) Mount(r chi.Router) {
	r.Post("/admin/v1/commands", s.sendCommandHandler())
	r.Post("/admin/v1/batches", s.sendBatchHandler())
	r.Get("/admin/v1/tsq", s.listTSQHandler())
	r.Post("/admin/v1/tsq/{domain}/{commandID}/retry", s.retryTSQHandler())
	r.Post("/admin/v1/tsq/{domain}/{commandID}/complete", s.completeTSQHandler())
	r.Post("/admin/v1/tsq/{domain}/{commandID}/cancel", s.cancelTSQHandler())
	r.Post("/admin/v1/processes", s.startProcessHandler())
	r.Get("/admin/v1/health", s.healthHandler())
}

type sendCommandRequest struct {
	Domain        string          `json:"domain"`
	CommandID     string          `json:"command_id"`
	CommandType   string          `json:"command_type"`
	Data          json.RawMessage `json:"data"`
	ReplyTo       string          `json:"reply_to"`
	CorrelationID string          `json:"correlation_id"`
	MaxAttempts   int             `json:"max_attempts"`
}

func (s *Server) sendCommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendCommandRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if req.CommandID == "" {
			req.CommandID = usecase.NewCommandID()
		}
		result, err := s.Bus.Send(r.Context(), usecase.SendInput{
			Domain: req.Domain, CommandID: req.CommandID, CommandType: req.CommandType,
			Data: req.Data, ReplyTo: req.ReplyTo, CorrelationID: req.CorrelationID, MaxAttempts: req.MaxAttempts,
		})
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

type sendBatchRequest struct {
	Domain     string               `json:"domain"`
	Name       string               `json:"name"`
	CustomData json.RawMessage      `json:"custom_data"`
	Commands   []sendCommandRequest `json:"commands"`
}

func (s *Server) sendBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		inputs := make([]usecase.SendInput, 0, len(req.Commands))
		for _, c := range req.Commands {
			if c.CommandID == "" {
				c.CommandID = usecase.NewCommandID()
			}
			inputs = append(inputs, usecase.SendInput{
				Domain: req.Domain, CommandID: c.CommandID, CommandType: c.CommandType,
				Data: c.Data, ReplyTo: c.ReplyTo, CorrelationID: c.CorrelationID, MaxAttempts: c.MaxAttempts,
			})
		}
		result, err := s.Bus.SendBatch(r.Context(), usecase.BatchInput{
			Domain: req.Domain, Commands: inputs, Name: req.Name, CustomData: req.CustomData,
		})
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, result)
	}
}

func (s *Server) listTSQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		domainName := r.URL.Query().Get("domain")
		commandType := r.URL.Query().Get("command_type")
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		createdAfter := queryTime(r, "created_after")
		createdBefore := queryTime(r, "created_before")

		items, err := s.TSQ.List(r.Context(), domainName, commandType, limit, offset, createdAfter, createdBefore)
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	}
}

func (s *Server) retryTSQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Operator string `json:"operator"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		err := s.TSQ.Retry(r.Context(), chi.URLParam(r, "domain"), chi.URLParam(r, "commandID"), body.Operator)
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
	}
}

func (s *Server) completeTSQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Operator string          `json:"operator"`
			Result   json.RawMessage `json:"result"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		err := s.TSQ.Complete(r.Context(), chi.URLParam(r, "domain"), chi.URLParam(r, "commandID"), body.Operator, body.Result)
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
	}
}

func (s *Server) cancelTSQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Operator string `json:"operator"`
			Reason   string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		err := s.TSQ.Cancel(r.Context(), chi.URLParam(r, "domain"), chi.URLParam(r, "commandID"), body.Operator, body.Reason)
		if err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
	}
}

type startProcessRequest struct {
	Domain      string          `json:"domain"`
	ProcessType string          `json:"process_type"`
	ProcessID   string          `json:"process_id"`
	Data        json.RawMessage `json:"data"`
}

func (s *Server) startProcessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startProcessRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}
		if req.ProcessID == "" {
			req.ProcessID = usecase.NewCommandID()
		}
		if err := s.Engine.Start(r.Context(), req.Domain, req.ProcessType, req.ProcessID, req.Data, nil); err != nil {
			writeUsecaseError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"process_id": req.ProcessID})
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshots := make(map[string]usecase.HealthSnapshot, len(s.Health))
		for id, h := range s.Health {
			snapshots[id] = h.Snapshot()
		}
		writeJSON(w, http.StatusOK, snapshots)
	}
}

func writeUsecaseError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrDuplicateCommand):
		writeError(w, http.StatusConflict, "DUPLICATE_COMMAND", err.Error())
	case errors.Is(err, domain.ErrCommandNotFound), errors.Is(err, domain.ErrProcessNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidOperation), errors.Is(err, domain.ErrEmptyBatch):
		writeError(w, http.StatusBadRequest, "INVALID_OPERATION", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryTime(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
