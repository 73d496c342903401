package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/eval"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/trace"
)

// AgentEngine is the engine surface the handlers call.
// Satisfied by *engine.Engine.
type AgentEngine interface {
	Execute(ctx context.Context, req engine.Request) (engine.Result, error)
}

// Evaluator runs the offline scoring pipeline.
// Satisfied by *eval.Pipeline.
type Evaluator interface {
	Run(ctx context.Context, window time.Duration) (eval.Report, error)
}

// RunStore is the run history surface the handlers read.
// Satisfied by *storage.DB.
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	ListRuns(ctx context.Context, f storage.RunFilter) ([]model.AgentRun, int, error)
	Ping(ctx context.Context) error
}

// HandlersDeps holds everything the handlers need.
type HandlersDeps struct {
	Engine    AgentEngine
	Evaluator Evaluator
	Store     RunStore
	Buffer    *trace.Buffer
	Logger    *slog.Logger

	Version             string
	ModelName           string
	ToolCount           int
	TraceBaseURL        string
	EvalWindow          time.Duration
	MaxRequestBodyBytes int64
}

// Handlers implements the HTTP endpoints.
type Handlers struct {
	deps      HandlersDeps
	startedAt time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	if deps.EvalWindow <= 0 {
		deps.EvalWindow = 24 * time.Hour
	}
	return &Handlers{deps: deps, startedAt: time.Now()}
}

// HandleAgentRun runs one agent turn: POST /v1/agent/run.
func (h *Handlers) HandleAgentRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.MaxRequestBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.deps.MaxRequestBodyBytes)
	}

	var req model.InvokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	result, err := h.deps.Engine.Execute(r.Context(), engine.Request{
		ThreadID: req.ThreadID,
		UserID:   UserIDFromContext(r.Context()),
		Message:  req.Message,
		Metadata: req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, engine.ErrModelFailure):
			writeError(w, r, http.StatusBadGateway, model.ErrCodeInternalError, "model backend failed")
		case errors.Is(err, storage.ErrUnavailable):
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "storage unavailable")
		default:
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "agent run failed")
		}
		return
	}

	resp := model.InvokeResponse{
		Response:  result.Response,
		ThreadID:  result.ThreadID,
		RunID:     result.RunID,
		LatencyMS: result.LatencyMS,
		Status:    result.Status,
	}
	if result.TraceID != "" {
		tid := result.TraceID
		resp.TraceID = &tid
		if u := h.traceURL(tid); u != "" {
			resp.TraceURL = &u
		}
	}
	if result.Plan != "" {
		plan := result.Plan
		resp.Plan = &plan
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListRuns pages through run history: GET /v1/agent/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := storage.RunFilter{
		UserID: q.Get("user_id"),
		Status: q.Get("status"),
		Search: q.Get("search"),
		Limit:  100,
	}
	if filter.Status != "" && !model.ValidRunStatus(filter.Status) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown status "+strconv.Quote(filter.Status))
		return
	}
	if v := q.Get("thread_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "thread_id is not a valid UUID")
			return
		}
		filter.ThreadID = &id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if filter.Limit > storage.MaxRunListLimit {
		filter.Limit = storage.MaxRunListLimit
	}

	runs, total, err := h.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	out := make([]model.RunPublic, len(runs))
	for i, run := range runs {
		out[i] = h.toPublic(run)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeRaw(w, model.ListResponse{Data: out, Total: total, Limit: filter.Limit, Offset: filter.Offset})
}

// HandleGetRun fetches one run: GET /v1/agent/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id is not a valid UUID")
		return
	}

	run, err := h.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	writeJSON(w, r, http.StatusOK, h.toPublic(run))
}

// HandleEvaluate runs the scoring pipeline: POST /v1/agent/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	window := h.deps.EvalWindow
	if r.ContentLength > 0 {
		var req model.EvaluateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
			return
		}
		if req.WindowHours < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "window_hours must be non-negative")
			return
		}
		if req.WindowHours > 0 {
			window = time.Duration(req.WindowHours) * time.Hour
		}
	}

	report, err := h.deps.Evaluator.Run(r.Context(), window)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "evaluation failed")
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleHealth reports liveness and dependency state: GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:         "ok",
		Version:        h.deps.Version,
		Postgres:       "ok",
		Model:          h.deps.ModelName,
		AvailableTools: h.deps.ToolCount,
		Uptime:         int64(time.Since(h.startedAt).Seconds()),
	}
	if h.deps.Buffer != nil {
		resp.BufferDepth = h.deps.Buffer.Len()
	}

	status := http.StatusOK
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Postgres = "unreachable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

func (h *Handlers) toPublic(run model.AgentRun) model.RunPublic {
	p := model.RunPublic{
		ID:               run.ID,
		UserID:           run.UserID,
		ThreadID:         run.ThreadID,
		Input:            run.Input,
		Output:           run.Output,
		Status:           run.Status,
		LatencyMS:        run.LatencyMS,
		TraceID:          run.TraceID,
		PromptTokens:     run.PromptTokens,
		CompletionTokens: run.CompletionTokens,
		CreatedAt:        run.CreatedAt,
	}
	if run.TraceID != nil {
		if u := h.traceURL(*run.TraceID); u != "" {
			p.TraceURL = &u
		}
	}
	return p
}

func (h *Handlers) traceURL(traceID string) string {
	if h.deps.TraceBaseURL == "" {
		return ""
	}
	return h.deps.TraceBaseURL + "/trace/" + traceID
}
