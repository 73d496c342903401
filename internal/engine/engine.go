// Package engine runs the two-node agent graph: a planning call that
// drafts a short plan, then an execution loop that may call tools before
// producing the final answer. One Execute call is one agent turn.
//
// Persistence is all-or-nothing. Nothing touches the thread store until
// the turn is done; the full exchange is then appended with a single
// version-guarded save, retried on conflict by reloading and replaying
// the append. A run record is written for every turn that reaches the
// graph, whatever its outcome.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/llm"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/tools"
	"github.com/nagare-ai/nagare/internal/trace"
)

const (
	// maxSaveAttempts bounds the reload-and-replay loop on version conflicts.
	maxSaveAttempts = 5

	// maxConsecutiveToolFailures stops the executor from hammering a broken
	// tool. After this many failed calls in a row, tool definitions are
	// withheld and the model is asked to answer with what it has.
	maxConsecutiveToolFailures = 3
)

// ErrInvalidInput marks requests rejected before the graph runs.
// No run record is written for these.
var ErrInvalidInput = errors.New("invalid input")

// ErrModelFailure marks a turn that ended because the language model
// could not be reached or returned an error. The run is still recorded.
var ErrModelFailure = errors.New("model call failed")

// ThreadStore is the slice of the storage layer the engine needs.
// Satisfied by *storage.DB.
type ThreadStore interface {
	LoadThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	SaveThread(ctx context.Context, t model.Thread) (model.Thread, error)
}

// RunRecorder persists run records. Implementations must not fail the
// turn; they log and drop on storage trouble.
type RunRecorder interface {
	Record(ctx context.Context, run model.AgentRun)
}

// Request is one agent turn. A nil ThreadID starts a new thread; the
// generated ID is returned in the Result.
type Request struct {
	ThreadID *uuid.UUID
	UserID   string
	Message  string
	Metadata map[string]any
}

// Result is the outcome of one turn.
type Result struct {
	RunID     uuid.UUID
	ThreadID  uuid.UUID
	Response  string
	Plan      string
	Status    model.RunStatus
	Truncated bool
	TraceID   string
	LatencyMS int64
	Usage     llm.Usage
}

// Config carries the engine's tunables, resolved from the application
// configuration.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int
	MaxSteps    int
	Timeout     time.Duration
	SampleRate  float64
}

// Engine executes agent turns.
type Engine struct {
	client   llm.Client
	store    ThreadStore
	registry *tools.Registry
	recorder RunRecorder
	buffer   *trace.Buffer
	logger   *slog.Logger
	cfg      Config
}

// New wires an engine. buffer may be nil, in which case spans are
// captured but never persisted.
func New(client llm.Client, store ThreadStore, registry *tools.Registry,
	recorder RunRecorder, buffer *trace.Buffer, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Engine{
		client:   client,
		store:    store,
		registry: registry,
		recorder: recorder,
		buffer:   buffer,
		logger:   logger,
		cfg:      cfg,
	}
}

// Execute runs one agent turn to completion.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	if err := model.ValidateUserMessage(req.Message); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	threadID := uuid.New()
	if req.ThreadID != nil {
		threadID = *req.ThreadID
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	meta := map[string]any{"thread_id": threadID.String()}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	ctx, tr := trace.Begin(ctx, req.UserID, e.cfg.SampleRate, meta)
	traceID := tr.ID()

	start := time.Now()
	res := Result{
		RunID:    uuid.New(),
		ThreadID: threadID,
		TraceID:  traceID,
	}

	thread, err := e.store.LoadThread(ctx, threadID)
	if err != nil {
		res.Status = model.RunStatusError
		e.finish(ctx, req, &res, start, tr, err)
		return res, fmt.Errorf("load thread: %w", err)
	}

	turn := e.runGraph(ctx, thread, req.Message, &res)

	switch {
	case turn.err != nil && errors.Is(turn.err, context.DeadlineExceeded):
		res.Status = model.RunStatusTimeout
		res.Response = "The request took too long and was cut off. Please try again."
		e.finish(ctx, req, &res, start, tr, turn.err)
		return res, nil
	case turn.err != nil:
		res.Status = model.RunStatusError
		e.finish(ctx, req, &res, start, tr, turn.err)
		return res, fmt.Errorf("%w: %v", ErrModelFailure, turn.err)
	}

	res.Status = model.RunStatusSuccess
	if err := e.saveTurn(ctx, threadID, thread, turn, &res); err != nil {
		res.Status = model.RunStatusError
		res.Response = ""
		e.finish(ctx, req, &res, start, tr, err)
		return res, fmt.Errorf("save thread: %w", err)
	}

	e.finish(ctx, req, &res, start, tr, nil)
	return res, nil
}

// turnResult is the in-memory product of one graph run, held back from
// the store until the save step.
type turnResult struct {
	plan     string
	appended []model.Message
	response string
	err      error
}

func (e *Engine) runGraph(ctx context.Context, thread model.Thread, input string, res *Result) turnResult {
	var turn turnResult
	state := StatePlanning

	for state != StateDone {
		switch state {
		case StatePlanning:
			plan, usage, err := e.plan(ctx, thread, input)
			res.Usage.PromptTokens += usage.PromptTokens
			res.Usage.CompletionTokens += usage.CompletionTokens
			if err != nil {
				turn.err = err
				state = Next(state, err)
				continue
			}
			turn.plan = plan
			res.Plan = plan
			state = Next(state, nil)

		case StateExecuting:
			answer, toolMsgs, usage, err := e.execute(ctx, thread, input, turn.plan, res)
			res.Usage.PromptTokens += usage.PromptTokens
			res.Usage.CompletionTokens += usage.CompletionTokens
			if err != nil {
				turn.err = err
				state = Next(state, err)
				continue
			}
			turn.response = answer
			res.Response = answer
			turn.appended = append(turn.appended, model.Message{Role: model.RoleUser, Content: input})
			turn.appended = append(turn.appended, toolMsgs...)
			turn.appended = append(turn.appended, model.Message{Role: model.RoleAgent, Content: answer})
			state = Next(state, nil)
		}
	}
	return turn
}

// plan runs the planning node. No tool definitions are offered.
func (e *Engine) plan(ctx context.Context, thread model.Thread, input string) (string, llm.Usage, error) {
	ctx, span := trace.StartSpan(ctx, "agent.plan")
	defer span.End()

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: plannerPrompt}}
	msgs = append(msgs, historyMessages(thread)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})

	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		Messages:    msgs,
	})
	if err != nil {
		span.SetStatus("error")
		span.SetAttr("error", err.Error())
		return "", resp.Usage, fmt.Errorf("planner: %w", err)
	}
	span.SetAttr("plan_chars", len(resp.Content))
	return resp.Content, resp.Usage, nil
}

// execute runs the execution node's tool loop until the model answers
// without requesting tools, the step budget runs out, or the deadline hits.
func (e *Engine) execute(ctx context.Context, thread model.Thread, input, plan string, res *Result) (string, []model.Message, llm.Usage, error) {
	ctx, span := trace.StartSpan(ctx, "agent.execute")
	defer span.End()

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: executorPrompt(plan)}}
	msgs = append(msgs, historyMessages(thread)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: input})

	var (
		usage        llm.Usage
		toolMsgs     []model.Message
		lastContent  string
		consecutive  int
		toolsOffered = e.registry.Len() > 0
	)

	for step := 0; step < e.cfg.MaxSteps; step++ {
		req := llm.Request{
			Model:       e.cfg.Model,
			Temperature: e.cfg.Temperature,
			MaxTokens:   e.cfg.MaxTokens,
			Messages:    msgs,
		}
		if toolsOffered {
			req.Tools = e.registry.Definitions()
		}

		resp, err := e.client.Complete(ctx, req)
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			span.SetStatus("error")
			return "", nil, usage, fmt.Errorf("executor: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			span.SetAttr("steps", step+1)
			return resp.Content, toolMsgs, usage, nil
		}
		lastContent = resp.Content

		msgs = append(msgs, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result, err := e.dispatch(ctx, tc)
			if err != nil {
				span.SetStatus("error")
				return "", nil, usage, err
			}
			if isErrorPayload(result) {
				consecutive++
			} else {
				consecutive = 0
			}
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				Name:       tc.Name,
				ToolCallID: tc.ID,
			})
			toolMsgs = append(toolMsgs, model.Message{
				Role:       model.RoleTool,
				Content:    result,
				Name:       tc.Name,
				ToolCallID: tc.ID,
			})
		}

		if toolsOffered && consecutive >= maxConsecutiveToolFailures {
			toolsOffered = false
			msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: noToolsNudge})
		}
	}

	// Step budget exhausted: best effort with whatever the model said last.
	res.Truncated = true
	span.SetAttr("truncated", true)
	span.SetAttr("steps", e.cfg.MaxSteps)
	if lastContent == "" {
		lastContent = "I could not finish within the allotted steps. Here is what I gathered so far."
	}
	return lastContent, toolMsgs, usage, nil
}

// dispatch runs one tool call under its own span.
func (e *Engine) dispatch(ctx context.Context, tc llm.ToolCall) (string, error) {
	ctx, span := trace.StartSpan(ctx, "tool."+tc.Name)
	defer span.End()

	result, err := e.registry.Dispatch(ctx, tc.Name, tc.Arguments)
	if err != nil {
		span.SetStatus("error")
		return "", err
	}
	if isErrorPayload(result) {
		span.SetStatus("error")
	}
	span.SetAttr("result_bytes", len(result))
	return result, nil
}

// saveTurn appends the turn's messages with a version-guarded save,
// reloading and replaying the append on conflict.
func (e *Engine) saveTurn(ctx context.Context, threadID uuid.UUID, thread model.Thread, turn turnResult, res *Result) error {
	ctx, span := trace.StartSpan(ctx, "thread.save")
	defer span.End()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		t := thread
		t.Messages = append(append([]model.Message{}, t.Messages...), turn.appended...)
		if turn.plan != "" {
			plan := turn.plan
			t.Plan = &plan
		}

		if _, err := e.store.SaveThread(ctx, t); err == nil {
			span.SetAttr("attempts", attempt+1)
			return nil
		} else if !errors.Is(err, storage.ErrVersionConflict) {
			span.SetStatus("error")
			return err
		}

		// Another writer advanced the thread; reload and replay.
		var err error
		thread, err = e.store.LoadThread(ctx, threadID)
		if err != nil {
			span.SetStatus("error")
			return err
		}
	}
	span.SetStatus("error")
	return fmt.Errorf("thread %s: %w after %d attempts", threadID, storage.ErrVersionConflict, maxSaveAttempts)
}

// finish stamps latency, records the run, closes the root span and
// flushes the trace. Called exactly once per turn that reached the graph.
func (e *Engine) finish(ctx context.Context, req Request, res *Result, start time.Time, tr *trace.Trace, turnErr error) {
	res.LatencyMS = time.Since(start).Milliseconds()

	if root := trace.RootSpan(ctx); root != nil {
		root.SetAttr("status", string(res.Status))
		root.SetAttr("latency_ms", res.LatencyMS)
		if res.Status != model.RunStatusSuccess {
			root.SetStatus("error")
		}
		root.End()
	}
	tr.Flush(e.buffer)

	traceID := res.TraceID
	run := model.AgentRun{
		ID:        res.RunID,
		ThreadID:  res.ThreadID,
		UserID:    req.UserID,
		Input:     req.Message,
		Output:    res.Response,
		Status:    res.Status,
		LatencyMS: res.LatencyMS,
		TraceID:   &traceID,
		CreatedAt: start.UTC(),
	}
	if res.Usage.PromptTokens > 0 || res.Usage.CompletionTokens > 0 {
		pt, ct := res.Usage.PromptTokens, res.Usage.CompletionTokens
		run.PromptTokens = &pt
		run.CompletionTokens = &ct
	}
	if turnErr != nil {
		detail := turnErr.Error()
		run.ErrorDetail = &detail
	}

	// Recording must survive a dead invocation context.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	e.recorder.Record(recordCtx, run)

	e.logger.InfoContext(ctx, "agent turn finished",
		slog.String("run_id", res.RunID.String()),
		slog.String("thread_id", res.ThreadID.String()),
		slog.String("trace_id", res.TraceID),
		slog.String("status", string(res.Status)),
		slog.Int64("latency_ms", res.LatencyMS),
		slog.Bool("truncated", res.Truncated),
	)
}

// historyMessages converts stored history for model replay. Tool records
// are kept in the thread for inspection but not replayed; a tool message
// without its originating assistant call is not valid chat input.
func historyMessages(t model.Thread) []llm.Message {
	var out []llm.Message
	for _, m := range t.Messages {
		switch m.Role {
		case model.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case model.RoleAgent:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out
}

// isErrorPayload reports whether a tool result is the structured error
// shape produced by the registry.
func isErrorPayload(result string) bool {
	var probe struct {
		Error *string `json:"error"`
	}
	if err := json.Unmarshal([]byte(result), &probe); err != nil {
		return false
	}
	return probe.Error != nil
}
