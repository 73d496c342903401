package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/engine"
	"github.com/nagare-ai/nagare/internal/llm"
	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/tools"
)

// scriptedClient replays canned completions in order and captures the
// requests it saw.
type scriptedClient struct {
	mu       sync.Mutex
	script   []func(llm.Request) (llm.Response, error)
	requests []llm.Request
}

func (c *scriptedClient) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.script) == 0 {
		return llm.Response{}, fmt.Errorf("scripted client: unexpected call %d", len(c.requests))
	}
	step := c.script[0]
	c.script = c.script[1:]
	return step(req)
}

func text(content string) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{Content: content, Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
	}
}

func toolCall(name, args string) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{ToolCalls: []llm.ToolCall{{
			ID: "call_" + name, Name: name, Arguments: json.RawMessage(args),
		}}}, nil
	}
}

func fail(msg string) func(llm.Request) (llm.Response, error) {
	return func(llm.Request) (llm.Response, error) {
		return llm.Response{}, fmt.Errorf("%s", msg)
	}
}

// memStore is an in-memory thread store with the same version-guard
// semantics as the database layer.
type memStore struct {
	mu      sync.Mutex
	threads map[uuid.UUID]model.Thread

	// saveHook runs before each save while the lock is held, letting a
	// test inject a competing writer.
	saveHook func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{threads: make(map[uuid.UUID]model.Thread)}
}

func (s *memStore) LoadThread(_ context.Context, id uuid.UUID) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return model.NewThread(id), nil
	}
	return t, nil
}

func (s *memStore) SaveThread(_ context.Context, t model.Thread) (model.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveHook != nil {
		hook := s.saveHook
		s.saveHook = nil
		hook(s)
	}
	cur, ok := s.threads[t.ID]
	if ok && cur.Version != t.Version {
		return model.Thread{}, storage.ErrVersionConflict
	}
	if !ok && t.Version != 0 {
		return model.Thread{}, storage.ErrVersionConflict
	}
	t.Version++
	s.threads[t.ID] = t
	return t, nil
}

// captureRecorder collects recorded runs.
type captureRecorder struct {
	mu   sync.Mutex
	runs []model.AgentRun
}

func (r *captureRecorder) Record(_ context.Context, run model.AgentRun) {
	r.mu.Lock()
	r.runs = append(r.runs, run)
	r.mu.Unlock()
}

func (r *captureRecorder) all() []model.AgentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.AgentRun{}, r.runs...)
}

// echoTool succeeds; failTool always returns an error payload.
type echoTool struct{}

func (echoTool) Name() string                 { return "echo" }
func (echoTool) Description() string          { return "echoes its input" }
func (echoTool) Schema() json.RawMessage      { return json.RawMessage(`{"type":"object"}`) }
func (echoTool) Call(_ context.Context, args json.RawMessage) (string, error) {
	return fmt.Sprintf(`{"echo":%s}`, string(args)), nil
}

type failTool struct{}

func (failTool) Name() string            { return "broken" }
func (failTool) Description() string     { return "always fails" }
func (failTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (failTool) Call(_ context.Context, _ json.RawMessage) (string, error) {
	return "", fmt.Errorf("backend unavailable")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(client llm.Client, store engine.ThreadStore, rec engine.RunRecorder, ts ...tools.Tool) *engine.Engine {
	return engine.New(client, store, tools.NewRegistry(ts...), rec, nil, testLogger(), engine.Config{
		Model:      "gpt-4",
		MaxSteps:   8,
		Timeout:    5 * time.Second,
		SampleRate: 0,
	})
}

func TestExecuteRejectsEmptyMessage(t *testing.T) {
	rec := &captureRecorder{}
	e := newEngine(&scriptedClient{}, newMemStore(), rec)

	for _, msg := range []string{"", "   \n\t"} {
		_, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: msg})
		assert.ErrorIs(t, err, engine.ErrInvalidInput)
	}
	assert.Empty(t, rec.all(), "rejected requests must not be recorded")
}

func TestExecuteGeneratesThreadID(t *testing.T) {
	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		text("1. answer directly"),
		text("hello there"),
	}}
	store := newMemStore()
	rec := &captureRecorder{}
	e := newEngine(client, store, rec)

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "hi"})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.ThreadID)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Equal(t, "hello there", res.Response)
	assert.Equal(t, "1. answer directly", res.Plan)
	assert.Len(t, res.TraceID, 32)
	assert.False(t, res.Truncated)

	// Planner sees no tools, executor path here uses none either.
	require.Len(t, client.requests, 2)
	assert.Empty(t, client.requests[0].Tools)

	saved, err := store.LoadThread(context.Background(), res.ThreadID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 2)
	assert.Equal(t, model.RoleUser, saved.Messages[0].Role)
	assert.Equal(t, model.RoleAgent, saved.Messages[1].Role)
	require.NotNil(t, saved.Plan)
	assert.Equal(t, "1. answer directly", *saved.Plan)

	runs := rec.all()
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
	assert.Equal(t, "hi", runs[0].Input)
	assert.Equal(t, "hello there", runs[0].Output)
	require.NotNil(t, runs[0].PromptTokens)
	assert.Equal(t, 20, *runs[0].PromptTokens)
}

func TestSequentialTurnsAccumulateHistory(t *testing.T) {
	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		text("plan a"), text("answer a"),
		text("plan b"), text("answer b"),
	}}
	store := newMemStore()
	e := newEngine(client, store, &captureRecorder{})

	first, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "turn one"})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), engine.Request{
		UserID: "u1", Message: "turn two", ThreadID: &first.ThreadID,
	})
	require.NoError(t, err)

	saved, err := store.LoadThread(context.Background(), first.ThreadID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 4)
	assert.Equal(t, "turn one", saved.Messages[0].Content)
	assert.Equal(t, "answer a", saved.Messages[1].Content)
	assert.Equal(t, "turn two", saved.Messages[2].Content)
	assert.Equal(t, "answer b", saved.Messages[3].Content)
	assert.Equal(t, int64(2), saved.Version)

	// The second turn's planner call replays the first exchange.
	secondPlanner := client.requests[2]
	require.GreaterOrEqual(t, len(secondPlanner.Messages), 4)
	assert.Equal(t, "turn one", secondPlanner.Messages[1].Content)
	assert.Equal(t, "answer a", secondPlanner.Messages[2].Content)
}

func TestPlannerFailureEndsTurn(t *testing.T) {
	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		fail("upstream 500"),
	}}
	store := newMemStore()
	rec := &captureRecorder{}
	e := newEngine(client, store, rec)

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "hi"})
	require.ErrorIs(t, err, engine.ErrModelFailure)
	assert.Equal(t, model.RunStatusError, res.Status)

	// Nothing was persisted to the thread.
	saved, err := store.LoadThread(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, saved.Messages)

	runs := rec.all()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusError, runs[0].Status)
	require.NotNil(t, runs[0].ErrorDetail)
	assert.Contains(t, *runs[0].ErrorDetail, "upstream 500")
}

func TestToolFailureIsContained(t *testing.T) {
	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		text("1. use the broken tool"),
		toolCall("broken", `{}`),
		text("the tool is down, but here is my best answer"),
	}}
	store := newMemStore()
	e := newEngine(client, store, &captureRecorder{}, failTool{})

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "try the tool"})
	require.NoError(t, err, "a failing tool must not fail the turn")
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.Contains(t, res.Response, "best answer")

	// The model saw the failure as structured error data.
	last := client.requests[2].Messages
	toolMsg := last[len(last)-1]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	assert.Contains(t, toolMsg.Content, "backend unavailable")

	// The tool record lands in the saved history.
	saved, err := store.LoadThread(context.Background(), res.ThreadID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 3)
	assert.Equal(t, model.RoleTool, saved.Messages[1].Role)
}

func TestConsecutiveToolFailuresWithholdTools(t *testing.T) {
	script := []func(llm.Request) (llm.Response, error){
		text("1. keep trying the broken tool"),
		toolCall("broken", `{}`),
		toolCall("broken", `{}`),
		toolCall("broken", `{}`),
		text("giving up on tools"),
	}
	client := &scriptedClient{script: script}
	e := newEngine(client, newMemStore(), &captureRecorder{}, failTool{})

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "go"})
	require.NoError(t, err)
	assert.Equal(t, "giving up on tools", res.Response)

	// The first three executor calls offer tools; after three straight
	// failures the final call does not.
	require.Len(t, client.requests, 5)
	assert.NotEmpty(t, client.requests[1].Tools)
	assert.NotEmpty(t, client.requests[3].Tools)
	assert.Empty(t, client.requests[4].Tools)
}

func TestStepBudgetTruncates(t *testing.T) {
	var script []func(llm.Request) (llm.Response, error)
	script = append(script, text("1. loop forever"))
	for i := 0; i < 8; i++ {
		script = append(script, toolCall("echo", `{"n":1}`))
	}
	client := &scriptedClient{script: script}
	rec := &captureRecorder{}
	e := newEngine(client, newMemStore(), rec, echoTool{})

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "loop"})
	require.NoError(t, err)
	assert.True(t, res.Truncated)
	assert.Equal(t, model.RunStatusSuccess, res.Status)
	assert.NotEmpty(t, res.Response)
	require.Len(t, rec.all(), 1)
	assert.Equal(t, model.RunStatusSuccess, rec.all()[0].Status)
}

func TestTimeoutRecordsTimeoutRun(t *testing.T) {
	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		func(llm.Request) (llm.Response, error) {
			time.Sleep(50 * time.Millisecond)
			return llm.Response{}, context.DeadlineExceeded
		},
	}}
	store := newMemStore()
	rec := &captureRecorder{}
	e := engine.New(client, store, tools.NewRegistry(), rec, nil, testLogger(), engine.Config{
		Model:   "gpt-4",
		Timeout: 10 * time.Millisecond,
	})

	res, err := e.Execute(context.Background(), engine.Request{UserID: "u1", Message: "slow"})
	require.NoError(t, err, "timeouts surface as a status, not an error")
	assert.Equal(t, model.RunStatusTimeout, res.Status)
	assert.GreaterOrEqual(t, res.LatencyMS, int64(10))

	saved, err := store.LoadThread(context.Background(), res.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, saved.Messages, "a timed-out turn must not touch the thread")

	runs := rec.all()
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusTimeout, runs[0].Status)
}

func TestSaveConflictReplaysAppend(t *testing.T) {
	threadID := uuid.New()
	store := newMemStore()

	// A competing writer lands its own message between this turn's load
	// and save.
	store.saveHook = func(s *memStore) {
		t := model.NewThread(threadID)
		t.Messages = []model.Message{{Role: model.RoleUser, Content: "from the other writer"}}
		t.Version = 1
		s.threads[threadID] = t
	}

	client := &scriptedClient{script: []func(llm.Request) (llm.Response, error){
		text("plan"), text("my answer"),
	}}
	e := newEngine(client, store, &captureRecorder{})

	res, err := e.Execute(context.Background(), engine.Request{
		UserID: "u1", Message: "mine", ThreadID: &threadID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, res.Status)

	saved, err := store.LoadThread(context.Background(), threadID)
	require.NoError(t, err)
	require.Len(t, saved.Messages, 3, "no writer's messages may be lost")
	assert.Equal(t, "from the other writer", saved.Messages[0].Content)
	assert.Equal(t, "mine", saved.Messages[1].Content)
	assert.Equal(t, "my answer", saved.Messages[2].Content)
}

func TestRoutingPolicy(t *testing.T) {
	cases := []struct {
		state engine.State
		err   error
		want  engine.State
	}{
		{engine.StatePlanning, nil, engine.StateExecuting},
		{engine.StatePlanning, fmt.Errorf("boom"), engine.StateDone},
		{engine.StateExecuting, nil, engine.StateDone},
		{engine.StateExecuting, fmt.Errorf("boom"), engine.StateDone},
		{engine.StateDone, nil, engine.StateDone},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, engine.Next(tc.state, tc.err), "from %s err=%v", tc.state, tc.err)
	}
}
