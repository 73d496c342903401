package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/nagare-ai/nagare/internal/llm"
)

const (
	// judgeAttempts bounds retries for one (run, metric) verdict.
	judgeAttempts = 3

	judgeBackoff = 500 * time.Millisecond
)

// Score is one judge verdict.
type Score struct {
	Value     float64
	Reasoning string
}

// Judge scores an exchange against a metric.
type Judge interface {
	Score(ctx context.Context, metric Metric, input, output string) (Score, error)
}

// LLMJudge asks a language model for a verdict. The model must reply with
// a single JSON object {"score": x, "reasoning": "..."}; anything else is
// retried and then treated as a judge failure.
type LLMJudge struct {
	client llm.Client
	model  string
}

// NewLLMJudge creates a judge using the given model.
func NewLLMJudge(client llm.Client, model string) *LLMJudge {
	return &LLMJudge{client: client, model: model}
}

const judgeSystemPrompt = `You are an impartial evaluator of assistant responses.
%s

Reply with exactly one JSON object and nothing else:
{"score": <number between 0.0 and 1.0>, "reasoning": "<one or two sentences>"}`

func (j *LLMJudge) Score(ctx context.Context, metric Metric, input, output string) (Score, error) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(judgeSystemPrompt, metric.Rubric)},
		{Role: llm.RoleUser, Content: fmt.Sprintf("User request:\n%s\n\nAssistant response:\n%s", input, output)},
	}

	var lastErr error
	for attempt := 0; attempt < judgeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Score{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * judgeBackoff):
			}
		}

		resp, err := j.client.Complete(ctx, llm.Request{
			Model:    j.model,
			Messages: msgs,
		})
		if err != nil {
			lastErr = err
			continue
		}

		s, err := parseVerdict(resp.Content)
		if err != nil {
			lastErr = err
			continue
		}
		return s, nil
	}
	return Score{}, fmt.Errorf("judge %s: %w", metric.Name, lastErr)
}

// parseVerdict extracts the verdict JSON, tolerating a surrounding code
// fence but nothing else. Scores are clamped to [0, 1].
func parseVerdict(content string) (Score, error) {
	raw := strings.TrimSpace(content)
	if i := strings.Index(raw, "{"); i >= 0 {
		if j := strings.LastIndex(raw, "}"); j > i {
			raw = raw[i : j+1]
		}
	}

	var verdict struct {
		Score     *float64 `json:"score"`
		Reasoning string   `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return Score{}, fmt.Errorf("malformed verdict: %w", err)
	}
	if verdict.Score == nil || math.IsNaN(*verdict.Score) {
		return Score{}, fmt.Errorf("verdict missing score")
	}

	v := *verdict.Score
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return Score{Value: v, Reasoning: verdict.Reasoning}, nil
}
