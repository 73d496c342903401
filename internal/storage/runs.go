package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// MaxRunListLimit caps the page size for run history queries.
const MaxRunListLimit = 1000

// RunFilter narrows a run history query. All fields are optional; zero
// values match everything. Search matches input or output
// case-insensitively.
type RunFilter struct {
	UserID   string
	ThreadID *uuid.UUID
	Status   string
	Search   string
	Limit    int
	Offset   int
}

// InsertRun writes one immutable run record.
func (db *DB) InsertRun(ctx context.Context, run model.AgentRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs
		   (id, thread_id, user_id, input, output, status, latency_ms,
		    trace_id, prompt_tokens, completion_tokens, error_detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.ThreadID, run.UserID, run.Input, run.Output, string(run.Status),
		run.LatencyMS, run.TraceID, run.PromptTokens, run.CompletionTokens,
		run.ErrorDetail, run.CreatedAt,
	)
	if err != nil {
		return markUnavailable("insert run", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	var r model.AgentRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, thread_id, user_id, input, output, status, latency_ms,
		        trace_id, prompt_tokens, completion_tokens, error_detail, created_at
		 FROM agent_runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.ThreadID, &r.UserID, &r.Input, &r.Output, &r.Status, &r.LatencyMS,
		&r.TraceID, &r.PromptTokens, &r.CompletionTokens, &r.ErrorDetail, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, ErrNotFound
		}
		return model.AgentRun{}, markUnavailable("get run", err)
	}
	return r, nil
}

// ListRuns returns a page of runs matching the filter, newest first,
// plus the total count under the same filter.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.AgentRun, int, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > MaxRunListLimit {
		f.Limit = MaxRunListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := "WHERE TRUE"
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		where += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	if f.ThreadID != nil {
		args = append(args, *f.ThreadID)
		where += fmt.Sprintf(" AND thread_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where += fmt.Sprintf(" AND (input ILIKE $%d OR output ILIKE $%d)", len(args), len(args))
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_runs `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, markUnavailable("count runs", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, user_id, input, output, status, latency_ms,
		        trace_id, prompt_tokens, completion_tokens, error_detail, created_at
		 FROM agent_runs `+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, markUnavailable("list runs", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		var r model.AgentRun
		if err := rows.Scan(
			&r.ID, &r.ThreadID, &r.UserID, &r.Input, &r.Output, &r.Status, &r.LatencyMS,
			&r.TraceID, &r.PromptTokens, &r.CompletionTokens, &r.ErrorDetail, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}

// ListRunsForEvaluation returns runs created since the cutoff that are
// missing at least one of the given metrics, oldest first. Used by the
// evaluation pipeline; already fully-scored runs are skipped here so a
// re-run does no judge work for them.
func (db *DB) ListRunsForEvaluation(ctx context.Context, since time.Time, metrics []string, limit int) ([]model.AgentRun, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, user_id, input, output, status, latency_ms,
		        trace_id, prompt_tokens, completion_tokens, error_detail, created_at
		 FROM agent_runs r
		 WHERE r.created_at >= $1
		   AND (SELECT COUNT(*) FROM evaluation_scores s
		        WHERE s.run_id = r.id AND s.metric_name = ANY($2)) < $3
		 ORDER BY created_at ASC
		 LIMIT $4`,
		since, metrics, len(metrics), limit,
	)
	if err != nil {
		return nil, markUnavailable("list runs for evaluation", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		var r model.AgentRun
		if err := rows.Scan(
			&r.ID, &r.ThreadID, &r.UserID, &r.Input, &r.Output, &r.Status, &r.LatencyMS,
			&r.TraceID, &r.PromptTokens, &r.CompletionTokens, &r.ErrorDetail, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
