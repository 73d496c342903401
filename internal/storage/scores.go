package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/nagare-ai/nagare/internal/model"
)

// InsertScore writes one evaluation score. The (run_id, metric_name) pair is
// unique; if a score already exists the insert is a no-op and inserted is
// false. This is what makes the evaluation pipeline safe to re-run.
func (db *DB) InsertScore(ctx context.Context, s model.EvaluationScore) (inserted bool, err error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO evaluation_scores (id, run_id, metric_name, score, reasoning, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, metric_name) DO NOTHING`,
		s.ID, s.RunID, s.MetricName, s.Score, s.Reasoning, s.CreatedAt,
	)
	if err != nil {
		return false, markUnavailable("insert score", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ScoredMetrics returns the set of metric names already scored for a run.
func (db *DB) ScoredMetrics(ctx context.Context, runID uuid.UUID) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT metric_name FROM evaluation_scores WHERE run_id = $1`, runID,
	)
	if err != nil {
		return nil, markUnavailable("scored metrics", err)
	}
	defer rows.Close()

	scored := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("storage: scan metric name: %w", err)
		}
		scored[name] = true
	}
	return scored, rows.Err()
}

// ListScoresByRun returns all scores for a run.
func (db *DB) ListScoresByRun(ctx context.Context, runID uuid.UUID) ([]model.EvaluationScore, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, metric_name, score, reasoning, created_at
		 FROM evaluation_scores WHERE run_id = $1 ORDER BY metric_name`, runID,
	)
	if err != nil {
		return nil, markUnavailable("list scores", err)
	}
	defer rows.Close()

	var scores []model.EvaluationScore
	for rows.Next() {
		var s model.EvaluationScore
		if err := rows.Scan(&s.ID, &s.RunID, &s.MetricName, &s.Score, &s.Reasoning, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		scores = append(scores, s)
	}
	return scores, rows.Err()
}
