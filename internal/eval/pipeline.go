// Package eval scores completed agent runs offline with an LLM judge.
// The pipeline is idempotent: a (run, metric) pair is scored at most once,
// enforced by the store's unique constraint, so it is safe to re-run over
// an overlapping window.
package eval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nagare-ai/nagare/internal/model"
)

// Store is the slice of the storage layer the pipeline needs.
// Satisfied by *storage.DB.
type Store interface {
	ListRunsForEvaluation(ctx context.Context, since time.Time, metrics []string, limit int) ([]model.AgentRun, error)
	ScoredMetrics(ctx context.Context, runID uuid.UUID) (map[string]bool, error)
	InsertScore(ctx context.Context, s model.EvaluationScore) (bool, error)
}

// MetricSummary aggregates one metric's outcomes over a pipeline run.
type MetricSummary struct {
	SuccessCount int     `json:"success_count"`
	FailureCount int     `json:"failure_count"`
	AvgScore     float64 `json:"avg_score"`
}

// Report summarizes one pipeline run.
type Report struct {
	TotalRuns       int                      `json:"total_runs"`
	SuccessCount    int                      `json:"success_count"`
	FailureCount    int                      `json:"failure_count"`
	DurationSeconds float64                  `json:"duration_seconds"`
	Metrics         map[string]MetricSummary `json:"metrics"`
}

// Pipeline evaluates unscored runs in a lookback window.
type Pipeline struct {
	store   Store
	judge   Judge
	metrics []Metric
	workers int
	logger  *slog.Logger
}

// New creates a pipeline over the default metric battery.
func New(store Store, judge Judge, workers int, logger *slog.Logger) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		store:   store,
		judge:   judge,
		metrics: DefaultMetrics,
		workers: workers,
		logger:  logger,
	}
}

// Run scores every run in the window that is missing at least one metric.
// Judge failures are counted and skipped, never fatal; only a storage
// failure listing the candidates aborts the pipeline.
func (p *Pipeline) Run(ctx context.Context, window time.Duration) (Report, error) {
	start := time.Now()
	since := start.Add(-window)

	runs, err := p.store.ListRunsForEvaluation(ctx, since, MetricNames(p.metrics), 0)
	if err != nil {
		return Report{}, err
	}

	report := Report{
		TotalRuns: len(runs),
		Metrics:   make(map[string]MetricSummary, len(p.metrics)),
	}
	for _, m := range p.metrics {
		report.Metrics[m.Name] = MetricSummary{}
	}

	var (
		mu     sync.Mutex
		totals = make(map[string]float64, len(p.metrics))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, run := range runs {
		g.Go(func() error {
			scored, err := p.store.ScoredMetrics(gctx, run.ID)
			if err != nil {
				p.logger.WarnContext(gctx, "skipping run, cannot read existing scores",
					slog.String("run_id", run.ID.String()), slog.String("error", err.Error()))
				mu.Lock()
				report.FailureCount++
				mu.Unlock()
				return nil
			}

			runFailed := false
			for _, metric := range p.metrics {
				if scored[metric.Name] {
					continue
				}

				verdict, err := p.judge.Score(gctx, metric, run.Input, run.Output)
				if err != nil {
					p.logger.WarnContext(gctx, "judge failed",
						slog.String("run_id", run.ID.String()),
						slog.String("metric", metric.Name),
						slog.String("error", err.Error()))
					mu.Lock()
					s := report.Metrics[metric.Name]
					s.FailureCount++
					report.Metrics[metric.Name] = s
					mu.Unlock()
					runFailed = true
					continue
				}

				_, err = p.store.InsertScore(gctx, model.EvaluationScore{
					ID:         uuid.New(),
					RunID:      run.ID,
					MetricName: metric.Name,
					Score:      verdict.Value,
					Reasoning:  verdict.Reasoning,
					CreatedAt:  time.Now().UTC(),
				})
				if err != nil {
					p.logger.WarnContext(gctx, "score insert failed",
						slog.String("run_id", run.ID.String()),
						slog.String("metric", metric.Name),
						slog.String("error", err.Error()))
					mu.Lock()
					s := report.Metrics[metric.Name]
					s.FailureCount++
					report.Metrics[metric.Name] = s
					mu.Unlock()
					runFailed = true
					continue
				}

				mu.Lock()
				s := report.Metrics[metric.Name]
				s.SuccessCount++
				report.Metrics[metric.Name] = s
				totals[metric.Name] += verdict.Value
				mu.Unlock()
			}

			mu.Lock()
			if runFailed {
				report.FailureCount++
			} else {
				report.SuccessCount++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	for name, s := range report.Metrics {
		if s.SuccessCount > 0 {
			s.AvgScore = totals[name] / float64(s.SuccessCount)
			report.Metrics[name] = s
		}
	}
	report.DurationSeconds = time.Since(start).Seconds()

	p.logger.InfoContext(ctx, "evaluation finished",
		slog.Int("total_runs", report.TotalRuns),
		slog.Int("success", report.SuccessCount),
		slog.Int("failures", report.FailureCount),
		slog.Float64("duration_seconds", report.DurationSeconds),
	)
	return report, nil
}
