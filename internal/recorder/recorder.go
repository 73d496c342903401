// Package recorder persists agent run records. Recording is strictly
// best-effort: a storage failure is logged and the record dropped, so
// bookkeeping can never fail or slow an invocation that already finished.
package recorder

import (
	"context"
	"log/slog"

	"github.com/nagare-ai/nagare/internal/model"
)

// RunStore is the slice of the storage layer the recorder writes to.
// Satisfied by *storage.DB.
type RunStore interface {
	InsertRun(ctx context.Context, run model.AgentRun) error
}

// Recorder writes run records with log-and-drop semantics.
type Recorder struct {
	store  RunStore
	logger *slog.Logger
}

// New creates a recorder over the given store.
func New(store RunStore, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record persists one run. Failures are logged, never returned.
func (r *Recorder) Record(ctx context.Context, run model.AgentRun) {
	if err := r.store.InsertRun(ctx, run); err != nil {
		r.logger.ErrorContext(ctx, "dropping run record",
			slog.String("run_id", run.ID.String()),
			slog.String("thread_id", run.ThreadID.String()),
			slog.String("status", string(run.Status)),
			slog.String("error", err.Error()),
		)
	}
}
