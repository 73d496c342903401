package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nagare-ai/nagare/internal/model"
)

// InsertSpans batch-inserts captured trace spans using COPY.
// Returns the number of spans written.
func (db *DB) InsertSpans(ctx context.Context, spans []model.TraceSpan) (int, error) {
	if len(spans) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(spans))
	for i, s := range spans {
		attrs, err := json.Marshal(s.Attributes)
		if err != nil {
			return 0, fmt.Errorf("storage: encode span attributes: %w", err)
		}
		rows[i] = []any{
			s.ID, s.TraceID, s.SpanID, s.ParentSpanID, s.Name, s.Status,
			attrs, s.StartedAt, s.EndedAt,
		}
	}

	n, err := db.pool.CopyFrom(ctx,
		pgx.Identifier{"trace_spans"},
		[]string{"id", "trace_id", "span_id", "parent_span_id", "name", "status",
			"attributes", "started_at", "ended_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return 0, markUnavailable("insert spans", err)
	}
	return int(n), nil
}

// ListSpansByTrace returns the persisted spans of one trace in start order.
func (db *DB) ListSpansByTrace(ctx context.Context, traceID string) ([]model.TraceSpan, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, span_id, parent_span_id, name, status, attributes, started_at, ended_at
		 FROM trace_spans WHERE trace_id = $1 ORDER BY started_at ASC`, traceID,
	)
	if err != nil {
		return nil, markUnavailable("list spans", err)
	}
	defer rows.Close()

	var spans []model.TraceSpan
	for rows.Next() {
		var (
			s        model.TraceSpan
			rawAttrs []byte
		)
		if err := rows.Scan(&s.ID, &s.TraceID, &s.SpanID, &s.ParentSpanID, &s.Name,
			&s.Status, &rawAttrs, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, fmt.Errorf("storage: scan span: %w", err)
		}
		if len(rawAttrs) > 0 {
			if err := json.Unmarshal(rawAttrs, &s.Attributes); err != nil {
				return nil, fmt.Errorf("storage: decode span attributes: %w", err)
			}
		}
		spans = append(spans, s)
	}
	return spans, rows.Err()
}
