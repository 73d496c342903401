package recorder_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/recorder"
)

type fakeStore struct {
	inserted []model.AgentRun
	err      error
}

func (s *fakeStore) InsertRun(_ context.Context, run model.AgentRun) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, run)
	return nil
}

func TestRecordPersistsRun(t *testing.T) {
	store := &fakeStore{}
	r := recorder.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	run := model.AgentRun{ID: uuid.New(), ThreadID: uuid.New(), Status: model.RunStatusSuccess}
	r.Record(context.Background(), run)

	assert.Len(t, store.inserted, 1)
	assert.Equal(t, run.ID, store.inserted[0].ID)
}

func TestRecordDropsOnStorageFailure(t *testing.T) {
	store := &fakeStore{err: fmt.Errorf("connection refused")}
	r := recorder.New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		r.Record(context.Background(), model.AgentRun{ID: uuid.New()})
	})
	assert.Empty(t, store.inserted)
}
