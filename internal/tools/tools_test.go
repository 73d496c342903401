package tools_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nagare-ai/nagare/internal/model"
	"github.com/nagare-ai/nagare/internal/storage"
	"github.com/nagare-ai/nagare/internal/tools"
)

// stubStore is an in-memory Store for tool tests.
type stubStore struct {
	users map[string]model.User
	items map[uuid.UUID]model.Item
	err   error
}

func (s *stubStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	if s.err != nil {
		return model.User{}, s.err
	}
	u, ok := s.users[email]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *stubStore) GetItemByID(_ context.Context, id uuid.UUID) (model.Item, error) {
	if s.err != nil {
		return model.Item{}, s.err
	}
	it, ok := s.items[id]
	if !ok {
		return model.Item{}, storage.ErrNotFound
	}
	return it, nil
}

func (s *stubStore) ListItemsByOwner(_ context.Context, ownerID uuid.UUID, limit int) ([]model.Item, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []model.Item
	for _, it := range s.items {
		if it.OwnerID == ownerID && len(out) < limit {
			out = append(out, it)
		}
	}
	return out, nil
}

func decodeResult(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m), "tool results must be JSON: %s", s)
	return m
}

func TestRegistryDefinitionsOrder(t *testing.T) {
	store := &stubStore{}
	reg := tools.NewRegistry(append(tools.DataTools(store), tools.HTTPTools()...)...)

	defs := reg.Definitions()
	require.Len(t, defs, 5)
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
		assert.NotEmpty(t, d.Description)
		assert.True(t, json.Valid(d.Schema), "schema for %s must be valid JSON", d.Name)
	}
	assert.Equal(t, []string{
		"lookup_user_by_email", "lookup_item_by_id", "lookup_user_items",
		"http_get", "http_post",
	}, names)
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := tools.NewRegistry()
	out, err := reg.Dispatch(context.Background(), "launch_rockets", nil)
	require.NoError(t, err)
	m := decodeResult(t, out)
	assert.Contains(t, m["error"], "unknown tool")
}

func TestDispatchInvalidArguments(t *testing.T) {
	store := &stubStore{}
	reg := tools.NewRegistry(tools.DataTools(store)...)

	out, err := reg.Dispatch(context.Background(), "lookup_user_by_email", json.RawMessage(`{not json`))
	require.NoError(t, err)
	m := decodeResult(t, out)
	assert.Contains(t, m["error"], "not valid JSON")
}

func TestDispatchCancelledContext(t *testing.T) {
	reg := tools.NewRegistry(tools.HTTPTools()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Dispatch(ctx, "http_get", json.RawMessage(`{"url":"https://example.com"}`))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserByEmailTool(t *testing.T) {
	u := model.User{ID: uuid.New(), Email: "a@b.c", FullName: "Ada", IsActive: true}
	store := &stubStore{users: map[string]model.User{"a@b.c": u}}
	reg := tools.NewRegistry(tools.DataTools(store)...)

	out, err := reg.Dispatch(context.Background(), "lookup_user_by_email",
		json.RawMessage(`{"email":"a@b.c"}`))
	require.NoError(t, err)
	m := decodeResult(t, out)
	assert.Equal(t, "Ada", m["full_name"])
	assert.Equal(t, true, m["is_active"])

	// Missing user surfaces as error data, not a Go error.
	out, err = reg.Dispatch(context.Background(), "lookup_user_by_email",
		json.RawMessage(`{"email":"nobody@b.c"}`))
	require.NoError(t, err)
	m = decodeResult(t, out)
	assert.Contains(t, m["error"], "no user")
}

func TestStoreFailureSurfacesAsErrorData(t *testing.T) {
	store := &stubStore{err: fmt.Errorf("connection refused")}
	reg := tools.NewRegistry(tools.DataTools(store)...)

	out, err := reg.Dispatch(context.Background(), "lookup_user_by_email",
		json.RawMessage(`{"email":"a@b.c"}`))
	require.NoError(t, err, "store failures must not abort the turn")
	m := decodeResult(t, out)
	assert.Contains(t, m["error"], "connection refused")
}

func TestItemTools(t *testing.T) {
	owner := uuid.New()
	it := model.Item{ID: uuid.New(), Title: "Widget", Description: "a widget", OwnerID: owner}
	store := &stubStore{items: map[uuid.UUID]model.Item{it.ID: it}}
	reg := tools.NewRegistry(tools.DataTools(store)...)

	out, err := reg.Dispatch(context.Background(), "lookup_item_by_id",
		json.RawMessage(fmt.Sprintf(`{"item_id":%q}`, it.ID)))
	require.NoError(t, err)
	assert.Equal(t, "Widget", decodeResult(t, out)["title"])

	out, err = reg.Dispatch(context.Background(), "lookup_item_by_id",
		json.RawMessage(`{"item_id":"not-a-uuid"}`))
	require.NoError(t, err)
	assert.Contains(t, decodeResult(t, out)["error"], "not a valid UUID")

	out, err = reg.Dispatch(context.Background(), "lookup_user_items",
		json.RawMessage(fmt.Sprintf(`{"user_id":%q}`, owner)))
	require.NoError(t, err)
	m := decodeResult(t, out)
	assert.EqualValues(t, 1, m["count"])
}

func TestHTTPGetTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	reg := tools.NewRegistry(tools.HTTPTools()...)

	// The test server listens on 127.0.0.1, which the URL policy rejects;
	// that is itself the SSRF property under test.
	out, err := reg.Dispatch(context.Background(), "http_get",
		json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL)))
	require.NoError(t, err)
	assert.Contains(t, decodeResult(t, out)["error"], "loopback")
}

func TestHTTPToolRejectsUnsafeURLs(t *testing.T) {
	reg := tools.NewRegistry(tools.HTTPTools()...)

	for _, u := range []string{
		"file:///etc/passwd",
		"http://localhost:8080/internal",
		"http://169.254.169.254/latest/meta-data",
		"http://10.1.2.3/",
	} {
		out, err := reg.Dispatch(context.Background(), "http_get",
			json.RawMessage(fmt.Sprintf(`{"url":%q}`, u)))
		require.NoError(t, err)
		m := decodeResult(t, out)
		assert.Contains(t, m["error"], "rejected url", "url %s should be rejected", u)
	}
}

func TestHTTPToolTimeoutReturnsContextError(t *testing.T) {
	reg := tools.NewRegistry(tools.HTTPTools()...)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := reg.Dispatch(ctx, "http_get", json.RawMessage(`{"url":"https://example.com"}`))
	assert.Error(t, err)
}
