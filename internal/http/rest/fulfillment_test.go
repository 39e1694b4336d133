package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/italolelis/gamevault/internal/artifact"
	"github.com/italolelis/gamevault/internal/delivery"
	"github.com/italolelis/gamevault/internal/fulfillment"
	"github.com/italolelis/gamevault/internal/pathguard"
	"github.com/italolelis/gamevault/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRequester struct {
	id       string
	inFlight bool
	err      error

	called   bool
	lastUser string
	lastKey  storage.ResourceKey
	lastPath string
	lastKind artifact.Kind
}

func (m *mockRequester) RequestDownload(ctx context.Context, userID string, key storage.ResourceKey, sourcePath string, kind artifact.Kind) (string, bool, error) {
	m.called = true
	m.lastUser = userID
	m.lastKey = key
	m.lastPath = sourcePath
	m.lastKind = kind

	return m.id, m.inFlight, m.err
}

type mockDeliverer struct {
	req      *storage.Request
	list     []storage.Request
	artifact func() (*delivery.Artifact, error)
	err      error

	lastUser string
	lastID   string
}

func (m *mockDeliverer) Lookup(ctx context.Context, requestID, userID string) (*storage.Request, error) {
	m.lastID, m.lastUser = requestID, userID

	return m.req, m.err
}

func (m *mockDeliverer) List(ctx context.Context, userID string, limit int) ([]storage.Request, error) {
	m.lastUser = userID

	return m.list, m.err
}

func (m *mockDeliverer) Fetch(ctx context.Context, requestID, userID string) (*delivery.Artifact, error) {
	m.lastID, m.lastUser = requestID, userID

	if m.err != nil {
		return nil, m.err
	}

	return m.artifact()
}

func serve(t *testing.T, h *FulfillmentHandler, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	return resp
}

func TestHandleCreate(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		requester  *mockRequester
		wantCode   int
		wantError  string
		wantReason string
		wantCalled bool
	}{
		{
			name:       "new job",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{id: "req-1"},
			wantCode:   http.StatusAccepted,
			wantCalled: true,
		},
		{
			name:       "joined in-flight job",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{id: "req-1", inFlight: true},
			wantCode:   http.StatusOK,
			wantCalled: true,
		},
		{
			name:       "path outside roots",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/../../etc/passwd"}`,
			requester:  &mockRequester{err: &fulfillment.AccessDeniedError{Reason: pathguard.ReasonOutsideAllowedDirectories}},
			wantCode:   http.StatusForbidden,
			wantError:  "access_denied",
			wantReason: "outside_allowed_directories",
			wantCalled: true,
		},
		{
			name:       "path missing inside roots",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Gone"}`,
			requester:  &mockRequester{err: &fulfillment.AccessDeniedError{Reason: pathguard.ReasonNotFound}},
			wantCode:   http.StatusNotFound,
			wantError:  "not_found",
			wantReason: "not_found",
			wantCalled: true,
		},
		{
			name:       "invalid input",
			body:       `{"resource_kind":"folder","resource_id":"../x","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{err: &fulfillment.InvalidInputError{Field: "resource"}},
			wantCode:   http.StatusBadRequest,
			wantError:  "invalid_input",
			wantReason: "resource",
			wantCalled: true,
		},
		{
			name:       "queue full",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{err: fulfillment.ErrBusy},
			wantCode:   http.StatusServiceUnavailable,
			wantError:  "busy",
			wantCalled: true,
		},
		{
			name:       "store failure hides details",
			body:       `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{err: errors.New("database is locked at /var/lib/x.db")},
			wantCode:   http.StatusInternalServerError,
			wantError:  fulfillment.FailureMessage,
			wantCalled: true,
		},
		{
			name:       "unknown resource kind",
			body:       `{"resource_kind":"dlc","resource_id":"Foo","source_path":"/allowed/games/Foo"}`,
			requester:  &mockRequester{},
			wantCode:   http.StatusBadRequest,
			wantError:  "invalid_input",
			wantReason: "resource_kind",
		},
		{
			name:      "malformed body",
			body:      `{"resource_kind":`,
			requester: &mockRequester{},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_request",
		},
		{
			name:      "unknown field",
			body:      `{"resource_kind":"folder","resource_id":"Foo","source_path":"/a","owner":"root"}`,
			requester: &mockRequester{},
			wantCode:  http.StatusBadRequest,
			wantError: "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewFulfillmentHandler(tt.requester, &mockDeliverer{})

			rec := serve(t, h, http.MethodPost, "/fulfillments", "alice", tt.body)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantCalled, tt.requester.called)
			assert.NotContains(t, rec.Body.String(), "/etc/passwd")
			assert.NotContains(t, rec.Body.String(), "/var/lib")

			if tt.wantError != "" {
				resp := decodeError(t, rec)
				assert.Equal(t, tt.wantError, resp.Error)
				assert.Equal(t, tt.wantReason, resp.Reason)

				return
			}

			var resp CreateFulfillmentResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.requester.id, resp.ID)
			assert.Equal(t, tt.requester.inFlight, resp.AlreadyInFlight)
			assert.Equal(t, "alice", tt.requester.lastUser)
			assert.Equal(t, storage.ResourceKey{Kind: storage.ResourceFolder, ID: "Foo"}, tt.requester.lastKey)
			assert.Equal(t, artifact.KindFolder, tt.requester.lastKind)
		})
	}
}

func TestHandleCreate_DefaultArtifactKind(t *testing.T) {
	requester := &mockRequester{id: "req-1"}
	h := NewFulfillmentHandler(requester, &mockDeliverer{})

	rec := serve(t, h, http.MethodPost, "/fulfillments", "alice",
		`{"resource_kind":"primary","resource_id":"game_1","source_path":"/allowed/games/game.iso"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, artifact.KindFile, requester.lastKind)

	rec = serve(t, h, http.MethodPost, "/fulfillments", "alice",
		`{"resource_kind":"primary","resource_id":"game_1","source_path":"/allowed/games/game.iso","artifact_kind":"bundle"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, artifact.KindBundle, requester.lastKind)
}

func TestHandleCreate_JoinedStatus(t *testing.T) {
	body := `{"resource_kind":"folder","resource_id":"Foo","source_path":"/allowed/games/Foo"}`

	tests := []struct {
		name       string
		requester  *mockRequester
		deliverer  *mockDeliverer
		wantStatus string
	}{
		{
			name:       "new job is processing",
			requester:  &mockRequester{id: "req-1"},
			deliverer:  &mockDeliverer{},
			wantStatus: "processing",
		},
		{
			name:       "joined job still pending",
			requester:  &mockRequester{id: "req-1", inFlight: true},
			deliverer:  &mockDeliverer{req: &storage.Request{ID: "req-1", Status: storage.StatusPending}},
			wantStatus: "pending",
		},
		{
			name:       "joined job finished meanwhile",
			requester:  &mockRequester{id: "req-1", inFlight: true},
			deliverer:  &mockDeliverer{req: &storage.Request{ID: "req-1", Status: storage.StatusReady}},
			wantStatus: "ready",
		},
		{
			name:       "lookup failure keeps processing",
			requester:  &mockRequester{id: "req-1", inFlight: true},
			deliverer:  &mockDeliverer{err: errors.New("db closed")},
			wantStatus: "processing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewFulfillmentHandler(tt.requester, tt.deliverer)

			rec := serve(t, h, http.MethodPost, "/fulfillments", "alice", body)
			if tt.requester.inFlight {
				require.Equal(t, http.StatusOK, rec.Code)
			} else {
				require.Equal(t, http.StatusAccepted, rec.Code)
			}

			var resp CreateFulfillmentResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
		})
	}
}

func TestUserMiddleware(t *testing.T) {
	requester := &mockRequester{}
	h := NewFulfillmentHandler(requester, &mockDeliverer{})

	rec := serve(t, h, http.MethodPost, "/fulfillments", "",
		`{"resource_kind":"folder","resource_id":"Foo","source_path":"/a"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, requester.called)

	rec = serve(t, h, http.MethodGet, "/fulfillments", strings.Repeat("u", 200), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGet(t *testing.T) {
	completed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	deliverer := &mockDeliverer{req: &storage.Request{
		ID:           "req-1",
		UserID:       "alice",
		Resource:     storage.ResourceKey{Kind: storage.ResourceFolder, ID: "Foo"},
		ArtifactKind: "folder",
		SourcePath:   "/allowed/games/Foo",
		Status:       storage.StatusFailed,
		OutputPath:   "/srv/out/x.zip",
		ErrorDetail:  "open /allowed/games/Foo/a.exe: permission denied",
		CompletedAt:  &completed,
	}}

	h := NewFulfillmentHandler(&mockRequester{}, deliverer)

	rec := serve(t, h, http.MethodGet, "/fulfillments/req-1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "req-1", deliverer.lastID)
	assert.Equal(t, "alice", deliverer.lastUser)

	var view FulfillmentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "failed", view.Status)
	assert.Equal(t, fulfillment.FailureMessage, view.Error)

	assert.NotContains(t, rec.Body.String(), "/allowed")
	assert.NotContains(t, rec.Body.String(), "/srv/out")
	assert.NotContains(t, rec.Body.String(), "permission denied")
}

func TestHandleList(t *testing.T) {
	deliverer := &mockDeliverer{list: []storage.Request{
		{ID: "a", Status: storage.StatusReady, OutputSize: 10, Checksum: "abc"},
		{ID: "b", Status: storage.StatusProcessing},
	}}

	h := NewFulfillmentHandler(&mockRequester{}, deliverer)

	rec := serve(t, h, http.MethodGet, "/fulfillments?limit=10", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []FulfillmentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 2)
	assert.Equal(t, int64(10), views[0].Size)
	assert.Equal(t, "abc", views[0].Checksum)
	assert.Empty(t, views[1].Checksum)

	rec = serve(t, h, http.MethodGet, "/fulfillments?limit=-1", "alice", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDownload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.zip")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	modTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	deliverer := &mockDeliverer{artifact: func() (*delivery.Artifact, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}

		return &delivery.Artifact{File: f, Filename: "folder-Foo.zip", Size: 10, ModTime: modTime, Checksum: "abc123"}, nil
	}}

	h := NewFulfillmentHandler(&mockRequester{}, deliverer)

	rec := serve(t, h, http.MethodGet, "/fulfillments/req-1/download", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, `attachment; filename=folder-Foo.zip`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, `"abc123"`, rec.Header().Get("ETag"))
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	req := httptest.NewRequest(http.MethodGet, "/fulfillments/req-1/download", nil)
	req.Header.Set(UserHeader, "alice")
	req.Header.Set("Range", "bytes=2-4")

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/fulfillments/req-1/download", nil)
	req.Header.Set(UserHeader, "alice")
	req.Header.Set("If-None-Match", `"abc123"`)

	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestHandleDownload_Errors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError string
	}{
		{name: "unknown", err: delivery.ErrNotFound, wantCode: http.StatusNotFound, wantError: "not_found"},
		{name: "not owner", err: delivery.ErrAccessDenied, wantCode: http.StatusForbidden, wantError: "access_denied"},
		{name: "in flight", err: delivery.ErrNotReady, wantCode: http.StatusConflict, wantError: "not_ready"},
		{name: "failed", err: delivery.ErrFailed, wantCode: http.StatusConflict, wantError: fulfillment.FailureMessage},
		{name: "stale", err: delivery.ErrStale, wantCode: http.StatusGone, wantError: fulfillment.FailureMessage},
		{name: "unexpected", err: errors.New("boom"), wantCode: http.StatusInternalServerError, wantError: "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewFulfillmentHandler(&mockRequester{}, &mockDeliverer{err: tt.err})

			rec := serve(t, h, http.MethodGet, "/fulfillments/req-1/download", "alice", "")

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantError, decodeError(t, rec).Error)
		})
	}
}
