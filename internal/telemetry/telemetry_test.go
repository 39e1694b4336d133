package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelemetry(t *testing.T) *Telemetry {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "gamevault-test", ServiceVersion: "test"})
	require.NoError(t, err)

	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	return rec.Body.String()
}

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()

	// every recorder must be a no-op on a disabled instance
	tel.RecordFulfillment(ctx, "folder", "ready", time.Second, 10)
	tel.RecordCoalesced(ctx)
	tel.RecordPathRejection(ctx, "invalid_input")
	tel.RecordReaped(ctx, 2)

	size, err := tel.InstrumentFulfillment(ctx, "file", func(ctx context.Context) (int64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(42), size)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry

	err := tel.InstrumentDBOperation(context.Background(), "get", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.NotNil(t, tel.Tracer())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestInstrumentation_RecordsMetrics(t *testing.T) {
	tel := newTestTelemetry(t)
	ctx := context.Background()

	_, err := tel.InstrumentFulfillment(ctx, "folder", func(ctx context.Context) (int64, error) { return 1024, nil })
	require.NoError(t, err)

	boom := errors.New("disk full")
	_, err = tel.InstrumentFulfillment(ctx, "file", func(ctx context.Context) (int64, error) { return 0, boom })
	require.ErrorIs(t, err, boom)

	err = tel.InstrumentDBOperation(ctx, "try_acquire", func(ctx context.Context) error { return nil })
	require.NoError(t, err)

	tel.RecordCoalesced(ctx)
	tel.RecordPathRejection(ctx, "outside_allowed_directories")
	tel.RecordDelivery(ctx, "served")
	tel.RecordReaped(ctx, 1)
	tel.RecordArtifactsRemoved(ctx, "expired", 3)

	body := scrape(t, tel)

	for _, name := range []string{
		"fulfillments_total",
		"fulfillment_duration_seconds",
		"artifact_size_bytes",
		"db_operations_total",
		"fulfillment_requests_coalesced_total",
		"path_rejections_total",
		"deliveries_total",
		"fulfillments_reaped_total",
		"artifacts_removed_total",
	} {
		assert.Contains(t, body, name)
	}

	assert.NotContains(t, body, "_ratio")
	assert.NotContains(t, body, "_seconds_seconds")

	assert.Contains(t, body, `outside_allowed_directories`)
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	tel := newTestTelemetry(t)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/fulfillments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fulfillments/3f1c", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := scrape(t, tel)
	assert.Contains(t, body, `/fulfillments/{id}`)
	assert.NotContains(t, body, "3f1c")
	assert.Contains(t, body, `4xx`)
}

func TestRequestID(t *testing.T) {
	var seen string

	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		reused bool
	}{
		{"generated when absent", "", false},
		{"reused when well formed", "upstream-123", true},
		{"replaced when malformed", "bad value\nwith newline", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

			if tt.reused {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.NotEqual(t, tt.header, seen)
			}
		})
	}
}

func TestHTTPLogging_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusForbidden, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

			h := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "x")
			})))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			req = req.WithContext(logctx.WithLogger(req.Context(), logger))

			h.ServeHTTP(httptest.NewRecorder(), req)

			out := buf.String()
			assert.Contains(t, out, `"level":"`+tt.level+`"`)
			assert.Contains(t, out, `"request_id"`)
			assert.Contains(t, out, `"path":"/healthz"`)
		})
	}
}

func TestGetStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", getStatusClass(http.StatusAccepted))
	assert.Equal(t, "3xx", getStatusClass(http.StatusFound))
	assert.Equal(t, "4xx", getStatusClass(http.StatusGone))
	assert.Equal(t, "5xx", getStatusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", getStatusClass(100))
}
