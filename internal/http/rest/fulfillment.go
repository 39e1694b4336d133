package rest

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/gamevault/internal/artifact"
	"github.com/italolelis/gamevault/internal/delivery"
	"github.com/italolelis/gamevault/internal/fulfillment"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/pathguard"
	"github.com/italolelis/gamevault/internal/storage"
)

// UserHeader carries the caller identity asserted by the trusted upstream.
const UserHeader = "X-User-ID"

const (
	maxBodySize      = 16 * 1024
	defaultListLimit = 50
	maxListLimit     = 200
)

type userKey struct{}

// Requester starts fulfillments.
type Requester interface {
	RequestDownload(ctx context.Context, userID string, key storage.ResourceKey, sourcePath string, kind artifact.Kind) (string, bool, error)
}

// Deliverer reads fulfillments and opens their artifacts.
type Deliverer interface {
	Lookup(ctx context.Context, requestID, userID string) (*storage.Request, error)
	List(ctx context.Context, userID string, limit int) ([]storage.Request, error)
	Fetch(ctx context.Context, requestID, userID string) (*delivery.Artifact, error)
}

// CreateFulfillmentRequest is the body of POST /fulfillments.
type CreateFulfillmentRequest struct {
	ResourceKind string `json:"resource_kind"`
	ResourceID   string `json:"resource_id"`
	SourcePath   string `json:"source_path"`
	ArtifactKind string `json:"artifact_kind"`
}

// CreateFulfillmentResponse is returned once a request is accepted or joined.
type CreateFulfillmentResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AlreadyInFlight bool   `json:"already_in_flight"`
}

// FulfillmentView is the client-facing shape of a request. It never carries
// paths or the stored error detail.
type FulfillmentView struct {
	ID           string     `json:"id"`
	ResourceKind string     `json:"resource_kind"`
	ResourceID   string     `json:"resource_id"`
	ArtifactKind string     `json:"artifact_kind"`
	Status       string     `json:"status"`
	Size         int64      `json:"size,omitempty"`
	Checksum     string     `json:"checksum,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type FulfillmentHandler struct {
	requester Requester
	deliverer Deliverer
}

// NewFulfillmentHandler creates the fulfillment API handler.
func NewFulfillmentHandler(requester Requester, deliverer Deliverer) *FulfillmentHandler {
	return &FulfillmentHandler{
		requester: requester,
		deliverer: deliverer,
	}
}

func (h *FulfillmentHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(userMiddleware)

	r.Post("/fulfillments", h.HandleCreate)
	r.Get("/fulfillments", h.HandleList)
	r.Get("/fulfillments/{id}", h.HandleGet)
	r.Get("/fulfillments/{id}/download", h.HandleDownload)

	return r
}

// HandleCreate validates the body and hands it to the coordinator.
func (h *FulfillmentHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req CreateFulfillmentRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		logger.DebugContext(ctx, "failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid_request", "")

		return
	}

	kind, err := storage.ParseResourceKind(req.ResourceKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "resource_kind")

		return
	}

	artifactKind := artifact.Kind(req.ArtifactKind)
	if req.ArtifactKind == "" {
		artifactKind = defaultArtifactKind(kind)
	}

	key := storage.ResourceKey{Kind: kind, ID: req.ResourceID}

	id, inFlight, err := h.requester.RequestDownload(ctx, userFromContext(ctx), key, req.SourcePath, artifactKind)
	if err != nil {
		h.writeRequestError(ctx, w, err)

		return
	}

	status := storage.StatusProcessing
	code := http.StatusAccepted

	if inFlight {
		code = http.StatusOK

		// the joined request may still be pending or may have finished meanwhile
		if joined, err := h.deliverer.Lookup(ctx, id, userFromContext(ctx)); err == nil && joined != nil {
			status = joined.Status
		} else if err != nil {
			logger.DebugContext(ctx, "failed to look up joined request", "fulfillment_id", id, "err", err)
		}
	}

	writeJSON(ctx, w, code, CreateFulfillmentResponse{ID: id, Status: string(status), AlreadyInFlight: inFlight})
}

// HandleList returns the caller's recent requests.
func (h *FulfillmentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit")

			return
		}

		limit = n
	}

	reqs, err := h.deliverer.List(ctx, userFromContext(ctx), limit)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to list fulfillments", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")

		return
	}

	views := make([]FulfillmentView, 0, len(reqs))
	for i := range reqs {
		views = append(views, toView(&reqs[i]))
	}

	writeJSON(ctx, w, http.StatusOK, views)
}

// HandleGet returns the status of a single request.
func (h *FulfillmentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := h.deliverer.Lookup(ctx, chi.URLParam(r, "id"), userFromContext(ctx))
	if err != nil {
		h.writeDeliveryError(ctx, w, err)

		return
	}

	writeJSON(ctx, w, http.StatusOK, toView(req))
}

// HandleDownload streams a ready artifact with range support.
func (h *FulfillmentHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	art, err := h.deliverer.Fetch(ctx, chi.URLParam(r, "id"), userFromContext(ctx))
	if err != nil {
		h.writeDeliveryError(ctx, w, err)

		return
	}
	defer art.File.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Filename}))
	w.Header().Set("Content-Type", contentType(art.Filename))
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if art.Checksum != "" {
		w.Header().Set("ETag", strconv.Quote(art.Checksum))
	}

	http.ServeContent(w, r, art.Filename, art.ModTime, art.File)
}

func (h *FulfillmentHandler) writeRequestError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		denied  *fulfillment.AccessDeniedError
		invalid *fulfillment.InvalidInputError
	)

	switch {
	case errors.As(err, &denied):
		if denied.Reason == pathguard.ReasonNotFound {
			writeError(w, http.StatusNotFound, "not_found", string(denied.Reason))

			return
		}

		writeError(w, http.StatusForbidden, "access_denied", string(denied.Reason))
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, "invalid_input", invalid.Field)
	case errors.Is(err, fulfillment.ErrBusy):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "busy", "")
	default:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to request download", "err", err)
		writeError(w, http.StatusInternalServerError, fulfillment.FailureMessage, "")
	}
}

func (h *FulfillmentHandler) writeDeliveryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, delivery.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "")
	case errors.Is(err, delivery.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access_denied", "")
	case errors.Is(err, delivery.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", "")
	case errors.Is(err, delivery.ErrFailed):
		writeError(w, http.StatusConflict, fulfillment.FailureMessage, "")
	case errors.Is(err, delivery.ErrStale):
		writeError(w, http.StatusGone, fulfillment.FailureMessage, "stale")
	default:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to serve fulfillment", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func toView(req *storage.Request) FulfillmentView {
	v := FulfillmentView{
		ID:           req.ID,
		ResourceKind: string(req.Resource.Kind),
		ResourceID:   req.Resource.ID,
		ArtifactKind: req.ArtifactKind,
		Status:       string(req.Status),
		CreatedAt:    req.CreatedAt,
		CompletedAt:  req.CompletedAt,
	}

	switch req.Status {
	case storage.StatusReady:
		v.Size = req.OutputSize
		v.Checksum = req.Checksum
	case storage.StatusFailed:
		v.Error = fulfillment.FailureMessage
	}

	return v
}

func contentType(filename string) string {
	if strings.HasSuffix(filename, ".zip") {
		return "application/zip"
	}

	return "application/octet-stream"
}

// defaultArtifactKind archives folders and passes everything else through.
func defaultArtifactKind(kind storage.ResourceKind) artifact.Kind {
	if kind == storage.ResourceFolder {
		return artifact.KindFolder
	}

	return artifact.KindFile
}

func userMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(UserHeader)
		if user == "" || len(user) > 128 {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "")

			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func userFromContext(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)

	return user
}

func writeJSON(ctx context.Context, w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Reason: reason})
}
