// Package delivery hands finished artifacts to the users who requested them.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/gamevault/internal/filetype"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/storage"
	"github.com/italolelis/gamevault/internal/telemetry"
)

var (
	// ErrAccessDenied is returned when the request belongs to another user.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is returned for unknown request ids.
	ErrNotFound = errors.New("fulfillment not found")
	// ErrNotReady is returned while the artifact is still being prepared.
	ErrNotReady = errors.New("fulfillment not ready")
	// ErrFailed is returned for requests that ended in failure.
	ErrFailed = errors.New("fulfillment failed")
	// ErrStale is returned when a ready artifact is gone from disk. The request
	// is failed on the spot and the user has to ask again.
	ErrStale = errors.New("artifact no longer available")
)

const staleDetail = "artifact missing at delivery"

// Artifact is an open artifact ready to be streamed. The caller closes File.
type Artifact struct {
	File     *os.File
	Filename string
	Size     int64
	ModTime  time.Time
	Checksum string
}

// Service serves artifacts out of a single output directory.
type Service struct {
	repo      storage.RequestRepository
	outputDir string
	telemetry *telemetry.Telemetry
}

func NewService(repo storage.RequestRepository, outputDir string, tel *telemetry.Telemetry) *Service {
	return &Service{
		repo:      repo,
		outputDir: filepath.Clean(outputDir),
		telemetry: tel,
	}
}

// Lookup returns the request if userID owns it.
func (s *Service) Lookup(ctx context.Context, requestID, userID string) (*storage.Request, error) {
	req, err := s.repo.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load request: %w", err)
	}

	if req.UserID != userID {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "request owned by another user",
			"fulfillment_id", requestID, "user_id", userID)

		return nil, ErrAccessDenied
	}

	return req, nil
}

// List returns the user's most recent requests.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]storage.Request, error) {
	return s.repo.ListForUser(ctx, userID, limit)
}

// Fetch opens the artifact of a ready request owned by userID and records the delivery.
func (s *Service) Fetch(ctx context.Context, requestID, userID string) (*Artifact, error) {
	ctx = logctx.WithFulfillmentID(ctx, requestID)
	logger := logctx.LoggerFromContext(ctx)

	req, err := s.Lookup(ctx, requestID, userID)
	if err != nil {
		s.telemetry.RecordDelivery(ctx, "rejected")

		return nil, err
	}

	switch req.Status {
	case storage.StatusPending, storage.StatusProcessing:
		return nil, ErrNotReady
	case storage.StatusFailed:
		return nil, ErrFailed
	}

	if filepath.Dir(req.OutputPath) != s.outputDir {
		logger.ErrorContext(ctx, "artifact outside output directory", "output_path", req.OutputPath)

		return nil, s.stale(ctx, req.ID)
	}

	f, err := os.Open(req.OutputPath)
	if errors.Is(err, os.ErrNotExist) {
		logger.WarnContext(ctx, "artifact missing, marking request stale", "output_path", req.OutputPath)

		return nil, s.stale(ctx, req.ID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}

	if !info.Mode().IsRegular() {
		f.Close()

		return nil, s.stale(ctx, req.ID)
	}

	first, err := s.repo.RecordDelivery(ctx, req.ID)
	if err != nil {
		f.Close()

		if errors.Is(err, storage.ErrInvalidTransition) {
			return nil, ErrStale
		}

		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	if first {
		logger.InfoContext(ctx, "first delivery", "size", humanize.Bytes(uint64(info.Size())))
		s.telemetry.RecordDelivery(ctx, "first")
	} else {
		s.telemetry.RecordDelivery(ctx, "repeat")
	}

	return &Artifact{
		File:     f,
		Filename: Filename(req),
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Checksum: req.Checksum,
	}, nil
}

func (s *Service) stale(ctx context.Context, requestID string) error {
	s.telemetry.RecordDelivery(ctx, "stale")

	if err := s.repo.MarkStale(ctx, requestID, staleDetail); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return fmt.Errorf("failed to mark request stale: %w", err)
	}

	return ErrStale
}

// Filename is the name offered to the client, built from the validated
// resource key and the artifact extension only.
func Filename(req *storage.Request) string {
	return fmt.Sprintf("%s-%s%s", req.Resource.Kind, req.Resource.ID, filetype.Of(req.OutputPath))
}
