package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/gamevault/internal/storage"
	"github.com/italolelis/gamevault/internal/telemetry"
)

// InstrumentedRequestRepository wraps RequestRepository with telemetry.
type InstrumentedRequestRepository struct {
	repo      *RequestRepository
	telemetry *telemetry.Telemetry
}

var _ storage.RequestRepository = (*InstrumentedRequestRepository)(nil)

// NewInstrumentedRequestRepository creates a new instrumented request repository.
func NewInstrumentedRequestRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRequestRepository {
	return &InstrumentedRequestRepository{
		repo:      NewRequestRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedRequestRepository) Get(ctx context.Context, id string) (*storage.Request, error) {
	var result *storage.Request

	err := r.telemetry.InstrumentDBOperation(ctx, "get_request", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedRequestRepository) ListForUser(ctx context.Context, userID string, limit int) ([]storage.Request, error) {
	var result []storage.Request

	err := r.telemetry.InstrumentDBOperation(ctx, "list_for_user", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListForUser(ctx, userID, limit)

		return err
	})

	return result, err
}

func (r *InstrumentedRequestRepository) ListReadyBefore(ctx context.Context, before time.Time) ([]storage.Request, error) {
	var result []storage.Request

	err := r.telemetry.InstrumentDBOperation(ctx, "list_ready_before", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ListReadyBefore(ctx, before)

		return err
	})

	return result, err
}

func (r *InstrumentedRequestRepository) DownloadCount(ctx context.Context, key storage.ResourceKey) (int64, error) {
	var result int64

	err := r.telemetry.InstrumentDBOperation(ctx, "download_count", func(ctx context.Context) error {
		var err error

		result, err = r.repo.DownloadCount(ctx, key)

		return err
	})

	return result, err
}

func (r *InstrumentedRequestRepository) TryAcquire(
	ctx context.Context, userID string, key storage.ResourceKey, sourcePath, artifactKind string,
) (*storage.Request, bool, error) {
	var (
		result   *storage.Request
		acquired bool
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "try_acquire", func(ctx context.Context) error {
		var err error

		result, acquired, err = r.repo.TryAcquire(ctx, userID, key, sourcePath, artifactKind)

		return err
	})

	return result, acquired, err
}

func (r *InstrumentedRequestRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_processing", func(ctx context.Context) error {
		return r.repo.MarkProcessing(ctx, id)
	})
}

func (r *InstrumentedRequestRepository) MarkReady(ctx context.Context, id, outputPath string, size int64, checksum string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_ready", func(ctx context.Context) error {
		return r.repo.MarkReady(ctx, id, outputPath, size, checksum)
	})
}

func (r *InstrumentedRequestRepository) MarkFailed(ctx context.Context, id, detail string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_failed", func(ctx context.Context) error {
		return r.repo.MarkFailed(ctx, id, detail)
	})
}

func (r *InstrumentedRequestRepository) MarkStale(ctx context.Context, id, detail string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_stale", func(ctx context.Context) error {
		return r.repo.MarkStale(ctx, id, detail)
	})
}

func (r *InstrumentedRequestRepository) RecordDelivery(ctx context.Context, id string) (bool, error) {
	var first bool

	err := r.telemetry.InstrumentDBOperation(ctx, "record_delivery", func(ctx context.Context) error {
		var err error

		first, err = r.repo.RecordDelivery(ctx, id)

		return err
	})

	return first, err
}

func (r *InstrumentedRequestRepository) ReapStuck(ctx context.Context, olderThan time.Time, detail string) ([]storage.Request, error) {
	var result []storage.Request

	err := r.telemetry.InstrumentDBOperation(ctx, "reap_stuck", func(ctx context.Context) error {
		var err error

		result, err = r.repo.ReapStuck(ctx, olderThan, detail)

		return err
	})

	return result, err
}
