package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/gamevault/internal/storage"
)

func (r *RequestRepository) Get(ctx context.Context, id string) (*storage.Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM fulfillment_requests WHERE id = ?`, id)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return req, err
}

// ListForUser returns the user's most recent requests, newest first.
func (r *RequestRepository) ListForUser(ctx context.Context, userID string, limit int) ([]storage.Request, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM fulfillment_requests
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}

	return scanRequests(rows)
}

// ListReadyBefore returns ready requests completed before the given time.
func (r *RequestRepository) ListReadyBefore(ctx context.Context, before time.Time) ([]storage.Request, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM fulfillment_requests
		WHERE status = 'ready' AND completed_at < ?`, before.UnixNano())
	if err != nil {
		return nil, err
	}

	return scanRequests(rows)
}

func (r *RequestRepository) DownloadCount(ctx context.Context, key storage.ResourceKey) (int64, error) {
	var count int64

	err := r.db.QueryRowContext(ctx,
		`SELECT count FROM download_counters WHERE resource_kind = ? AND resource_id = ?`,
		string(key.Kind), key.ID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return count, err
}
