package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/gamevault/internal/storage"
)

// TryAcquire inserts a pending request unless the partial unique index on
// in-flight requests already holds one for (user, resource). The insert and the
// follow-up read share one immediate transaction, so the check and the act
// cannot interleave with another caller.
func (r *RequestRepository) TryAcquire(
	ctx context.Context, userID string, key storage.ResourceKey, sourcePath, artifactKind string,
) (*storage.Request, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now().UnixNano()
	id := r.ids()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO fulfillment_requests
			(id, user_id, resource_kind, resource_id, artifact_kind, source_path, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
		id, userID, string(key.Kind), key.ID, artifactKind, sourcePath, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert request: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	acquired := affected > 0

	var row *sql.Row
	if acquired {
		row = tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM fulfillment_requests WHERE id = ?`, id)
	} else {
		row = tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM fulfillment_requests
			WHERE user_id = ? AND resource_kind = ? AND resource_id = ?
			AND status IN ('pending', 'processing')`,
			userID, string(key.Kind), key.ID)
	}

	req, err := scanRequest(row)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read in-flight request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit acquire: %w", err)
	}

	return req, acquired, nil
}

func (r *RequestRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.transition(ctx, tx, id, []storage.Status{storage.StatusPending},
			`status = 'processing', updated_at = ?`, r.now().UnixNano())
	})
}

func (r *RequestRepository) MarkReady(ctx context.Context, id, outputPath string, size int64, checksum string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixNano()

		err := r.transition(ctx, tx, id, []storage.Status{storage.StatusProcessing},
			`status = 'ready', output_path = ?, output_size = ?, checksum = ?, error_detail = NULL,
			completed_at = ?, updated_at = ?`,
			outputPath, size, checksum, now, now)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO download_counters (resource_kind, resource_id, count)
			SELECT resource_kind, resource_id, 1 FROM fulfillment_requests WHERE id = ?
			ON CONFLICT (resource_kind, resource_id) DO UPDATE SET count = count + 1`, id)
		if err != nil {
			return fmt.Errorf("failed to increment download counter: %w", err)
		}

		return nil
	})
}

func (r *RequestRepository) MarkFailed(ctx context.Context, id, detail string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now().UnixNano()

		return r.transition(ctx, tx, id, []storage.Status{storage.StatusPending, storage.StatusProcessing},
			`status = 'failed', error_detail = ?, completed_at = ?, updated_at = ?`, detail, now, now)
	})
}

func (r *RequestRepository) MarkStale(ctx context.Context, id, detail string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return r.transition(ctx, tx, id, []storage.Status{storage.StatusReady},
			`status = 'failed', error_detail = ?, updated_at = ?`, detail, r.now().UnixNano())
	})
}

func (r *RequestRepository) RecordDelivery(ctx context.Context, id string) (bool, error) {
	var first bool

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var delivered sql.NullInt64

		err := tx.QueryRowContext(ctx,
			`SELECT delivered_at FROM fulfillment_requests WHERE id = ? AND status = 'ready'`, id).Scan(&delivered)
		if errors.Is(err, sql.ErrNoRows) {
			return r.missingOrInvalid(ctx, tx, id)
		}

		if err != nil {
			return err
		}

		first = !delivered.Valid
		now := r.now().UnixNano()

		_, err = tx.ExecContext(ctx, `
			UPDATE fulfillment_requests
			SET deliveries = deliveries + 1, delivered_at = COALESCE(delivered_at, ?)
			WHERE id = ?`, now, id)

		return err
	})

	return first, err
}

func (r *RequestRepository) ReapStuck(ctx context.Context, olderThan time.Time, detail string) ([]storage.Request, error) {
	var reaped []storage.Request

	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+requestColumns+` FROM fulfillment_requests
			WHERE status IN ('pending', 'processing') AND updated_at < ?`, olderThan.UnixNano())
		if err != nil {
			return err
		}

		reaped, err = scanRequests(rows)
		if err != nil {
			return err
		}

		now := r.now().UnixNano()

		for i := range reaped {
			_, err := tx.ExecContext(ctx, `
				UPDATE fulfillment_requests
				SET status = 'failed', error_detail = ?, completed_at = ?, updated_at = ?
				WHERE id = ? AND status IN ('pending', 'processing')`,
				detail, now, now, reaped[i].ID)
			if err != nil {
				return fmt.Errorf("failed to reap request: %w", err)
			}

			reaped[i].Status = storage.StatusFailed
			reaped[i].ErrorDetail = detail
		}

		return nil
	})

	return reaped, err
}

func (r *RequestRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// transition applies set to the request only while it is in one of the from states.
func (r *RequestRepository) transition(
	ctx context.Context, tx *sql.Tx, id string, from []storage.Status, set string, args ...any,
) error {
	query := `UPDATE fulfillment_requests SET ` + set + ` WHERE id = ? AND status IN (`
	args = append(args, id)

	for i, s := range from {
		if i > 0 {
			query += ", "
		}

		query += "?"
		args = append(args, string(s))
	}

	query += ")"

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return r.missingOrInvalid(ctx, tx, id)
	}

	return nil
}

func (r *RequestRepository) missingOrInvalid(ctx context.Context, tx *sql.Tx, id string) error {
	var status string

	err := tx.QueryRowContext(ctx, `SELECT status FROM fulfillment_requests WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	if err != nil {
		return err
	}

	return fmt.Errorf("%w: request is %s", storage.ErrInvalidTransition, status)
}
