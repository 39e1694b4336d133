package sqlite

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/gamevault/internal/storage"
)

const requestColumns = `id, user_id, resource_kind, resource_id, artifact_kind, source_path, status,
	output_path, output_size, checksum, error_detail, deliveries,
	created_at, updated_at, completed_at, delivered_at`

// RequestRepository implements storage.RequestRepository on SQLite.
type RequestRepository struct {
	db  *sql.DB
	now func() time.Time
	ids func() string
}

var _ storage.RequestRepository = (*RequestRepository)(nil)

func NewRequestRepository(dbConn *sql.DB) *RequestRepository {
	return &RequestRepository{
		db:  dbConn,
		now: time.Now,
		ids: func() string { return uuid.New().String() },
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*storage.Request, error) {
	var (
		r                         storage.Request
		kind, status              string
		outputPath, checksum, det sql.NullString
		outputSize                sql.NullInt64
		created, updated          int64
		completed, delivered      sql.NullInt64
	)

	err := row.Scan(&r.ID, &r.UserID, &kind, &r.Resource.ID, &r.ArtifactKind, &r.SourcePath, &status,
		&outputPath, &outputSize, &checksum, &det, &r.Deliveries,
		&created, &updated, &completed, &delivered)
	if err != nil {
		return nil, err
	}

	r.Resource.Kind = storage.ResourceKind(kind)
	r.Status = storage.Status(status)
	r.OutputPath = outputPath.String
	r.OutputSize = outputSize.Int64
	r.Checksum = checksum.String
	r.ErrorDetail = det.String
	r.CreatedAt = fromUnix(created)
	r.UpdatedAt = fromUnix(updated)
	r.CompletedAt = fromNullUnix(completed)
	r.DeliveredAt = fromNullUnix(delivered)

	return &r, nil
}

func scanRequests(rows *sql.Rows) ([]storage.Request, error) {
	defer rows.Close()

	var out []storage.Request

	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, *r)
	}

	return out, rows.Err()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}

	t := fromUnix(n.Int64)

	return &t
}
