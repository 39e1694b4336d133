package storage

import (
	"context"
	"errors"
	"regexp"
	"time"
)

var (
	// ErrNotFound is returned when no fulfillment request matches.
	ErrNotFound = errors.New("fulfillment request not found")
	// ErrInvalidTransition is returned when a status change is attempted from the wrong state.
	// It always indicates a bug or a record that was reaped underneath its worker.
	ErrInvalidTransition = errors.New("invalid fulfillment status transition")
)

// Status is the lifecycle state of a fulfillment request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition can leave s (stale ready records aside).
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// ResourceKind identifies what kind of catalog entry a request is for.
type ResourceKind string

const (
	ResourcePrimary ResourceKind = "primary"
	ResourceUpdate  ResourceKind = "update"
	ResourceExtra   ResourceKind = "extra"
	ResourceFolder  ResourceKind = "folder"
)

// ParseResourceKind validates a resource kind coming from a caller.
func ParseResourceKind(s string) (ResourceKind, error) {
	switch k := ResourceKind(s); k {
	case ResourcePrimary, ResourceUpdate, ResourceExtra, ResourceFolder:
		return k, nil
	}

	return "", errors.New("unknown resource kind")
}

var resourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ResourceKey identifies a catalog resource.
type ResourceKey struct {
	Kind ResourceKind
	ID   string
}

// Validate rejects keys the catalog could never have produced.
func (k ResourceKey) Validate() error {
	if _, err := ParseResourceKind(string(k.Kind)); err != nil {
		return err
	}

	if !resourceIDPattern.MatchString(k.ID) {
		return errors.New("invalid resource id")
	}

	return nil
}

func (k ResourceKey) String() string {
	return string(k.Kind) + "/" + k.ID
}

// Request represents one fulfillment request and its lifecycle.
type Request struct {
	ID           string
	UserID       string
	Resource     ResourceKey
	ArtifactKind string
	SourcePath   string
	Status       Status
	OutputPath   string
	OutputSize   int64
	Checksum     string
	ErrorDetail  string
	Deliveries   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	DeliveredAt  *time.Time
}

// RequestReadRepository holds the read side of the request store.
type RequestReadRepository interface {
	Get(ctx context.Context, id string) (*Request, error)
	ListForUser(ctx context.Context, userID string, limit int) ([]Request, error)
	ListReadyBefore(ctx context.Context, before time.Time) ([]Request, error)
	DownloadCount(ctx context.Context, key ResourceKey) (int64, error)
}

// RequestWriteRepository holds the state transitions. Each method is a single
// transaction; TryAcquire is the only way a request comes into existence.
type RequestWriteRepository interface {
	// TryAcquire atomically creates a pending request for (userID, key) unless a
	// pending or processing one exists, in which case that one is returned with acquired=false.
	TryAcquire(ctx context.Context, userID string, key ResourceKey, sourcePath, artifactKind string) (req *Request, acquired bool, err error)
	MarkProcessing(ctx context.Context, id string) error
	// MarkReady also bumps the resource's download counter, in the same transaction.
	MarkReady(ctx context.Context, id, outputPath string, size int64, checksum string) error
	MarkFailed(ctx context.Context, id, detail string) error
	// MarkStale fails a ready request whose artifact vanished.
	MarkStale(ctx context.Context, id, detail string) error
	RecordDelivery(ctx context.Context, id string) (first bool, err error)
	// ReapStuck fails every non-terminal request not updated since olderThan.
	ReapStuck(ctx context.Context, olderThan time.Time, detail string) ([]Request, error)
}

// RequestRepository is the full request store.
type RequestRepository interface {
	RequestReadRepository
	RequestWriteRepository
}
