// Package fulfillment turns download requests into background artifact jobs.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/gamevault/internal/artifact"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/pathguard"
	"github.com/italolelis/gamevault/internal/storage"
	"github.com/italolelis/gamevault/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers        = 4
	defaultQueueSize      = 64
	defaultMaxJobDuration = 30 * time.Minute
	eventBuffer           = 64

	abandonedDetail = "abandoned at restart"
)

// PathResolver validates raw source paths.
type PathResolver interface {
	Resolve(rawPath string) (string, bool, pathguard.Reason)
}

// ArtifactProducer builds the artifact for a job.
type ArtifactProducer interface {
	Produce(ctx context.Context, kind artifact.Kind, sourcePath, artifactID string) (artifact.Result, error)
}

// Options tunes the worker pool.
type Options struct {
	Workers        int
	QueueSize      int
	MaxJobDuration time.Duration
}

// EventType identifies what happened to a request.
type EventType string

const (
	EventReady  EventType = "ready"
	EventFailed EventType = "failed"
	EventReaped EventType = "reaped"
)

// Event is published whenever a request reaches a terminal state.
type Event struct {
	Type      EventType
	RequestID string
	UserID    string
	Resource  storage.ResourceKey
	Detail    string
}

type job struct {
	requestID  string
	userID     string
	resource   storage.ResourceKey
	kind       artifact.Kind
	sourcePath string
}

type completion struct {
	job      job
	result   artifact.Result
	err      error
	duration time.Duration
}

// Coordinator accepts download requests, coalesces duplicates and runs
// artifact production on a fixed pool of workers. Only the recorder goroutine
// writes completion state to the store.
type Coordinator struct {
	repo      storage.RequestRepository
	guard     PathResolver
	producer  ArtifactProducer
	telemetry *telemetry.Telemetry
	opts      Options
	now       func() time.Time

	jobs        chan job
	completions chan completion
	events      chan Event

	mu           sync.RWMutex
	closed       bool
	eventsClosed bool

	workers   errgroup.Group
	startOnce sync.Once
	stopped   chan struct{}
}

// NewCoordinator wires a coordinator. Call Start before accepting requests.
func NewCoordinator(
	repo storage.RequestRepository,
	guard PathResolver,
	producer ArtifactProducer,
	tel *telemetry.Telemetry,
	opts Options,
) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	if opts.MaxJobDuration <= 0 {
		opts.MaxJobDuration = defaultMaxJobDuration
	}

	return &Coordinator{
		repo:        repo,
		guard:       guard,
		producer:    producer,
		telemetry:   tel,
		opts:        opts,
		now:         time.Now,
		jobs:        make(chan job, opts.QueueSize),
		completions: make(chan completion, opts.Workers),
		events:      make(chan Event, eventBuffer),
		stopped:     make(chan struct{}),
	}
}

// Events returns the terminal-state notifications. Events are dropped when
// nobody keeps up with the channel. It is closed after Shutdown.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

// RequestDownload validates sourcePath, then either joins the request already
// in flight for (userID, key) or creates one and queues it. It returns as soon
// as the job is queued.
func (c *Coordinator) RequestDownload(
	ctx context.Context, userID string, key storage.ResourceKey, sourcePath string, kind artifact.Kind,
) (string, bool, error) {
	logger := logctx.LoggerFromContext(ctx).With("resource", key.String(), "user_id", userID)

	if userID == "" {
		return "", false, &InvalidInputError{Field: "user"}
	}

	if err := key.Validate(); err != nil {
		return "", false, &InvalidInputError{Field: "resource"}
	}

	if _, err := artifact.ParseKind(string(kind)); err != nil {
		return "", false, &InvalidInputError{Field: "artifact_kind"}
	}

	resolved, ok, reason := c.guard.Resolve(sourcePath)
	if !ok {
		logger.WarnContext(ctx, "rejected source path", "reason", reason, "raw_path", sourcePath)
		c.telemetry.RecordPathRejection(ctx, string(reason))

		if reason == pathguard.ReasonInvalidInput {
			return "", false, &InvalidInputError{Field: "source_path", Err: ErrInvalidPath}
		}

		return "", false, &AccessDeniedError{Reason: reason}
	}

	req, acquired, err := c.repo.TryAcquire(ctx, userID, key, resolved, string(kind))
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire request: %w", err)
	}

	if !acquired {
		logger.InfoContext(ctx, "request already in flight", "fulfillment_id", req.ID, "status", req.Status)
		c.telemetry.RecordCoalesced(ctx)

		return req.ID, true, nil
	}

	logger = logger.With("fulfillment_id", req.ID)

	if err := c.repo.MarkProcessing(ctx, req.ID); err != nil {
		if failErr := c.repo.MarkFailed(ctx, req.ID, "dispatch: "+err.Error()); failErr != nil {
			logger.ErrorContext(ctx, "failed to fail undispatched request", "err", failErr)
		}

		return "", false, fmt.Errorf("failed to dispatch request: %w", err)
	}

	j := job{requestID: req.ID, userID: userID, resource: key, kind: kind, sourcePath: resolved}

	if !c.enqueue(j) {
		logger.WarnContext(ctx, "fulfillment queue is full", "queue_size", c.opts.QueueSize)

		if err := c.repo.MarkFailed(ctx, req.ID, "queue_full"); err != nil {
			logger.ErrorContext(ctx, "failed to fail rejected request", "err", err)
		}

		return "", false, ErrBusy
	}

	c.telemetry.RecordQueueDepth(ctx, len(c.jobs))
	logger.InfoContext(ctx, "fulfillment queued", "artifact_kind", kind)

	return req.ID, false, nil
}

func (c *Coordinator) enqueue(j job) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.jobs <- j:
		return true
	default:
		return false
	}
}

// Start launches the workers and the recorder. Jobs run under ctx, so
// cancelling it aborts in-progress production; the resulting failures are
// still recorded.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		logger := logctx.LoggerFromContext(ctx)
		logger.InfoContext(ctx, "starting fulfillment workers", "workers", c.opts.Workers, "queue_size", c.opts.QueueSize)

		for i := 0; i < c.opts.Workers; i++ {
			c.workers.Go(func() error {
				c.work(ctx)

				return nil
			})
		}

		go func() {
			_ = c.workers.Wait()

			close(c.completions)
		}()

		go func() {
			defer close(c.stopped)

			c.record(context.WithoutCancel(ctx))
		}()
	})
}

// Shutdown stops accepting jobs and waits for queued ones to be recorded.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.jobs)
	}
	c.mu.Unlock()

	// never started: nothing to wait for
	c.startOnce.Do(func() { close(c.stopped) })

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.eventsClosed {
		c.eventsClosed = true
		close(c.events)
	}

	return nil
}

func (c *Coordinator) work(ctx context.Context) {
	for j := range c.jobs {
		c.telemetry.RecordQueueDepth(ctx, len(c.jobs))
		c.completions <- c.produce(ctx, j)
	}
}

func (c *Coordinator) produce(ctx context.Context, j job) (done completion) {
	ctx = logctx.WithFulfillmentID(ctx, j.requestID)
	logger := logctx.LoggerFromContext(ctx)

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "fulfillment worker panic",
				"panic", r,
				"stack", string(debug.Stack()))
			c.telemetry.RecordSystemError(ctx, "fulfillment", "panic")

			done = completion{job: j, err: fmt.Errorf("worker panic: %v", r), duration: time.Since(start)}
		}
	}()

	// the reaper may have failed the request while it sat in the queue
	if req, err := c.repo.Get(ctx, j.requestID); err == nil && req.Status != storage.StatusProcessing {
		logger.WarnContext(ctx, "skipping job no longer processing", "status", req.Status)

		return completion{job: j, err: errSkipped}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.MaxJobDuration)
	defer cancel()

	var res artifact.Result

	_, err := c.telemetry.InstrumentFulfillment(ctx, string(j.kind), func(ctx context.Context) (int64, error) {
		var err error

		res, err = c.producer.Produce(ctx, j.kind, j.sourcePath, j.requestID)

		return res.Size, err
	})

	return completion{job: j, result: res, err: err, duration: time.Since(start)}
}

var errSkipped = errors.New("skipped")

func (c *Coordinator) record(ctx context.Context) {
	for done := range c.completions {
		c.complete(ctx, done)
	}
}

func (c *Coordinator) complete(ctx context.Context, done completion) {
	j := done.job
	ctx = logctx.WithFulfillmentID(ctx, j.requestID)
	logger := logctx.LoggerFromContext(ctx).With("resource", j.resource.String())

	if errors.Is(done.err, errSkipped) {
		return
	}

	if done.err != nil {
		logger.WarnContext(ctx, "fulfillment failed", "err", done.err, "duration", done.duration.String())

		if err := c.repo.MarkFailed(ctx, j.requestID, done.err.Error()); err != nil {
			logger.ErrorContext(ctx, "failed to record failed fulfillment", "err", err)

			return
		}

		c.emit(Event{Type: EventFailed, RequestID: j.requestID, UserID: j.userID, Resource: j.resource, Detail: done.err.Error()})

		return
	}

	res := done.result

	if err := c.repo.MarkReady(ctx, j.requestID, res.Path, res.Size, res.Checksum); err != nil {
		logger.ErrorContext(ctx, "failed to record ready artifact", "err", err)

		if rmErr := os.Remove(res.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.ErrorContext(ctx, "failed to remove unrecorded artifact", "err", rmErr)
		}

		if !errors.Is(err, storage.ErrInvalidTransition) {
			if failErr := c.repo.MarkFailed(ctx, j.requestID, "record: "+err.Error()); failErr != nil {
				logger.ErrorContext(ctx, "failed to record failed fulfillment", "err", failErr)
			}
		}

		return
	}

	logger.InfoContext(ctx, "artifact ready",
		"size", humanize.Bytes(uint64(res.Size)),
		"files", res.Files,
		"duration", done.duration.String(),
	)

	c.emit(Event{Type: EventReady, RequestID: j.requestID, UserID: j.userID, Resource: j.resource})
}

func (c *Coordinator) emit(ev Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.eventsClosed {
		return
	}

	select {
	case c.events <- ev:
	default:
	}
}
