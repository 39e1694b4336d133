package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/gamevault/internal/artifact"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/storage"
	"github.com/italolelis/gamevault/internal/telemetry"
)

// Cleaner enforces artifact retention in the output directory.
type Cleaner struct {
	repo       storage.RequestReadRepository
	outputDir  string
	keep       time.Duration
	partialAge time.Duration
	telemetry  *telemetry.Telemetry
	now        func() time.Time
}

// New creates a cleaner. Artifacts of ready requests are kept for keep;
// leftover partial files older than partialAge are treated as orphans.
func New(repo storage.RequestReadRepository, outputDir string, keep, partialAge time.Duration, tel *telemetry.Telemetry) *Cleaner {
	return &Cleaner{
		repo:       repo,
		outputDir:  filepath.Clean(outputDir),
		keep:       keep,
		partialAge: partialAge,
		telemetry:  tel,
		now:        time.Now,
	}
}

// Start runs a sweep every interval until ctx is done.
func (c *Cleaner) Start(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "cleanup panic",
					"panic", r,
					"stack", string(debug.Stack()))
				c.telemetry.RecordSystemError(ctx, "cleanup", "panic")

				if ctx.Err() == nil {
					time.Sleep(time.Second)
					c.Start(ctx, interval)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "cleanup goroutine shutting down")

				return
			case <-ticker.C:
				c.Run(ctx)
			}
		}
	}()
}

// Run performs one sweep and logs failures.
func (c *Cleaner) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if _, err := c.DeleteExpiredArtifacts(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to delete expired artifacts", "err", err)
	}

	if _, err := c.DeleteOrphanedPartials(ctx); err != nil {
		logger.ErrorContext(ctx, "failed to delete orphaned partial files", "err", err)
	}
}

// DeleteExpiredArtifacts deletes the artifacts of ready requests completed
// more than keep ago. The records stay ready; delivery notices the missing
// file and fails them.
func (c *Cleaner) DeleteExpiredArtifacts(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := c.repo.ListReadyBefore(ctx, c.now().Add(-c.keep))
	if err != nil {
		return 0, err
	}

	removed := 0

	for _, req := range expired {
		if filepath.Dir(req.OutputPath) != c.outputDir {
			logger.WarnContext(ctx, "refusing to delete file outside output directory",
				"fulfillment_id", req.ID, "file", req.OutputPath)

			continue
		}

		if err := os.Remove(req.OutputPath); err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.ErrorContext(ctx, "failed to delete expired artifact", "file", req.OutputPath, "err", err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "deleted expired artifact",
			"fulfillment_id", req.ID,
			"size", humanize.Bytes(uint64(req.OutputSize)),
		)
	}

	c.telemetry.RecordArtifactsRemoved(ctx, "expired", removed)

	return removed, nil
}

// DeleteOrphanedPartials removes in-progress files left behind by a crash.
func (c *Cleaner) DeleteOrphanedPartials(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(c.outputDir)
	if err != nil {
		return 0, err
	}

	now := c.now()
	removed := 0

	for _, e := range entries {
		if !e.Type().IsRegular() || !artifact.IsPartial(e.Name()) {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) <= c.partialAge {
			continue
		}

		path := filepath.Join(c.outputDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.ErrorContext(ctx, "failed to delete orphaned partial file", "file", path, "err", err)

			continue
		}

		removed++

		logger.InfoContext(ctx, "deleted orphaned partial file", "file", path, "age", now.Sub(info.ModTime()).Round(time.Second).String())
	}

	c.telemetry.RecordArtifactsRemoved(ctx, "orphaned_partial", removed)

	return removed, nil
}
