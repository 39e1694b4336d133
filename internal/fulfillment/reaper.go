package fulfillment

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/storage"
)

// RunReaper periodically fails requests that stayed in flight longer than the
// maximum job duration. A crashed or hung worker would otherwise block its
// (user, resource) pair forever.
func (c *Coordinator) RunReaper(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "starting reaper", "interval", interval.String(), "max_job_duration", c.opts.MaxJobDuration.String())

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "reaper panic",
					"operation", "reap_stuck",
					"panic", r,
					"stack", string(debug.Stack()))
				c.telemetry.RecordSystemError(ctx, "reaper", "panic")

				if ctx.Err() == nil {
					logger.InfoContext(ctx, "restarting reaper after panic")
					time.Sleep(time.Second)
					c.RunReaper(ctx, interval)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "reaper shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				if _, err := c.Reap(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to reap stuck requests", "err", err)
				}
			}
		}
	}()
}

// Reap runs one sweep and returns the requests it failed.
func (c *Coordinator) Reap(ctx context.Context) ([]storage.Request, error) {
	return c.reap(ctx, c.now().Add(-c.opts.MaxJobDuration), "timed out after "+c.opts.MaxJobDuration.String())
}

// RecoverAbandoned fails every pending or processing request left behind by a
// previous process. The job queue lives in memory, so no worker will ever pick
// them up. Call it before Start.
func (c *Coordinator) RecoverAbandoned(ctx context.Context) ([]storage.Request, error) {
	return c.reap(ctx, c.now(), abandonedDetail)
}

func (c *Coordinator) reap(ctx context.Context, cutoff time.Time, detail string) ([]storage.Request, error) {
	logger := logctx.LoggerFromContext(ctx)

	reaped, err := c.repo.ReapStuck(ctx, cutoff, detail)
	if err != nil {
		return nil, err
	}

	if len(reaped) == 0 {
		return nil, nil
	}

	c.telemetry.RecordReaped(ctx, len(reaped))

	for _, r := range reaped {
		logger.WarnContext(ctx, "reaped stuck request",
			"fulfillment_id", r.ID,
			"resource", r.Resource.String(),
			"last_update", r.UpdatedAt.Format(time.RFC3339),
			"detail", detail,
		)

		c.emit(Event{Type: EventReaped, RequestID: r.ID, UserID: r.UserID, Resource: r.Resource, Detail: detail})
	}

	return reaped, nil
}
