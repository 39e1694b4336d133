package artifact

import (
	"context"
	"io"
)

// progressReader wraps an io.Reader, reports progress via a callback and stops
// reading once ctx is done.
type progressReader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     func(read, total int64)
	totalRead      int64
	lastReport     int64
	reportInterval int64
}

func newProgressReader(ctx context.Context, r io.Reader, total, interval int64, cb func(read, total int64)) *progressReader {
	return &progressReader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.reportInterval > 0 && pr.lastReport >= pr.reportInterval {
			pr.onProgress(pr.totalRead, pr.total)
			pr.lastReport = 0
		}
	}

	return n, err
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))

	return len(p), nil
}
