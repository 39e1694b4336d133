// Package artifact packages validated source paths into deliverable files.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/gamevault/internal/filetype"
	"github.com/italolelis/gamevault/internal/logctx"
	"github.com/italolelis/gamevault/internal/pathguard"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// Kind is the shape of artifact to produce.
type Kind string

const (
	// KindFile copies a single regular file as is.
	KindFile Kind = "file"
	// KindFolder archives every regular file below a directory.
	KindFolder Kind = "folder"
	// KindBundle wraps a single regular file in an archive.
	KindBundle Kind = "bundle"
)

// ParseKind validates a kind coming from a caller.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFile, KindFolder, KindBundle:
		return k, nil
	}

	return "", errors.New("unknown artifact kind")
}

// Archived reports whether artifacts of this kind are zip archives.
func (k Kind) Archived() bool {
	return k == KindFolder || k == KindBundle
}

// PartialPrefix marks in-progress artifacts in the output directory.
const PartialPrefix = ".partial-"

const archiveExt = ".zip"

const defaultProgressInterval = 256 * 1024 * 1024

// extensions whose content does not shrink any further
var storedExtensions = []string{
	".zip", ".7z", ".rar", ".gz", ".xz", ".zst", ".bz2", ".cso", ".chd", ".rvz",
	".png", ".jpg", ".jpeg", ".webp", ".mp3", ".ogg", ".mp4", ".mkv",
}

// Result describes a produced artifact.
type Result struct {
	Path     string
	Size     int64
	Checksum string
	Files    int
}

// Producer turns source paths into artifacts inside a single output directory.
type Producer struct {
	guard            *pathguard.Guard
	outputDir        string
	skip             filetype.Set
	stored           filetype.Set
	progressInterval int64
}

// Option configures a Producer.
type Option func(*Producer)

// WithSkipExtensions excludes files with the given extensions from folder archives.
func WithSkipExtensions(s filetype.Set) Option {
	return func(p *Producer) {
		p.skip = s
	}
}

// WithProgressInterval sets how many bytes pass between progress log lines.
func WithProgressInterval(n int64) Option {
	return func(p *Producer) {
		p.progressInterval = n
	}
}

// NewProducer creates a producer writing into outputDir, which must exist.
func NewProducer(guard *pathguard.Guard, outputDir string, opts ...Option) (*Producer, error) {
	if guard == nil {
		return nil, errors.New("path guard is required")
	}

	dir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output directory: %w", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output directory: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s is not a directory", dir)
	}

	stored, err := filetype.NewSet(storedExtensions)
	if err != nil {
		return nil, err
	}

	p := &Producer{
		guard:            guard,
		outputDir:        dir,
		stored:           stored,
		progressInterval: defaultProgressInterval,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// OutputDir returns the absolute directory artifacts are written to.
func (p *Producer) OutputDir() string {
	return p.outputDir
}

// Produce packages sourcePath as kind and names the result after artifactID,
// which must be a UUID. The source is resolved again through the path guard
// so a symlink swapped in after the request was accepted is still caught.
// On any failure, cancellation included, nothing is left in the output directory.
func (p *Producer) Produce(ctx context.Context, kind Kind, sourcePath, artifactID string) (Result, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return Result{}, err
	}

	if _, err := uuid.Parse(artifactID); err != nil {
		return Result{}, fmt.Errorf("invalid artifact id: %w", err)
	}

	resolved, ok, reason := p.guard.Resolve(sourcePath)
	if !ok {
		return Result{}, &SourceError{Path: sourcePath, Reason: string(reason)}
	}

	info, err := os.Lstat(resolved)
	if err != nil {
		return Result{}, &SourceError{Path: sourcePath, Reason: "unreadable", Err: err}
	}

	logger := logctx.LoggerFromContext(ctx).With("artifact_kind", kind)

	switch kind {
	case KindFile:
		if !info.Mode().IsRegular() {
			return Result{}, &SourceError{Path: sourcePath, Reason: "not a regular file"}
		}

		return p.writeAtomic(ctx, artifactID+filetype.Of(resolved), func(w io.Writer) (int, error) {
			return 1, p.copyFile(ctx, logger, w, resolved, info.Size())
		})
	case KindBundle:
		if !info.Mode().IsRegular() {
			return Result{}, &SourceError{Path: sourcePath, Reason: "not a regular file"}
		}

		return p.writeAtomic(ctx, artifactID+archiveExt, func(w io.Writer) (int, error) {
			zw := zip.NewWriter(w)

			if err := p.addToArchive(ctx, logger, zw, resolved, info, info.Name()); err != nil {
				return 0, err
			}

			return 1, zw.Close()
		})
	default:
		if !info.IsDir() {
			return Result{}, &SourceError{Path: sourcePath, Reason: "not a directory"}
		}

		return p.writeAtomic(ctx, artifactID+archiveExt, func(w io.Writer) (int, error) {
			return p.archiveFolder(ctx, logger, w, resolved)
		})
	}
}

// writeAtomic fills a temp file, syncs it and renames it to name. The BLAKE3
// checksum and size are taken from the bytes written.
func (p *Producer) writeAtomic(ctx context.Context, name string, fill func(w io.Writer) (int, error)) (Result, error) {
	tmp, err := os.CreateTemp(p.outputDir, PartialPrefix+"*")
	if err != nil {
		return Result{}, &ProductionError{Stage: "create", Err: err}
	}

	tmpName := tmp.Name()
	committed := false

	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	hasher := blake3.New()
	counter := &countingWriter{}

	files, err := fill(io.MultiWriter(tmp, hasher, counter))
	if err != nil {
		return Result{}, err
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if err := tmp.Sync(); err != nil {
		return Result{}, &ProductionError{Stage: "sync", Err: err}
	}

	if err := tmp.Close(); err != nil {
		return Result{}, &ProductionError{Stage: "close", Err: err}
	}

	final := filepath.Join(p.outputDir, name)
	if err := os.Rename(tmpName, final); err != nil {
		return Result{}, &ProductionError{Stage: "rename", Err: err}
	}

	committed = true

	return Result{
		Path:     final,
		Size:     counter.n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		Files:    files,
	}, nil
}

func (p *Producer) archiveFolder(ctx context.Context, logger *slog.Logger, w io.Writer, root string) (int, error) {
	zw := zip.NewWriter(w)
	base := filepath.Dir(root)
	files := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		// WalkDir never follows symlinks; the entry type is the link itself.
		if !d.Type().IsRegular() {
			logger.DebugContext(ctx, "skipping non-regular entry", "path", path, "type", d.Type().String())

			return nil
		}

		if p.skip.Has(d.Name()) {
			logger.DebugContext(ctx, "skipping excluded file type", "path", path)

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}

		if err := p.addToArchive(ctx, logger, zw, path, info, filepath.ToSlash(rel)); err != nil {
			return err
		}

		files++

		return nil
	})
	if err != nil {
		return 0, wrapWrite(err)
	}

	if files == 0 {
		return 0, &SourceError{Path: root, Reason: "no files to package"}
	}

	if err := zw.Close(); err != nil {
		return 0, &ProductionError{Stage: "write", Err: err}
	}

	return files, nil
}

func (p *Producer) addToArchive(
	ctx context.Context, logger *slog.Logger, zw *zip.Writer, path string, info fs.FileInfo, name string,
) error {
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	header.Method = zip.Deflate

	if p.stored.Has(name) {
		header.Method = zip.Store
	}

	entry, err := zw.CreateHeader(header)
	if err != nil {
		return wrapWrite(err)
	}

	return p.copyFile(ctx, logger, entry, path, info.Size())
}

func (p *Producer) copyFile(ctx context.Context, logger *slog.Logger, w io.Writer, path string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return &SourceError{Path: path, Reason: "unreadable", Err: err}
	}
	defer f.Close()

	start := time.Now()
	name := filepath.Base(path)

	reader := newProgressReader(ctx, f, size, p.progressInterval, func(read, total int64) {
		logger.InfoContext(ctx, "packaging progress",
			"file", name,
			"progress", humanize.Bytes(uint64(read))+" / "+humanize.Bytes(uint64(total)),
			"elapsed", time.Since(start).Round(time.Second).String(),
		)
	})

	if _, err := io.Copy(w, reader); err != nil {
		return wrapWrite(err)
	}

	return nil
}

// wrapWrite leaves cancellation and source errors recognizable and tags the rest.
func wrapWrite(err error) error {
	var (
		srcErr  *SourceError
		prodErr *ProductionError
	)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &srcErr) || errors.As(err, &prodErr) {
		return err
	}

	return &ProductionError{Stage: "write", Err: err}
}

// IsPartial reports whether name is an in-progress artifact file.
func IsPartial(name string) bool {
	return strings.HasPrefix(name, PartialPrefix)
}
