package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mediakeep/mediakeep/internal/fileutil"
)

const defaultChunkSize = 1 << 20 // 1 MiB

// Spool is a Transport that reads files dropped into a local spool
// directory. It is the bundled reference backend; remote messaging clients
// implement Transport themselves.
type Spool struct {
	root      string
	chunkSize int
	logger    zerolog.Logger
}

// SpoolOption is a functional option for configuring the spool transport.
type SpoolOption func(*Spool)

// WithSpoolLogger sets the logger.
func WithSpoolLogger(logger zerolog.Logger) SpoolOption {
	return func(s *Spool) {
		s.logger = logger
	}
}

// WithChunkSize sets the read chunk size in bytes.
func WithChunkSize(n int) SpoolOption {
	return func(s *Spool) {
		s.chunkSize = n
	}
}

// NewSpool creates a spool transport rooted at the given directory.
func NewSpool(root string, opts ...SpoolOption) *Spool {
	s := &Spool{
		root:      root,
		chunkSize: defaultChunkSize,
		logger:    zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the backend name.
func (s *Spool) Name() string {
	return "spool"
}

// Fetch copies the spool file named by req.Source into req.StagingPath in
// chunks, reporting raw byte counts after each chunk and aborting between
// chunks when ctx is cancelled.
func (s *Spool) Fetch(ctx context.Context, req Request, onProgress ProgressFunc) (retErr error) {
	srcPath, err := fileutil.SafeJoin(s.root, req.Source)
	if err != nil {
		return Permanent(err)
	}

	src, err := os.Open(srcPath)
	if err != nil {
		if os.IsNotExist(err) {
			return Permanent(fmt.Errorf("source %s not found in spool: %w", req.Source, err))
		}
		return Transient(err)
	}
	defer func() {
		if closeErr := src.Close(); closeErr != nil && retErr == nil {
			retErr = Transient(closeErr)
		}
	}()

	if err = os.MkdirAll(filepath.Dir(req.StagingPath), 0750); err != nil {
		return Transient(err)
	}

	dst, err := os.Create(req.StagingPath)
	if err != nil {
		return Transient(err)
	}
	defer func() {
		if closeErr := dst.Close(); closeErr != nil && retErr == nil {
			retErr = Transient(closeErr)
		}
	}()

	buf := make([]byte, s.chunkSize)
	var total int64

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return Transient(writeErr)
			}
			total += int64(n)
			if onProgress != nil {
				onProgress(Progress{Transferred: total})
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return Transient(readErr)
		}
	}

	s.logger.Debug().
		Str("source", req.Source).
		Str("staging", req.StagingPath).
		Int64("bytes", total).
		Msg("spool fetch complete")

	return nil
}
