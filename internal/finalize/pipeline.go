// Package finalize owns the on-disk end of a transfer: destination
// preparation with a duplicate guard, the atomic move into the library,
// content hashing, and rollback of partial artifacts.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/mediakeep/mediakeep/internal/fileutil"
	"github.com/mediakeep/mediakeep/internal/naming"
)

// ErrDestinationExists reports that the resolved final path is already
// occupied. The job fails with this reason; existing files are never
// overwritten.
var ErrDestinationExists = errors.New("destination path already exists")

const defaultHashTimeout = 30 * time.Second

// Request describes the file to finalize.
type Request struct {
	// Filename is the raw transferred file name fed to the naming resolver.
	Filename string

	// DestinationRoot is the library root the file belongs under.
	DestinationRoot string
}

// Plan is the prepared destination for a job: the immutable final path and
// the directories created for it, recorded root-first for rollback.
type Plan struct {
	FinalPath   string
	CreatedDirs []string
}

// Outcome is the result of a committed finalization.
type Outcome struct {
	// Hash is the xxh3 content hash of the finalized file, empty when
	// hashing timed out or failed (best-effort).
	Hash string
}

// Pipeline finalizes staged transfers.
type Pipeline struct {
	resolver    naming.Resolver
	hashTimeout time.Duration
	logger      zerolog.Logger
}

// Option is a functional option for configuring the pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithHashTimeout bounds content hashing; on expiry the job completes
// without a hash.
func WithHashTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.hashTimeout = d
	}
}

// New creates a pipeline using the given naming resolver.
func New(resolver naming.Resolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver:    resolver,
		hashTimeout: defaultHashTimeout,
		logger:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Prepare resolves the final path for req, rejects duplicates, and creates
// any missing directories, recording each created level. The returned plan
// is fixed for the job's lifetime.
func (p *Pipeline) Prepare(req Request) (Plan, error) {
	comp := p.resolver.Resolve(req.Filename)

	levels := []string{comp.Folder}
	if comp.Subfolder != "" {
		levels = append(levels, comp.Subfolder)
	}

	dir := req.DestinationRoot
	finalPath := filepath.Join(append([]string{dir}, levels...)...)
	finalPath = filepath.Join(finalPath, comp.Filename)

	if _, err := os.Stat(finalPath); err == nil {
		return Plan{FinalPath: finalPath}, fmt.Errorf("%s: %w", finalPath, ErrDestinationExists)
	} else if !os.IsNotExist(err) {
		return Plan{}, fmt.Errorf("failed to check destination: %w", err)
	}

	plan := Plan{FinalPath: finalPath}
	for _, level := range levels {
		dir = filepath.Join(dir, level)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if mkErr := os.Mkdir(dir, 0750); mkErr != nil {
				p.rollbackDirs(plan.CreatedDirs)
				return Plan{}, fmt.Errorf("failed to create directory %s: %w", dir, mkErr)
			}
			plan.CreatedDirs = append(plan.CreatedDirs, dir)
		}
	}

	p.logger.Debug().
		Str("final_path", finalPath).
		Strs("created_dirs", plan.CreatedDirs).
		Msg("destination prepared")

	return plan, nil
}

// Commit moves the staged file into its final path and hashes it. The move
// is atomic with respect to partial writes: rename on the same volume,
// copy-verify-delete across volumes.
func (p *Pipeline) Commit(ctx context.Context, plan Plan, stagingPath string) (Outcome, error) {
	// The duplicate guard ran at prepare time; re-check in case another
	// writer landed on the same path since.
	if _, err := os.Stat(plan.FinalPath); err == nil {
		return Outcome{}, fmt.Errorf("%s: %w", plan.FinalPath, ErrDestinationExists)
	}

	if err := fileutil.MoveFile(stagingPath, plan.FinalPath); err != nil {
		return Outcome{}, fmt.Errorf("failed to move into library: %w", err)
	}

	outcome := Outcome{Hash: p.hashFile(ctx, plan.FinalPath)}

	p.logger.Info().
		Str("final_path", plan.FinalPath).
		Str("hash", outcome.Hash).
		Msg("file finalized")

	return outcome, nil
}

// Discard removes the staged file and prunes directories this job created,
// deepest first, skipping any that still contain files. Cleanup errors are
// logged; the job's terminal outcome is already decided.
func (p *Pipeline) Discard(plan Plan, stagingPath string) {
	if stagingPath != "" {
		if err := os.Remove(stagingPath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("path", stagingPath).Msg("failed to remove staged file")
		}
	}

	p.rollbackDirs(plan.CreatedDirs)
}

func (p *Pipeline) rollbackDirs(createdDirs []string) {
	for i := len(createdDirs) - 1; i >= 0; i-- {
		dir := createdDirs[i]

		empty, err := fileutil.DirEmpty(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				p.logger.Warn().Err(err).Str("dir", dir).Msg("failed to inspect directory during cleanup")
			}
			continue
		}
		if !empty {
			// Another job owns content in here now; leave it alone.
			continue
		}

		if err := os.Remove(dir); err != nil {
			p.logger.Warn().Err(err).Str("dir", dir).Msg("failed to remove directory during cleanup")
		}
	}
}

// hashFile computes the xxh3 hash of path, bounded by the configured
// timeout. Returns empty on timeout or error.
func (p *Pipeline) hashFile(ctx context.Context, path string) string {
	hashCtx, cancel := context.WithTimeout(ctx, p.hashTimeout)
	defer cancel()

	type result struct {
		hash string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		f, err := os.Open(path)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer f.Close() //nolint:errcheck // read-only handle

		h := xxh3.New()
		if _, err = io.Copy(h, f); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{hash: fmt.Sprintf("%016x", h.Sum64())}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.logger.Warn().Err(res.err).Str("path", path).Msg("content hash failed")
			return ""
		}
		return res.hash
	case <-hashCtx.Done():
		p.logger.Warn().Str("path", path).Msg("content hash timed out")
		return ""
	}
}
