// Package transfer provides the transport contract and the retrying
// executor that stages files on local disk.
package transfer

import (
	"context"
	"errors"
	"fmt"
)

// Request represents a single file transfer into the staging area.
type Request struct {
	// Source identifies the file on the transport (e.g. a spool-relative path
	// or a message identifier, depending on the backend).
	Source string

	// StagingPath is the full local path the transport writes to.
	StagingPath string

	// Size is the declared size of the file in bytes (0 if unknown).
	Size int64
}

// Progress represents the current progress of a transfer.
type Progress struct {
	// Transferred is the number of bytes written so far.
	Transferred int64

	// Percent is completion in [0,100], derived from the declared size.
	Percent float64

	// BytesPerSec is the speed since the attempt started.
	BytesPerSec int64

	// ETASeconds is the estimated remaining time, -1 while speed is zero.
	ETASeconds int64
}

// ProgressFunc is a callback function for progress updates.
type ProgressFunc func(Progress)

// Transport is a backend that performs a single transfer attempt.
type Transport interface {
	// Fetch streams the requested file to req.StagingPath, invoking
	// onProgress as bytes arrive. It must abort promptly when ctx is
	// cancelled. Errors should be wrapped as TransientError or
	// PermanentError so the executor can decide whether to retry.
	Fetch(ctx context.Context, req Request, onProgress ProgressFunc) error

	// Name returns the name of the transport backend.
	Name() string
}

// ErrCancelled reports that the owner cancelled the transfer. It is distinct
// from failure: cancelled jobs are never retried and never counted as failed.
var ErrCancelled = errors.New("transfer cancelled by owner")

// TransientError wraps an error worth retrying (network hiccups, short reads).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transfer error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// PermanentError wraps an error that retrying cannot fix (source gone,
// invalid request).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent transfer error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a non-retryable transport failure.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
