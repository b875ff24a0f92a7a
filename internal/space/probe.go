// Package space evaluates free disk space against the admission policy.
package space

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
)

// Usage holds a point-in-time snapshot of filesystem capacity for a path.
type Usage struct {
	TotalBytes uint64
	UsedBytes  uint64
	FreeBytes  uint64
}

// StatFunc queries filesystem usage for a path.
type StatFunc func(path string) (*disk.UsageStat, error)

// Probe answers free-space questions for destination paths. It never caches:
// free space changes externally, and a stale reading would over-admit.
type Probe struct {
	reserveBytes uint64
	statfs       StatFunc
	logger       zerolog.Logger
}

// Option is a functional option for configuring the probe.
type Option func(*Probe)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Probe) {
		p.logger = logger
	}
}

// WithStatFunc overrides the filesystem stat function. Used in tests.
func WithStatFunc(fn StatFunc) Option {
	return func(p *Probe) {
		p.statfs = fn
	}
}

// New creates a probe that keeps reserveBytes of headroom on every admission.
func New(reserveBytes uint64, opts ...Option) *Probe {
	p := &Probe{
		reserveBytes: reserveBytes,
		statfs:       disk.Usage,
		logger:       zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// ReserveBytes returns the configured headroom.
func (p *Probe) ReserveBytes() uint64 {
	return p.reserveBytes
}

// Usage re-stats the filesystem containing path.
func (p *Probe) Usage(path string) (Usage, error) {
	stat, err := p.statfs(path)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem for %s: %w", path, err)
	}

	return Usage{
		TotalBytes: stat.Total,
		UsedBytes:  stat.Used,
		FreeBytes:  stat.Free,
	}, nil
}

// CanAdmit reports whether a transfer of requiredBytes may start for path:
// true iff free >= required + reserve. The current free byte count is
// returned alongside the verdict.
func (p *Probe) CanAdmit(path string, requiredBytes uint64) (bool, uint64, error) {
	usage, err := p.Usage(path)
	if err != nil {
		return false, 0, err
	}

	ok := usage.FreeBytes >= requiredBytes+p.reserveBytes

	p.logger.Debug().
		Str("path", path).
		Uint64("free", usage.FreeBytes).
		Uint64("required", requiredBytes).
		Uint64("reserve", p.reserveBytes).
		Bool("admit", ok).
		Msg("space check")

	return ok, usage.FreeBytes, nil
}
