package ptar

import "os"

// EnvCreateBackend is the environment variable the original tool used to
// pick a create backend. Kept for compatibility with existing deployment
// scripts that export it.
const EnvCreateBackend = "MFU_FLIST_ARCHIVE_CREATE"

const (
	// DefaultChunkSize is the granularity of parallel data units used by
	// both create backends and, doubling as the Lustre stripe width, by
	// the stripe+preallocate phase.
	DefaultChunkSize = 1 << 20 // 1 MiB

	// DefaultBufSize is the per-worker I/O buffer used by the
	// sequential-streaming extract path.
	DefaultBufSize = 256 << 10

	// DefaultHeaderCacheBudget bounds how much encoded-header memory the
	// layout planner will retain between the plan and write phases when
	// Options.Preserve is set, sparing the writer a second pass over
	// every entry's ACLs and xattrs.
	DefaultHeaderCacheBudget = 64 << 20
)

// Options carries every tunable the create and extract engines recognize.
// It is built programmatically by the caller; parsing it out of command
// line flags or a config file is the out-of-scope front end's job.
type Options struct {
	// Preserve includes extended attributes and ACLs in headers on
	// create, and restores them on extract.
	Preserve bool

	// ChunkSize is the granularity of parallel data units (default
	// DefaultChunkSize); it also sizes the Lustre stripe width.
	ChunkSize int64

	// BufSize is the per-worker I/O buffer size (default DefaultBufSize).
	BufSize int64

	// CreateLibCircle selects the work-stealing create backend. When
	// false, the static-chunk backend is used. ApplyEnv can set this
	// from MFU_FLIST_ARCHIVE_CREATE.
	CreateLibCircle bool

	// ExtractLibArchive selects the library-backed extract path when
	// offsets are available, instead of the direct-positional path.
	ExtractLibArchive bool

	// DestPath is the destination archive path on create, or the
	// extraction anchor directory on extract.
	DestPath string

	// DryRun computes the layout plan and reports the resulting archive
	// size without writing anything.
	DryRun bool

	// HeaderCacheBudget bounds the encoded-header cache the layout
	// planner keeps between plan and write phases under Preserve mode.
	// WithDefaults replaces zero with DefaultHeaderCacheBudget; a negative
	// value disables caching (always re-encode at write time).
	HeaderCacheBudget int64
}

// WithDefaults returns a copy of o with zero-valued tunables replaced by
// their defaults.
func (o Options) WithDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BufSize <= 0 {
		o.BufSize = DefaultBufSize
	}
	if o.HeaderCacheBudget == 0 {
		o.HeaderCacheBudget = DefaultHeaderCacheBudget
	}
	return o
}

// ApplyEnv overlays environment variable selections onto o, the way
// distri's internal/env package centralizes environment lookups instead
// of scattering os.Getenv calls through the engines. Only
// MFU_FLIST_ARCHIVE_CREATE is currently recognized:
// LIBCIRCLE selects the work-stealing backend, CHUNK selects the
// static-chunk backend, and any other value (or unset) leaves
// o.CreateLibCircle as it is, so the zero Options uses static-chunk.
func (o Options) ApplyEnv() Options {
	switch os.Getenv(EnvCreateBackend) {
	case "LIBCIRCLE":
		o.CreateLibCircle = true
	case "CHUNK":
		o.CreateLibCircle = false
	}
	return o
}
