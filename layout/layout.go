// Package layout implements the two-pass layout planner: it assigns
// every FileList entry a deterministic, rank-global byte offset inside
// the archive before any worker writes a single byte.
package layout

import (
	"log"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
)

// Record is the per-entry layout tuple: exact header size, padded data
// size, and the entry's absolute byte position in the archive.
type Record struct {
	Entry flist.Entry

	HeaderSize     int64
	PaddedDataSize int64
	EntrySize      int64
	GlobalOffset   int64

	// EncodedHeader holds the serialized header bytes when the planner
	// cached them under Preserve mode, so the write phase does not have
	// to re-read ACLs and xattrs; nil means the create engine must
	// re-encode at write time.
	EncodedHeader []byte

	// Skipped marks an entry of unsupported kind: EntrySize is 0 and the
	// entry contributes nothing to the archive.
	Skipped bool
}

func ceilBlock(n int64) int64 {
	return (n + 511) &^ 511
}

// Result is the output of Plan: the local records plus the archive-wide
// sizes every rank needs to agree on.
type Result struct {
	Records []Record

	// ArchiveBodySize is the sum of every rank's entry sizes.
	ArchiveBodySize int64
	// ArchiveTotalSize adds the 1024-byte two-block terminator.
	ArchiveTotalSize int64
}

// Plan computes layout records for this rank's partition of list, then
// reconciles local offsets into archive-global offsets via an exclusive
// scan across the group.
//
// enc is this rank's headerenc.Adapter (one per worker, not shared).
// headerCacheBudget bounds how many bytes of encoded header content Plan
// retains in Record.EncodedHeader when hOpts.Preserve is set; 0 disables
// caching. logger receives one line per skipped (unsupported-kind) entry.
func Plan(
	list flist.FileList,
	rank int,
	g *collective.Group,
	enc *headerenc.Adapter,
	hOpts headerenc.Options,
	headerCacheBudget int64,
	logger *log.Logger,
) (Result, error) {
	n := list.LocalCount(rank)
	records := make([]Record, 0, n)

	var localBytes int64
	var cacheUsed int64
	var planErr error
	cacheHeaders := hOpts.Preserve && headerCacheBudget > 0

	sizeHeader := func(rec *Record) error {
		e := rec.Entry
		if cacheHeaders {
			encoded, err := enc.Encode(e, hOpts)
			if err != nil {
				return err
			}
			rec.HeaderSize = int64(len(encoded))
			if cacheUsed+rec.HeaderSize <= headerCacheBudget {
				rec.EncodedHeader = encoded
				cacheUsed += rec.HeaderSize
			}
			return nil
		}
		hsize, err := enc.EstimateHeaderSize(e, hOpts)
		if err != nil {
			return err
		}
		rec.HeaderSize = hsize
		return nil
	}

	// A per-entry encoding error must not make this rank skip the
	// collective calls below: every rank must reach ExclusiveScan and
	// AllReduce in lockstep, or a healthy rank blocks forever waiting for
	// a peer that already returned. So on error we stop planning further
	// local entries but still fall through to the collectives with
	// whatever localBytes has accumulated so far, and report planErr only
	// after the group has reconciled offsets.
loop:
	for i := 0; i < n; i++ {
		e := list.At(rank, i)
		rec := Record{Entry: e}

		switch e.Kind {
		case flist.Directory, flist.Symlink:
			if err := sizeHeader(&rec); err != nil {
				planErr = err
				break loop
			}
			rec.EntrySize = rec.HeaderSize

		case flist.Regular:
			if err := sizeHeader(&rec); err != nil {
				planErr = err
				break loop
			}
			rec.PaddedDataSize = ceilBlock(e.Size)
			rec.EntrySize = rec.HeaderSize + rec.PaddedDataSize

		default:
			rec.Skipped = true
			if logger != nil {
				logger.Printf("layout: skipping entry %q: unsupported kind %v", e.RelPath, e.Kind)
			}
		}

		rec.GlobalOffset = localBytes // tentative, rank-local offset for now
		localBytes += rec.EntrySize
		records = append(records, rec)
	}

	globalPrefix := collective.ExclusiveScan(g, rank, localBytes, int64(0), func(a, b int64) int64 { return a + b })
	archiveBodySize := collective.AllReduce(g, rank, localBytes, func(a, b int64) int64 { return a + b })

	if planErr != nil {
		return Result{}, planErr
	}

	for i := range records {
		records[i].GlobalOffset += globalPrefix
	}

	return Result{
		Records:          records,
		ArchiveBodySize:  archiveBodySize,
		ArchiveTotalSize: archiveBodySize + 1024,
	}, nil
}
