// Package extract implements the archive extraction engine: locate each
// entry's header offset, partition entries across workers, parse
// metadata, create directories, then extract file contents via one of
// three backends depending on what is known about offsets.
//
// As in the create engine, every phase boundary below is gated by a
// collective call every rank reaches unconditionally, so that one
// rank's local failure can only cause the whole group to bail out
// together at a shared decision point, never strand a healthy rank at a
// later collective; see create.go's and layout.Plan's doc comments for
// the same rule.
package extract

import (
	"log"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar"
	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/index"
	"github.com/distr1/ptar/progress"
)

// Extract unpacks the archive at archivePath into destDir, fanning out
// one goroutine per rank in g.
func Extract(g *collective.Group, archivePath, destDir string, opts ptar.Options, logger *log.Logger, reporter progress.Reporter) error {
	opts = opts.WithDefaults().ApplyEnv()

	var eg errgroup.Group
	for r := 0; r < g.Size(); r++ {
		r := r
		eg.Go(func() error {
			return extractRank(r, g, archivePath, destDir, opts, logger, reporter)
		})
	}
	return eg.Wait()
}

type scanResult struct {
	offsets []int64
	ok      bool
}

func extractRank(rank int, g *collective.Group, archivePath, destDir string, opts ptar.Options, logger *log.Logger, reporter progress.Reporter) error {
	// Step 1a: try the sidecar index.
	offsets, haveIndex, readErr := index.Read(archivePath, rank, g)
	if readErr != nil {
		msgs := collective.AllGather(g, rank, readErr.Error())
		return xerrors.Errorf("extract: read index: %s", strings.Join(nonEmpty(msgs), "; "))
	}
	if haveIndex {
		// Validation is a rank-0 decision, broadcast like the read itself:
		// if every rank validated independently, a transient local failure
		// (say, an open hitting EMFILE on one rank) would leave the group
		// split on haveIndex and diverge on which collective each rank
		// calls next.
		valid := false
		if rank == 0 {
			valid = index.Validate(archivePath, offsets) == nil
		}
		valid = collective.Broadcast(g, rank, 0, valid)
		if !valid {
			haveIndex = false
			offsets = nil
		}
	}
	haveOffsets := haveIndex

	// Step 1b: scan on rank 0 if no valid index.
	if !haveOffsets {
		var local scanResult
		if rank == 0 {
			if scanned, err := scanArchiveOffsets(archivePath); err == nil {
				local = scanResult{offsets: scanned, ok: true}
			}
		}
		bcast := collective.Broadcast(g, rank, 0, local)
		if bcast.ok {
			offsets = bcast.offsets
			haveOffsets = true
			haveIndex = false // obtained by scanning, not a pre-existing index
		}
	}

	// Step 1c: neither an index nor a successful scan, so sequential
	// streaming, which needs no offsets at all.
	if !haveOffsets {
		workErr := runSequentialStreaming(rank, g.Size(), archivePath, destDir, opts.BufSize, logger)
		msgs := collective.AllGather(g, rank, errMsg(workErr))
		if anyNonEmpty(msgs) {
			return xerrors.Errorf("extract: %s", strings.Join(nonEmpty(msgs), "; "))
		}
		return nil
	}

	// Step 2+3: partition and parse metadata; extractMetadata already
	// reconciles every rank's outcome internally via AllGather, so a
	// non-nil error here is identical on every rank and safe to return
	// from at this shared point.
	entries, dataOffsets, err := extractMetadata(rank, g, archivePath, offsets)
	if err != nil {
		return err
	}

	// Step 4: directories, also internally reconciled.
	if err := createDirectories(rank, g, destDir, entries, logFunc(logger)); err != nil {
		return err
	}

	if rank == 0 && reporter != nil {
		reporter.Report(progress.Snapshot{EntriesDone: int64(len(entries)), EntriesTotal: int64(len(entries))})
	}

	// Step 5: data.
	var dataErr error
	if opts.ExtractLibArchive {
		dataErr = runLibraryBacked(rank, g, archivePath, destDir, entries, dataOffsets, opts.Preserve, logger)
	} else {
		dataErr = runDirectPositional(rank, g, archivePath, destDir, entries, dataOffsets, opts.ChunkSize, opts.Preserve, logger)
	}

	// Step 6: post-process directory timestamps/permissions (and, under
	// Preserve, ownership), also internally reconciled.
	postErr := postProcessDirectories(rank, g, destDir, entries, opts.Preserve, newOwnerCache(), logger)

	// If offsets came from scanning rather than a pre-existing sidecar
	// index, persist them now so later extractions can skip the scan.
	// Only rank 0's contribution is non-empty; index.Write's AllGather
	// concatenates every rank's (mostly empty) contribution back into
	// the single global array, in order.
	var idxErr error
	if !haveIndex {
		var contribution []int64
		if rank == 0 {
			contribution = offsets
		}
		idxErr = index.Write(archivePath, rank, g, contribution)
	}

	combined := firstErr(firstErr(dataErr, postErr), idxErr)
	finalMsgs := collective.AllGather(g, rank, errMsg(combined))
	if anyNonEmpty(finalMsgs) {
		return xerrors.Errorf("extract: %s", strings.Join(nonEmpty(finalMsgs), "; "))
	}
	return nil
}
