// Package create implements the archive creation engine: a two-pass
// layout plan followed by a parallel write phase, using one of two
// interchangeable data-phase backends selected by
// Options.CreateLibCircle. Both backends produce byte-identical archives
// for the same input.
//
// Every phase below is reached by every rank regardless of any single
// rank's local error: a rank that fails early still calls every
// remaining collective operation with degraded (empty or skipped) local
// input, and the failure itself is only surfaced at a collective point
// every rank reaches (the post-plan AllGather, the prepare-archive
// Broadcast, or the final AllGather), so all ranks return together.
// Returning early
// based on purely local state would leave a healthy rank's peers
// blocked forever at a later collective call; see layout.Plan's doc
// comment for the same rule applied to the planning phase.
package create

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar"
	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
	"github.com/distr1/ptar/index"
	"github.com/distr1/ptar/layout"
	"github.com/distr1/ptar/lustre"
	"github.com/distr1/ptar/progress"
	"github.com/distr1/ptar/workqueue"
)

// Create builds an archive from list at opts.DestPath, fanning out one
// goroutine per rank in g. It returns the first error encountered,
// annotated with every rank's contribution if more than one failed.
func Create(g *collective.Group, list flist.FileList, opts ptar.Options, logger *log.Logger, reporter progress.Reporter) error {
	opts = opts.WithDefaults().ApplyEnv()

	sh := &shared{}
	if opts.CreateLibCircle {
		sh.queue = workqueue.NewQueue(4096)
	}

	var stop func()
	if reporter != nil {
		stop = progress.Ticker(500*time.Millisecond, func() {
			reporter.Report(progress.Snapshot{
				BytesDone:   atomic.LoadInt64(&sh.bytesDone),
				EntriesDone: atomic.LoadInt64(&sh.processed),
			})
		})
		defer stop()
	}

	var eg errgroup.Group
	for r := 0; r < g.Size(); r++ {
		r := r
		eg.Go(func() error {
			return createRank(r, g, list, sh, opts, logger)
		})
	}
	return eg.Wait()
}

func createRank(rank int, g *collective.Group, list flist.FileList, sh *shared, opts ptar.Options, logger *log.Logger) error {
	enc := headerenc.New()
	hOpts := headerenc.Options{Preserve: opts.Preserve}

	plan, planErr := layout.Plan(list, rank, g, enc, hOpts, opts.HeaderCacheBudget, logger)

	// Phase 1 gate: every rank reaches this AllGather regardless of its
	// own planErr, so the whole group learns together whether ANY rank
	// failed to plan, and all ranks bail out at the same collective
	// point rather than diverging.
	planMsg := errMsg(planErr)
	planMsgs := collective.AllGather(g, rank, planMsg)
	if anyNonEmpty(planMsgs) {
		return xerrors.Errorf("create: plan failed: %s", strings.Join(nonEmpty(planMsgs), "; "))
	}

	if opts.DryRun {
		if rank == 0 && logger != nil {
			logger.Printf("create: dry run: %d entries, %d bytes body, %d bytes total",
				list.GlobalCount(), plan.ArchiveBodySize, plan.ArchiveTotalSize)
		}
		return nil
	}

	var workErr error

	// Phase 2: stripe configuration + preallocation, rank 0 only.
	prepMsg := ""
	if rank == 0 {
		if err := prepareArchive(opts.DestPath, plan.ArchiveTotalSize, opts.ChunkSize); err != nil {
			prepMsg = err.Error()
		}
	}
	prepMsg = collective.Broadcast(g, rank, 0, prepMsg)
	if prepMsg != "" {
		return xerrors.Errorf("create: prepare archive: %s", prepMsg)
	}

	// Phase 3: open this rank's descriptor and write headers.
	archive, openErr := os.OpenFile(opts.DestPath, os.O_WRONLY, 0644)
	if openErr != nil {
		workErr = xerrors.Errorf("create: open archive: %w", openErr)
		logIfSet(logger, workErr)
	} else {
		defer archive.Close()
	}

	var localOffsets []int64
	for _, rec := range plan.Records {
		if rec.Skipped {
			continue
		}
		localOffsets = append(localOffsets, rec.GlobalOffset)
		if archive == nil {
			continue
		}
		headerBytes := rec.EncodedHeader
		if headerBytes == nil {
			b, err := enc.Encode(rec.Entry, hOpts)
			if err != nil {
				workErr = firstErr(workErr, err)
				logIfSet(logger, err)
				continue
			}
			headerBytes = b
		}
		if _, err := archive.WriteAt(headerBytes, rec.GlobalOffset); err != nil {
			workErr = firstErr(workErr, err)
			logIfSet(logger, err)
		}
	}

	// Phase 4: data.
	var dataErr error
	if opts.CreateLibCircle {
		dataErr = runWorkStealing(rank, g, sh, archive, plan.Records, opts.ChunkSize, logger)
	} else {
		dataErr = runStaticChunk(rank, g, archive, plan.Records, opts.ChunkSize, logger)
	}
	workErr = firstErr(workErr, dataErr)
	g.Barrier(rank)

	// Phase 5: terminator, rank 0 only, after every rank's data is down.
	if rank == 0 && archive != nil {
		if _, err := archive.WriteAt(make([]byte, 1024), plan.ArchiveBodySize); err != nil {
			workErr = firstErr(workErr, err)
			logIfSet(logger, err)
		}
	}

	// Phase 6: close, write the sidecar index, and reconcile failures.
	if archive != nil {
		if err := archive.Sync(); err != nil {
			workErr = firstErr(workErr, err)
		}
	}
	if err := index.Write(opts.DestPath, rank, g, localOffsets); err != nil {
		workErr = firstErr(workErr, err)
		logIfSet(logger, err)
	}

	finalMsgs := collective.AllGather(g, rank, errMsg(workErr))
	if anyNonEmpty(finalMsgs) {
		return xerrors.Errorf("create: %s", strings.Join(nonEmpty(finalMsgs), "; "))
	}
	return nil
}

// prepareArchive removes any existing file at path, applies best-effort
// striping, then creates and preallocates a file of exactly size bytes.
func prepareArchive(path string, size, chunkSize int64) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("remove existing archive: %w", err)
	}
	if err := lustre.Auto(filepath.Dir(path)).Configure(path, chunkSize); err != nil {
		return xerrors.Errorf("configure striping: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return xerrors.Errorf("create archive: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return xerrors.Errorf("truncate archive to %d: %w", size, err)
	}
	if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
		// Fallocate is an optimization (avoids later ENOSPC surprises and
		// fragmentation); a file system that doesn't support it (e.g.
		// tmpfs) still has the right-sized, truncate-created file.
		return nil
	}
	return nil
}

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

func logIfSet(logger *log.Logger, err error) {
	if logger != nil && err != nil {
		logger.Printf("create: %v", err)
	}
}

func anyNonEmpty(msgs []string) bool {
	for _, m := range msgs {
		if m != "" {
			return true
		}
	}
	return false
}

func nonEmpty(msgs []string) []string {
	var out []string
	for _, m := range msgs {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}
