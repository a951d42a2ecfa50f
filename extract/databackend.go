package extract

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/fdcache"
	"github.com/distr1/ptar/flist"
)

func modeOrDefault(mode uint32, def os.FileMode) os.FileMode {
	if mode == 0 {
		return def
	}
	return os.FileMode(mode)
}

// runLibraryBacked is the library-backed data strategy: each worker
// seeks directly to its own entries' data regions (already known from
// the metadata pass's header parse) and copies each one into its
// destination file. It does not subdivide large files across workers.
func runLibraryBacked(rank int, g *collective.Group, archivePath, destDir string, entries []flist.Entry, dataOffsets []int64, preserve bool, logger *log.Logger) error {
	start, end := flist.Partition(len(entries), g.Size(), rank)

	// Every worker does nothing but random-access reads against this one
	// read-only archive, the case mmap.ReaderAt exists for.
	f, err := mmap.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("extract: mmap archive: %w", err)
	}
	defer f.Close()

	cache := newOwnerCache()
	var workErr error
	for i := start; i < end; i++ {
		e := entries[i]
		target := filepath.Join(destDir, e.RelPath)

		switch e.Kind {
		case flist.Symlink:
			if err := os.Symlink(e.LinkTarget, target); err != nil && !os.IsExist(err) {
				workErr = firstErr(workErr, err)
				logFunc(logger)(err)
				continue
			}
		case flist.Regular:
			if err := copyRegularAt(f, e, target, dataOffsets[i]); err != nil {
				workErr = firstErr(workErr, err)
				logFunc(logger)(err)
				continue
			}
		default:
			continue
		}
		if preserve {
			restoreOwnership(cache, target, e, logger)
			restoreXattrs(target, e, logger)
		}
	}
	return workErr
}

// copyRegularAt reads e's data region (already located past its header,
// per extractMetadata) straight out of the mmap'd archive into target. e
// already carries every field ParseAt extracted from the header, so
// there is nothing left for archive/tar itself to parse here.
func copyRegularAt(f *mmap.ReaderAt, e flist.Entry, target string, dataOffset int64) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, modeOrDefault(e.Mode, 0644))
	if err != nil {
		return xerrors.Errorf("create %s: %w", target, err)
	}
	defer out.Close()
	if e.Size == 0 {
		return nil
	}
	buf := make([]byte, e.Size)
	if _, err := f.ReadAt(buf, dataOffset); err != nil && err != io.EOF {
		return xerrors.Errorf("read %s: %w", e.RelPath, err)
	}
	if _, err := out.Write(buf); err != nil {
		return xerrors.Errorf("write %s: %w", target, err)
	}
	return nil
}

// extractChunk is one fixed-size slice of a regular entry's data,
// analogous to the create engine's workqueue.Item but read-direction:
// ArchiveOffset is where to read from, DestOffset where to write.
type extractChunk struct {
	ArchiveOffset int64
	DestOffset    int64
	Length        int64
	DestPath      string
}

// buildChunks is a pure function of entries/dataOffsets/chunkSize: since
// every rank already holds the identical global entries and dataOffsets
// arrays (extractMetadata's AllGather), every rank computes the exact
// same chunk list independently, with no further collective call
// needed before the round-robin assignment below.
func buildChunks(entries []flist.Entry, dataOffsets []int64, destDir string, chunkSize int64) []extractChunk {
	var chunks []extractChunk
	for i, e := range entries {
		if e.Kind != flist.Regular || e.Size <= 0 {
			continue
		}
		target := filepath.Join(destDir, e.RelPath)
		for off := int64(0); off < e.Size; off += chunkSize {
			length := chunkSize
			if off+length > e.Size {
				length = e.Size - off
			}
			chunks = append(chunks, extractChunk{
				ArchiveOffset: dataOffsets[i] + off,
				DestOffset:    off,
				Length:        length,
				DestPath:      target,
			})
		}
	}
	return chunks
}

// runDirectPositional is the direct-positional data strategy: worker 0
// pre-creates every regular file, symlinks are
// created from the metadata already parsed (no extra archive I/O
// needed to recover their targets), then fixed-size chunks are
// distributed round-robin by global chunk index.
func runDirectPositional(rank int, g *collective.Group, archivePath, destDir string, entries []flist.Entry, dataOffsets []int64, chunkSize int64, preserve bool, logger *log.Logger) error {
	preMsg := ""
	if rank == 0 {
		preCache := newOwnerCache()
		for _, e := range entries {
			if e.Kind != flist.Regular {
				continue
			}
			target := filepath.Join(destDir, e.RelPath)
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				preMsg = err.Error()
				break
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, modeOrDefault(e.Mode, 0644))
			if err != nil {
				preMsg = err.Error()
				break
			}
			err = f.Truncate(e.Size)
			f.Close()
			if err != nil {
				preMsg = err.Error()
				break
			}
			if preserve {
				restoreOwnership(preCache, target, e, logger)
				restoreXattrs(target, e, logger)
			}
		}
	}
	preMsg = collective.Broadcast(g, rank, 0, preMsg)
	if preMsg != "" {
		return xerrors.Errorf("extract: pre-create files: %s", preMsg)
	}

	start, end := flist.Partition(len(entries), g.Size(), rank)
	linkCache := newOwnerCache()
	var workErr error
	for i := start; i < end; i++ {
		e := entries[i]
		if e.Kind != flist.Symlink {
			continue
		}
		target := filepath.Join(destDir, e.RelPath)
		if err := os.Symlink(e.LinkTarget, target); err != nil && !os.IsExist(err) {
			workErr = firstErr(workErr, err)
			logFunc(logger)(err)
			continue
		}
		if preserve {
			restoreOwnership(linkCache, target, e, logger)
			restoreXattrs(target, e, logger)
		}
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		workErr = firstErr(workErr, xerrors.Errorf("extract: open archive: %w", err))
		archive = nil
	} else {
		defer archive.Close()
	}

	chunks := buildChunks(entries, dataOffsets, destDir, chunkSize)
	cache := fdcache.New()
	defer cache.Close()

	R := g.Size()
	for idx := rank; idx < len(chunks); idx += R {
		if archive == nil {
			continue
		}
		c := chunks[idx]
		buf := make([]byte, c.Length)
		if _, err := archive.ReadAt(buf, c.ArchiveOffset); err != nil && err != io.EOF {
			workErr = firstErr(workErr, err)
			logFunc(logger)(err)
			continue
		}
		out, err := cache.OpenDest(c.DestPath, os.O_WRONLY, 0644)
		if err != nil {
			workErr = firstErr(workErr, err)
			logFunc(logger)(err)
			continue
		}
		if _, err := out.WriteAt(buf, c.DestOffset); err != nil {
			workErr = firstErr(workErr, err)
			logFunc(logger)(err)
		}
	}
	return workErr
}
