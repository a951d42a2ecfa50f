package create

import (
	"io"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/ptar/fdcache"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/layout"
	"github.com/distr1/ptar/workqueue"
)

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func ceilBlock(n int64) int64 { return (n + 511) &^ 511 }

// numChunks returns how many fixed chunkSize pieces size splits into; a
// zero-byte file contributes no chunks at all (and so no work item).
func numChunks(size, chunkSize int64) int64 {
	if size <= 0 {
		return 0
	}
	return ceilDiv(size, chunkSize)
}

// chunkItemsForRecord enumerates one regular-file record's data chunks as
// work items: every item for a given file shares the same DataOffset
// (the file's data region start); the per-chunk byte range is derived
// from ChunkIndex at processing time.
func chunkItemsForRecord(rec layout.Record, chunkSize int64) []workqueue.Item {
	if rec.Skipped || rec.Entry.Kind != flist.Regular {
		return nil
	}
	n := numChunks(rec.Entry.Size, chunkSize)
	if n == 0 {
		return nil
	}
	dataOffset := rec.GlobalOffset + rec.HeaderSize
	items := make([]workqueue.Item, n)
	for i := int64(0); i < n; i++ {
		items[i] = workqueue.Item{
			Op:         workqueue.OpCopyData,
			FileSize:   rec.Entry.Size,
			ChunkIndex: i,
			DataOffset: dataOffset,
			SourcePath: rec.Entry.Path,
		}
	}
	return items
}

// chunkLength returns how many bytes it covers: chunkSize, or less for a
// file's final chunk.
func chunkLength(it workqueue.Item, chunkSize int64) int64 {
	srcOffset := it.ChunkIndex * chunkSize
	length := chunkSize
	if srcOffset+length > it.FileSize {
		length = it.FileSize - srcOffset
	}
	if length < 0 {
		length = 0
	}
	return length
}

// processItem reads one chunk from its source file and writes it to the
// archive at the corresponding disjoint byte range. The worker that
// processes a file's final chunk also writes that file's trailing zero
// padding up to the next 512-byte boundary.
func processItem(archive *os.File, cache *fdcache.Cache, it workqueue.Item, chunkSize int64) error {
	srcOffset := it.ChunkIndex * chunkSize
	length := chunkLength(it, chunkSize)

	src, err := cache.OpenSource(it.SourcePath)
	if err != nil {
		return err
	}

	buf := make([]byte, length)
	n, err := src.ReadAt(buf, srcOffset)
	if err != nil && err != io.EOF {
		return xerrors.Errorf("create: read %s at %d: %w", it.SourcePath, srcOffset, err)
	}
	if int64(n) < length {
		return xerrors.Errorf("create: short read on %s: got %d bytes at offset %d, expected %d (source shrank since planning)", it.SourcePath, n, srcOffset, length)
	}

	archOffset := it.DataOffset + srcOffset
	if _, err := archive.WriteAt(buf[:n], archOffset); err != nil {
		return xerrors.Errorf("create: write archive at %d: %w", archOffset, err)
	}

	if it.ChunkIndex == numChunks(it.FileSize, chunkSize)-1 {
		padded := ceilBlock(it.FileSize)
		if pad := padded - it.FileSize; pad > 0 {
			if _, err := archive.WriteAt(make([]byte, pad), it.DataOffset+it.FileSize); err != nil {
				return xerrors.Errorf("create: write padding at %d: %w", it.DataOffset+it.FileSize, err)
			}
		}
	}
	return nil
}
