package extract

import (
	"io"
	"os"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
)

// metadataShard is one rank's contribution to the global entry list.
// AllGathering shards in rank order reconstructs the exact global order,
// since partitions are contiguous.
type metadataShard struct {
	entries     []flist.Entry
	dataOffsets []int64
	errMsg      string
}

// extractMetadata parses this rank's partition of offsets into entries,
// then all-gathers every rank's shard so every rank ends up with the
// complete, globally indexed entry and data-offset arrays, required by
// both the direct-positional backend (worker 0 pre-creates every file)
// and the directory pass (any rank may own a directory entry).
func extractMetadata(rank int, g *collective.Group, archivePath string, offsets []int64) ([]flist.Entry, []int64, error) {
	start, end := flist.Partition(len(offsets), g.Size(), rank)

	shard := metadataShard{}
	f, err := os.Open(archivePath)
	if err != nil {
		shard.errMsg = err.Error()
	} else {
		defer f.Close()
	loop:
		for i := start; i < end; i++ {
			if _, err := f.Seek(offsets[i], io.SeekStart); err != nil {
				shard.errMsg = err.Error()
				break loop
			}
			e, headerSize, err := headerenc.ParseAt(f)
			if err != nil {
				shard.errMsg = err.Error()
				break loop
			}
			shard.entries = append(shard.entries, e)
			shard.dataOffsets = append(shard.dataOffsets, offsets[i]+headerSize)
		}
	}

	gathered := collective.AllGather(g, rank, shard)

	var entries []flist.Entry
	var dataOffsets []int64
	var msgs []string
	for _, part := range gathered {
		entries = append(entries, part.entries...)
		dataOffsets = append(dataOffsets, part.dataOffsets...)
		if part.errMsg != "" {
			msgs = append(msgs, part.errMsg)
		}
	}
	if len(msgs) > 0 {
		return nil, nil, xerrors.Errorf("extract: metadata: %s", strings.Join(msgs, "; "))
	}
	return entries, dataOffsets, nil
}
