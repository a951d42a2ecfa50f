package extract

import (
	"io"
	"os"

	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
)

func ceilBlock(n int64) int64 { return (n + 511) &^ 511 }

// scanArchiveOffsets walks archivePath from the start, recording the
// byte offset of every entry header. It only
// succeeds against an uncompressed archive: the first byte sequence that
// doesn't parse as a tar header (e.g. a gzip magic number) aborts the
// scan so the caller can fall back to sequential streaming.
func scanArchiveOffsets(archivePath string) ([]int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var offsets []int64
	var pos int64
	for {
		if _, err := f.Seek(pos, io.SeekStart); err != nil {
			return nil, err
		}
		e, headerSize, err := headerenc.ParseAt(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		offsets = append(offsets, pos)
		dataSize := int64(0)
		if e.Kind == flist.Regular {
			dataSize = ceilBlock(e.Size)
		}
		pos += headerSize + dataSize
	}
	return offsets, nil
}
