// Package index reads and writes the sidecar offset index: a contiguous
// sequence of big-endian 64-bit header offsets, one per archive entry,
// stored at "<archive>.idx". The file has no header or version tag; its
// size alone determines the entry count.
package index

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar/collective"
)

// Suffix is appended to the archive path to name its sidecar index.
const Suffix = ".idx"

// ErrStaleIndex is returned by Validate when the sidecar index cannot
// plausibly describe the archive it sits beside. It is not distinguished
// from "no index" by callers: both cause the extractor to fall back to
// scanning.
var ErrStaleIndex = errors.New("index: stale or corrupt sidecar index")

// Path returns the sidecar index path for archivePath.
func Path(archivePath string) string { return archivePath + Suffix }

// Write gathers every rank's local offsets (in rank order, which matches
// entry order since FileList partitions are contiguous and sorted) and
// has rank 0 write them as the sidecar index, atomically via renameio.
// Any rank's write failure fails the call on every rank.
func Write(archivePath string, rank int, g *collective.Group, localOffsets []int64) error {
	gathered := collective.AllGather(g, rank, localOffsets)

	var writeErr error
	if rank == 0 {
		var all []int64
		for _, part := range gathered {
			all = append(all, part...)
		}
		buf := make([]byte, 8*len(all))
		for i, off := range all {
			binary.BigEndian.PutUint64(buf[i*8:], uint64(off))
		}
		writeErr = renameio.WriteFile(Path(archivePath), buf, 0644)
	}

	msg := ""
	if writeErr != nil {
		msg = writeErr.Error()
	}
	failureMsg := collective.Broadcast(g, rank, 0, msg)
	if failureMsg != "" {
		return xerrors.Errorf("index: write %s: %s", Path(archivePath), failureMsg)
	}
	return nil
}

// Read loads the sidecar index for archivePath on rank 0 and broadcasts
// it to every rank. A missing index is not an error: haveIndex is false
// and offsets is nil, signaling the caller to fall back to scanning.
func Read(archivePath string, rank int, g *collective.Group) (offsets []int64, haveIndex bool, err error) {
	type loaded struct {
		offsets []int64
		have    bool
		errMsg  string
	}

	var local loaded
	if rank == 0 {
		data, readErr := os.ReadFile(Path(archivePath))
		if readErr != nil {
			if os.IsNotExist(readErr) {
				local = loaded{have: false}
			} else {
				local = loaded{errMsg: readErr.Error()}
			}
		} else if len(data)%8 != 0 {
			// Malformed, not missing -- treated the same as a missing
			// index so the extractor falls back to scanning instead of
			// failing the whole operation.
			local = loaded{have: false}
		} else {
			n := len(data) / 8
			off := make([]int64, n)
			for i := range off {
				off[i] = int64(binary.BigEndian.Uint64(data[i*8:]))
			}
			local = loaded{offsets: off, have: true}
		}
	}

	bcast := collective.Broadcast(g, rank, 0, local)
	if bcast.errMsg != "" {
		return nil, false, xerrors.Errorf("index: read %s: %s", Path(archivePath), bcast.errMsg)
	}
	return bcast.offsets, bcast.have, nil
}

// Validate structurally checks offsets against the archive: since the
// wire format carries no magic number or version, a stale index left
// over from a different archive that happens to share a path can only be
// caught heuristically. Validate checks that every offset falls inside
// the archive on a block boundary and that the first offset looks like
// the start of a tar header, returning ErrStaleIndex if a check fails.
func Validate(archivePath string, offsets []int64) error {
	if len(offsets) == 0 {
		return nil
	}
	fi, err := os.Stat(archivePath)
	if err != nil {
		return err
	}
	size := fi.Size()
	last := offsets[len(offsets)-1]
	if last < 0 || last >= size {
		return ErrStaleIndex
	}
	for _, off := range offsets {
		if off < 0 || off >= size || off%512 != 0 {
			return ErrStaleIndex
		}
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var block [512]byte
	if _, err := f.ReadAt(block[:], offsets[0]); err != nil {
		return ErrStaleIndex
	}
	allZero := true
	for _, b := range block[:100] { // tar header name field
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return ErrStaleIndex
	}
	return nil
}
