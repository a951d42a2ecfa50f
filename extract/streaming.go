package extract

import (
	"archive/tar"
	"bufio"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// smallGzipThreshold bounds when decompression uses klauspost/compress's
// single-threaded gzip.Reader instead of pgzip's worker pool: below this
// size pgzip's goroutine fan-out costs more than it saves.
const smallGzipThreshold = 4 << 20

// runSequentialStreaming is the no-offsets fallback strategy, used
// whenever neither an index nor a scan could locate entry headers:
// every worker reads every entry header in the same order
// from the start of the archive, and only the owning worker
// (entryIndex mod R == rank) writes that entry's body to disk. This
// supports compressed archives, since it never seeks.
//
// No collective call occurs inside this function: ownership is decided
// locally from a plain running index, so one worker's local failure
// cannot strand another worker waiting at a barrier. The caller still
// reconciles every rank's outcome via a single AllGather once every
// rank returns, matching the rest of the engine's lockstep discipline.
func runSequentialStreaming(rank, ranks int, archivePath, destDir string, bufSize int64, logger *log.Logger) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("extract: open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, int(bufSize))
	magic, peekErr := br.Peek(2)
	var r io.Reader = br
	if peekErr == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		info, statErr := f.Stat()
		small := statErr == nil && info.Size() < smallGzipThreshold
		if small {
			gz, err := kgzip.NewReader(br)
			if err != nil {
				return xerrors.Errorf("extract: open gzip stream: %w", err)
			}
			defer gz.Close()
			r = gz
		} else {
			gz, err := pgzip.NewReader(br)
			if err != nil {
				return xerrors.Errorf("extract: open gzip stream: %w", err)
			}
			defer gz.Close()
			r = gz
		}
	}

	tr := tar.NewReader(r)
	copyBuf := make([]byte, bufSize)
	var workErr error
	for idx := 0; ; idx++ {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			workErr = firstErr(workErr, xerrors.Errorf("extract: read entry %d: %w", idx, err))
			break
		}
		if idx%ranks != rank {
			continue
		}
		if err := extractStreamedEntry(tr, h, destDir, copyBuf); err != nil {
			workErr = firstErr(workErr, err)
			logFunc(logger)(err)
		}
	}
	return workErr
}

func extractStreamedEntry(tr *tar.Reader, h *tar.Header, destDir string, copyBuf []byte) error {
	target := filepath.Join(destDir, strings.TrimSuffix(h.Name, "/"))
	switch h.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Symlink(h.Linkname, target); err != nil && !os.IsExist(err) {
			return err
		}
		return nil
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, modeOrDefault(uint32(h.Mode), 0644))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.CopyBuffer(out, tr, copyBuf)
		return err
	default:
		return nil
	}
}
