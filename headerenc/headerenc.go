// Package headerenc adapts the stdlib archive/tar package into the two
// operations the layout planner and create engine need: estimating a
// header's encoded size, and serializing that same header into a
// caller-reusable scratch buffer.
//
// Both operations drive archive/tar.Writer.WriteHeader down the same
// code path, so sizing and writing can never disagree; a divergence
// would corrupt every offset downstream of the affected entry.
package headerenc

import (
	"archive/tar"
	"io"
	"strings"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/distr1/ptar/flist"
)

// Options controls header encoding. Preserve mode reads extended
// attributes and ACLs from the source file, which can blow up header
// size; see MaxHeaderSize.
type Options struct {
	Preserve bool
}

// MaxHeaderSize bounds a single encoded header. Preserve-mode headers
// carrying large ACLs/xattrs can approach this; 128 MiB covers the worst
// cases seen on real parallel file systems.
const MaxHeaderSize = 128 << 20

// Adapter encodes Entry headers through a single reusable scratch buffer.
// It is not safe for concurrent use; each worker (collective rank) owns
// its own Adapter.
type Adapter struct {
	scratch *writerseeker.WriterSeeker
}

// New returns an Adapter with a fresh scratch buffer.
func New() *Adapter {
	return &Adapter{scratch: &writerseeker.WriterSeeker{}}
}

// header builds the archive/tar.Header for e under opts. Kind == Other
// entries have no tar representation; callers must skip them before
// reaching here.
func header(e flist.Entry, opts Options) (*tar.Header, error) {
	h := &tar.Header{
		Name:    e.RelPath,
		ModTime: e.ModTime,
		Mode:    int64(e.Mode),
		Uname:   e.Owner,
		Gname:   e.Group,
		Format:  tar.FormatPAX,
	}
	switch e.Kind {
	case flist.Regular:
		h.Typeflag = tar.TypeReg
		h.Size = e.Size
	case flist.Directory:
		h.Typeflag = tar.TypeDir
		h.Name += "/"
	case flist.Symlink:
		if len(e.LinkTarget) > flist.MaxSymlinkTarget {
			return nil, xerrors.Errorf("headerenc: symlink target for %s exceeds %d bytes", e.RelPath, flist.MaxSymlinkTarget)
		}
		h.Typeflag = tar.TypeSymlink
		h.Linkname = e.LinkTarget
	default:
		return nil, xerrors.Errorf("headerenc: unsupported entry kind %v for %s", e.Kind, e.RelPath)
	}
	if opts.Preserve && e.Kind != flist.Other {
		records, err := collectXattrs(e.Path)
		if err != nil {
			return nil, err
		}
		h.PAXRecords = records
	}
	return h, nil
}

// encodeInto writes e's header to the adapter's scratch buffer, aborting
// the tar.Writer immediately after WriteHeader returns so that no
// trailing zero-block padding for the (empty, as far as this writer
// knows) body is ever flushed; this writer is discarded without Close.
func (a *Adapter) encodeInto(e flist.Entry, opts Options) (int64, error) {
	if _, err := a.scratch.Seek(0, io.SeekStart); err != nil {
		return 0, xerrors.Errorf("headerenc: reset scratch buffer: %w", err)
	}
	h, err := header(e, opts)
	if err != nil {
		return 0, err
	}
	tw := tar.NewWriter(a.scratch)
	if err := tw.WriteHeader(h); err != nil {
		return 0, xerrors.Errorf("headerenc: encode %s: %w", e.RelPath, err)
	}
	n, err := a.scratch.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, xerrors.Errorf("headerenc: measure scratch buffer: %w", err)
	}
	if n > MaxHeaderSize {
		return 0, xerrors.Errorf("headerenc: header for %s is %d bytes, exceeds %d byte limit", e.RelPath, n, MaxHeaderSize)
	}
	return n, nil
}

// EstimateHeaderSize returns the exact encoded header length for e under
// opts, by running the same WriteHeader call path WriteHeaderAt uses.
func (a *Adapter) EstimateHeaderSize(e flist.Entry, opts Options) (int64, error) {
	return a.encodeInto(e, opts)
}

// WriteHeaderAt serializes e's header into buf (which must have at least
// capacity bytes free) and returns the number of bytes written. It fails
// if the encoded header does not fit in capacity.
func (a *Adapter) WriteHeaderAt(buf []byte, capacity int, e flist.Entry, opts Options) (int, error) {
	n, err := a.encodeInto(e, opts)
	if err != nil {
		return 0, err
	}
	if n > int64(capacity) || n > int64(len(buf)) {
		return 0, xerrors.Errorf("headerenc: header for %s is %d bytes, exceeds capacity %d", e.RelPath, n, capacity)
	}
	reader := a.scratch.BytesReader()
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return 0, xerrors.Errorf("headerenc: rewind scratch buffer: %w", err)
	}
	read, err := io.ReadFull(reader, buf[:n])
	if err != nil {
		return 0, xerrors.Errorf("headerenc: copy header for %s: %w", e.RelPath, err)
	}
	return read, nil
}

// Encode returns the serialized header bytes for e directly, for callers
// (the layout planner's header cache) that want to retain the encoded
// bytes between the plan and write phases instead of re-encoding at
// write time.
func (a *Adapter) Encode(e flist.Entry, opts Options) ([]byte, error) {
	n, err := a.encodeInto(e, opts)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if _, err := a.WriteHeaderAt(out, int(n), e, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseAt parses a single entry header from r starting at the current
// read position, returning the decoded metadata and the number of header
// bytes consumed (the archive-relative byte count up to, but not
// including, the entry's data region). It is the read-side counterpart
// used by the extract engine's metadata pass and by archive scanning.
func ParseAt(r io.Reader) (flist.Entry, int64, error) {
	counting := &countingReader{r: r}
	tr := tar.NewReader(counting)
	h, err := tr.Next()
	if err != nil {
		return flist.Entry{}, 0, err
	}
	e := flist.Entry{
		RelPath: h.Name,
		Mode:    uint32(h.Mode),
		Owner:   h.Uname,
		Group:   h.Gname,
		ModTime: h.ModTime,
		Size:    h.Size,
	}
	switch h.Typeflag {
	case tar.TypeDir:
		e.Kind = flist.Directory
	case tar.TypeSymlink:
		e.Kind = flist.Symlink
		e.LinkTarget = h.Linkname
	case tar.TypeReg, tar.TypeRegA:
		e.Kind = flist.Regular
	default:
		e.Kind = flist.Other
	}
	for k, v := range h.PAXRecords {
		if !strings.HasPrefix(k, paxXattrPrefix) {
			continue
		}
		if e.Xattrs == nil {
			e.Xattrs = map[string]string{}
		}
		e.Xattrs[strings.TrimPrefix(k, paxXattrPrefix)] = v
	}
	return e, counting.n, nil
}

// countingReader tracks how many bytes tar.Reader has pulled through it
// while parsing exactly one header block (tar.Reader reads in 512-byte
// blocks, so this count always lands on a block boundary).
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
