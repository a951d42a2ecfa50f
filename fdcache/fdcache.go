// Package fdcache implements a per-worker file-descriptor cache: one
// open source descriptor and one open destination descriptor, reused
// across consecutive work items that touch the same file instead of
// reopening it every time. Consecutive work items are very often chunks
// of the same file.
package fdcache

import (
	"os"

	"golang.org/x/xerrors"
)

type slot struct {
	path string
	flag int
	perm os.FileMode
	f    *os.File
}

// Cache holds at most one open source and one open destination
// descriptor. It is not safe for concurrent use; each worker owns its
// own Cache.
type Cache struct {
	src slot
	dst slot
}

// New returns an empty Cache.
func New() *Cache { return &Cache{} }

// OpenSource returns a descriptor open for reading at path, reusing the
// cached one if its name matches.
func (c *Cache) OpenSource(path string) (*os.File, error) {
	if c.src.f != nil && c.src.path == path {
		return c.src.f, nil
	}
	if c.src.f != nil {
		c.src.f.Close()
	}
	f, err := os.Open(path)
	if err != nil {
		c.src = slot{}
		return nil, xerrors.Errorf("fdcache: open source %s: %w", path, err)
	}
	c.src = slot{path: path, f: f}
	return f, nil
}

// OpenDest returns a descriptor open at path with flag/perm, reusing the
// cached one if name and flag both match. Evicting a destination
// descriptor fsyncs it before closing.
func (c *Cache) OpenDest(path string, flag int, perm os.FileMode) (*os.File, error) {
	if c.dst.f != nil && c.dst.path == path && c.dst.flag == flag {
		return c.dst.f, nil
	}
	if c.dst.f != nil {
		c.dst.f.Sync()
		c.dst.f.Close()
	}
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		c.dst = slot{}
		return nil, xerrors.Errorf("fdcache: open destination %s: %w", path, err)
	}
	c.dst = slot{path: path, flag: flag, perm: perm, f: f}
	return f, nil
}

// Close evicts and closes both cached descriptors, fsyncing the
// destination slot first if one is open.
func (c *Cache) Close() error {
	var firstErr error
	if c.dst.f != nil {
		if err := c.dst.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.dst.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.dst = slot{}
	}
	if c.src.f != nil {
		if err := c.src.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.src = slot{}
	}
	return firstErr
}
