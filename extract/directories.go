package extract

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
)

// createDirectories creates every directory entry in this rank's
// partition before the AllGather below releases any rank into the data
// phase, avoiding create-order races between a directory and the
// children other ranks may write into it.
func createDirectories(rank int, g *collective.Group, destDir string, entries []flist.Entry, logFn func(error)) error {
	start, end := flist.Partition(len(entries), g.Size(), rank)

	var failMsg string
	for i := start; i < end; i++ {
		e := entries[i]
		if e.Kind != flist.Directory {
			continue
		}
		target := filepath.Join(destDir, e.RelPath)
		if err := os.MkdirAll(target, 0755); err != nil {
			failMsg = err.Error()
			logFn(err)
		}
	}

	msgs := collective.AllGather(g, rank, failMsg)
	if anyNonEmpty(msgs) {
		return xerrors.Errorf("extract: create directories: %s", strings.Join(nonEmpty(msgs), "; "))
	}
	return nil
}

// postProcessDirectories re-applies every directory entry's mode and
// modification time: writing files into a directory perturbs its mtime,
// so timestamps can only be finalized after every file exists. When
// preserve is set, it also restores directory ownership and extended
// attributes, best-effort via cache.
func postProcessDirectories(rank int, g *collective.Group, destDir string, entries []flist.Entry, preserve bool, cache *ownerCache, logger *log.Logger) error {
	start, end := flist.Partition(len(entries), g.Size(), rank)

	var failMsg string
	for i := start; i < end; i++ {
		e := entries[i]
		if e.Kind != flist.Directory {
			continue
		}
		target := filepath.Join(destDir, e.RelPath)
		if e.Mode != 0 {
			if err := os.Chmod(target, os.FileMode(e.Mode)); err != nil && failMsg == "" {
				failMsg = err.Error()
			}
		}
		if !e.ModTime.IsZero() {
			if err := os.Chtimes(target, e.ModTime, e.ModTime); err != nil && failMsg == "" {
				failMsg = err.Error()
			}
		}
		if preserve {
			restoreOwnership(cache, target, e, logger)
			restoreXattrs(target, e, logger)
		}
	}

	msgs := collective.AllGather(g, rank, failMsg)
	if anyNonEmpty(msgs) {
		return xerrors.Errorf("extract: post-process directories: %s", strings.Join(nonEmpty(msgs), "; "))
	}
	return nil
}
