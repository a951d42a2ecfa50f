// Command ptarctl drives the create and extract engines from a local
// directory tree, in a single process with the requested number of
// ranks run as goroutines over an in-memory collective.Group. Flag
// parsing here is deliberately minimal: a real distributed front end
// (MPI launch, cluster-wide FileList enumeration) is an out-of-scope
// external collaborator, the same division cmd/distri/pack.go draws
// between its own thin flag handling and internal/build's engine.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/distr1/ptar"
	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/create"
	"github.com/distr1/ptar/extract"
	"github.com/distr1/ptar/flist"
)

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func funcmain() error {
	verbs := map[string]func([]string) error{
		"create":  cmdCreate,
		"extract": cmdExtract,
	}

	args := os.Args[1:]
	if len(args) == 0 {
		return fmt.Errorf("syntax: ptarctl <create|extract> [options]")
	}
	verb, rest := args[0], args[1:]
	v, ok := verbs[verb]
	if !ok {
		return fmt.Errorf("unknown command %q; syntax: ptarctl <create|extract> [options]", verb)
	}
	return v(rest)
}

func cmdCreate(args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	var (
		src       = fset.String("source", ".", "source directory to archive")
		dest      = fset.String("archive", "out.tar", "destination archive path")
		ranks     = fset.Int("ranks", 1, "number of ranks to simulate")
		chunk     = fset.Int64("chunk-size", ptar.DefaultChunkSize, "data chunk size in bytes")
		workSteal = fset.Bool("work-stealing", false, "use the work-stealing create backend instead of static-chunk")
		preserve  = fset.Bool("preserve", false, "preserve extended attributes and ACLs in headers")
		dryRun    = fset.Bool("dry-run", false, "compute the layout plan and report size without writing")
	)
	if err := fset.Parse(args); err != nil {
		return err
	}

	entries, err := walkTree(*src)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", *src, err)
	}

	opts := ptar.Options{
		DestPath:        *dest,
		ChunkSize:       *chunk,
		CreateLibCircle: *workSteal,
		Preserve:        *preserve,
		DryRun:          *dryRun,
	}.WithDefaults().ApplyEnv()

	list := flist.NewInMemory(entries, *ranks)
	g := collective.NewGroup(*ranks)
	logger := log.New(os.Stderr, "ptarctl: ", 0)
	return create.Create(g, list, opts, logger, nil)
}

func cmdExtract(args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		archivePath = fset.String("archive", "out.tar", "archive path to extract")
		dest        = fset.String("dest", ".", "destination directory")
		ranks       = fset.Int("ranks", 1, "number of ranks to simulate")
		chunk       = fset.Int64("chunk-size", ptar.DefaultChunkSize, "data chunk size in bytes")
		libArchive  = fset.Bool("library-backed", false, "use the library-backed extract path instead of direct-positional")
		preserve    = fset.Bool("preserve", false, "restore extended attributes and ACLs from headers")
	)
	if err := fset.Parse(args); err != nil {
		return err
	}

	opts := ptar.Options{
		ChunkSize:         *chunk,
		ExtractLibArchive: *libArchive,
		Preserve:          *preserve,
	}.WithDefaults().ApplyEnv()

	g := collective.NewGroup(*ranks)
	logger := log.New(os.Stderr, "ptarctl: ", 0)
	return extract.Extract(g, *archivePath, *dest, opts, logger, nil)
}

// walkTree builds an in-memory flist.Entry slice from a local directory
// tree, standing in for a cluster-wide distributed enumeration
// subsystem.
func walkTree(root string) ([]flist.Entry, error) {
	var entries []flist.Entry
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, flist.Entry{
				Path: path, RelPath: rel, Kind: flist.Symlink,
				Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime(), LinkTarget: target,
			})
		case info.IsDir():
			entries = append(entries, flist.Entry{
				Path: path, RelPath: rel, Kind: flist.Directory,
				Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime(),
			})
		case info.Mode().IsRegular():
			entries = append(entries, flist.Entry{
				Path: path, RelPath: rel, Kind: flist.Regular,
				Size: info.Size(), Mode: uint32(info.Mode().Perm()), ModTime: info.ModTime(),
			})
		default:
			entries = append(entries, flist.Entry{Path: path, RelPath: rel, Kind: flist.Other})
		}
		return nil
	})
	return entries, err
}
