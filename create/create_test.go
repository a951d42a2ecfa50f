package create

import (
	"archive/tar"
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/distr1/ptar"
	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
)

func writeSourceTree(t *testing.T, dir string, sizes map[string]int64) []flist.Entry {
	t.Helper()
	var entries []flist.Entry
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		data := bytes.Repeat([]byte{'x'}, int(size))
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		entries = append(entries, flist.Entry{
			Path: path, RelPath: name, Kind: flist.Regular, Size: size, Mode: 0644,
		})
	}
	return entries
}

func readBackArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	out := map[string][]byte{}
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read %s body: %v", h.Name, err)
		}
		out[h.Name] = data
	}
	return out
}

func runCreate(t *testing.T, ranks int, entries []flist.Entry, opts ptar.Options) {
	t.Helper()
	list := flist.NewInMemory(entries, ranks)
	g := collective.NewGroup(ranks)
	logger := log.New(io.Discard, "", 0)
	if err := Create(g, list, opts, logger, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestCreateStaticChunkRoundTrip(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	entries := writeSourceTree(t, src, map[string]int64{
		"a.txt": 3,
		"b.bin": 1 << 20 * 3 / 2, // 1.5 chunks worth
		"c.txt": 0,
	})
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	runCreate(t, 3, entries, ptar.Options{DestPath: archivePath, ChunkSize: 1 << 20})

	got := readBackArchive(t, archivePath)
	if len(got) != 3 {
		t.Fatalf("got %d regular entries, want 3", len(got))
	}
	for name, data := range got {
		want := bytes.Repeat([]byte{'x'}, len(data))
		if !bytes.Equal(data, want) {
			t.Errorf("entry %s: content mismatch", name)
		}
	}
}

func TestCreateWorkStealingMatchesStaticChunk(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	entries := writeSourceTree(t, src, map[string]int64{
		"f1": 10,
		"f2": 1 << 20,
		"f3": 1<<20 + 7,
		"f4": 5 << 20,
	})

	dir := t.TempDir()
	staticPath := filepath.Join(dir, "static.tar")
	stealingPath := filepath.Join(dir, "stealing.tar")

	runCreate(t, 4, entries, ptar.Options{DestPath: staticPath, ChunkSize: 1 << 18, CreateLibCircle: false})
	runCreate(t, 4, entries, ptar.Options{DestPath: stealingPath, ChunkSize: 1 << 18, CreateLibCircle: true})

	staticBytes, err := os.ReadFile(staticPath)
	if err != nil {
		t.Fatalf("read static archive: %v", err)
	}
	stealingBytes, err := os.ReadFile(stealingPath)
	if err != nil {
		t.Fatalf("read stealing archive: %v", err)
	}
	if !bytes.Equal(staticBytes, stealingBytes) {
		t.Fatalf("backends produced different archives: %d vs %d bytes", len(staticBytes), len(stealingBytes))
	}
}

func TestCreateEmptyFileListIsTerminatorOnly(t *testing.T) {
	t.Parallel()
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	runCreate(t, 2, nil, ptar.Options{DestPath: archivePath})

	data, err := os.ReadFile(archivePath)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(data) != 1024 {
		t.Fatalf("archive is %d bytes, want exactly the 1024-byte terminator", len(data))
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("terminator byte %d is %#x, want zero", i, b)
		}
	}
	fi, err := os.Stat(archivePath + ".idx")
	if err != nil {
		t.Fatalf("stat sidecar index: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("sidecar index is %d bytes, want 0 for an empty list", fi.Size())
	}
}

func TestCreateExactBlockFileHasNoPadding(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	entries := writeSourceTree(t, src, map[string]int64{"exact.bin": 512})
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	runCreate(t, 1, entries, ptar.Options{DestPath: archivePath})

	hdrSize, err := headerenc.New().EstimateHeaderSize(entries[0], headerenc.Options{})
	if err != nil {
		t.Fatalf("EstimateHeaderSize: %v", err)
	}
	fi, err := os.Stat(archivePath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if want := hdrSize + 512 + 1024; fi.Size() != want {
		t.Fatalf("archive is %d bytes, want %d (header + unpadded 512-byte data + terminator)", fi.Size(), want)
	}
}

func TestCreateFailsOnShrunkenSource(t *testing.T) {
	t.Parallel()
	for _, backend := range []struct {
		name      string
		libCircle bool
	}{
		{"static-chunk", false},
		{"work-stealing", true},
	} {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			t.Parallel()
			src := t.TempDir()
			path := filepath.Join(src, "shrunk.bin")
			if err := os.WriteFile(path, []byte("only 100 bytes of the promised 2048 are really here"), 0644); err != nil {
				t.Fatal(err)
			}
			// Size recorded at enumeration time, before the file shrank.
			entries := []flist.Entry{{Path: path, RelPath: "shrunk.bin", Kind: flist.Regular, Size: 2048, Mode: 0644}}

			list := flist.NewInMemory(entries, 2)
			g := collective.NewGroup(2)
			logger := log.New(io.Discard, "", 0)
			opts := ptar.Options{DestPath: filepath.Join(t.TempDir(), "out.tar"), CreateLibCircle: backend.libCircle}
			if err := Create(g, list, opts, logger, nil); err == nil {
				t.Fatal("expected short-read failure to fail the whole operation")
			}
		})
	}
}

func TestCreateDryRunWritesNothing(t *testing.T) {
	t.Parallel()
	src := t.TempDir()
	entries := writeSourceTree(t, src, map[string]int64{"a.txt": 100})
	archivePath := filepath.Join(t.TempDir(), "out.tar")

	runCreate(t, 2, entries, ptar.Options{DestPath: archivePath, DryRun: true})

	if _, err := os.Stat(archivePath); !os.IsNotExist(err) {
		t.Fatalf("expected no archive file after dry run, stat err = %v", err)
	}
}

func TestCreateSkipsUnsupportedKind(t *testing.T) {
	t.Parallel()
	archivePath := filepath.Join(t.TempDir(), "out.tar")
	entries := []flist.Entry{
		{RelPath: "dir", Kind: flist.Directory, Mode: 0755},
		{RelPath: "weird", Kind: flist.Other},
	}
	runCreate(t, 1, entries, ptar.Options{DestPath: archivePath})

	f, err := os.Open(archivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	var names []string
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		names = append(names, h.Name)
	}
	sort.Strings(names)
	if len(names) != 1 || names[0] != "dir/" {
		t.Fatalf("got entries %v, want only the directory", names)
	}
}
