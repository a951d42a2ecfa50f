package layout

import (
	"sync"
	"testing"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/flist"
	"github.com/distr1/ptar/headerenc"
)

func scenario1Entries() []flist.Entry {
	return []flist.Entry{
		{RelPath: "dir", Kind: flist.Directory, Mode: 0755},
		{RelPath: "dir/a", Kind: flist.Regular, Size: 3, Mode: 0644},
		{RelPath: "dir/b", Kind: flist.Regular, Size: 513, Mode: 0644},
	}
}

func TestPlanSingleRank(t *testing.T) {
	list := flist.NewInMemory(scenario1Entries(), 1)
	g := collective.NewGroup(1)
	result, err := Plan(list, 0, g, headerenc.New(), headerenc.Options{}, 0, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	recs := result.Records
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}

	// dir/a: 3 bytes -> padded to 512 (509 zero bytes of padding)
	if recs[1].PaddedDataSize != 512 {
		t.Errorf("dir/a padded data size = %d, want 512", recs[1].PaddedDataSize)
	}
	// dir/b: 513 bytes -> padded to 1024 (511 zero bytes of padding)
	if recs[2].PaddedDataSize != 1024 {
		t.Errorf("dir/b padded data size = %d, want 1024", recs[2].PaddedDataSize)
	}

	// offset monotonicity and 512-alignment
	for i, r := range recs {
		if r.GlobalOffset%512 != 0 {
			t.Errorf("record %d offset %d not 512-aligned", i, r.GlobalOffset)
		}
		if i > 0 {
			want := recs[i-1].GlobalOffset + recs[i-1].EntrySize
			if r.GlobalOffset != want {
				t.Errorf("record %d offset = %d, want %d", i, r.GlobalOffset, want)
			}
		}
	}

	wantBody := recs[0].EntrySize + recs[1].EntrySize + recs[2].EntrySize
	if result.ArchiveBodySize != wantBody {
		t.Errorf("ArchiveBodySize = %d, want %d", result.ArchiveBodySize, wantBody)
	}
	if result.ArchiveTotalSize != wantBody+1024 {
		t.Errorf("ArchiveTotalSize = %d, want %d", result.ArchiveTotalSize, wantBody+1024)
	}
}

func TestPlanMultiRankOffsetsMonotone(t *testing.T) {
	var entries []flist.Entry
	for i := 0; i < 20; i++ {
		entries = append(entries, flist.Entry{
			RelPath: string(rune('a' + i)),
			Kind:    flist.Regular,
			Size:    int64(i * 100),
			Mode:    0644,
		})
	}
	const ranks = 4
	list := flist.NewInMemory(entries, ranks)
	g := collective.NewGroup(ranks)

	results := make([]Result, ranks)
	var wg sync.WaitGroup
	wg.Add(ranks)
	for r := 0; r < ranks; r++ {
		r := r
		go func() {
			defer wg.Done()
			res, err := Plan(list, r, g, headerenc.New(), headerenc.Options{}, 0, nil)
			if err != nil {
				t.Errorf("rank %d: Plan: %v", r, err)
				return
			}
			results[r] = res
		}()
	}
	wg.Wait()

	// Flatten in rank order and check global monotonicity + 512 alignment.
	var all []Record
	for r := 0; r < ranks; r++ {
		all = append(all, results[r].Records...)
	}
	for i, rec := range all {
		if rec.GlobalOffset%512 != 0 {
			t.Errorf("record %d offset %d not 512-aligned", i, rec.GlobalOffset)
		}
		if i > 0 {
			want := all[i-1].GlobalOffset + all[i-1].EntrySize
			if rec.GlobalOffset != want {
				t.Errorf("record %d offset = %d, want %d", i, rec.GlobalOffset, want)
			}
		}
	}
	for r := 1; r < ranks; r++ {
		if results[r].ArchiveBodySize != results[0].ArchiveBodySize {
			t.Errorf("rank %d ArchiveBodySize = %d, want %d matching rank 0", r, results[r].ArchiveBodySize, results[0].ArchiveBodySize)
		}
	}
}

func TestPlanEmptyFileList(t *testing.T) {
	list := flist.NewInMemory(nil, 1)
	g := collective.NewGroup(1)
	result, err := Plan(list, 0, g, headerenc.New(), headerenc.Options{}, 0, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(result.Records) != 0 {
		t.Fatalf("got %d records, want 0", len(result.Records))
	}
	if result.ArchiveTotalSize != 1024 {
		t.Errorf("ArchiveTotalSize = %d, want 1024", result.ArchiveTotalSize)
	}
}

func TestPlanZeroByteFile(t *testing.T) {
	list := flist.NewInMemory([]flist.Entry{{RelPath: "empty", Kind: flist.Regular, Size: 0}}, 1)
	g := collective.NewGroup(1)
	result, err := Plan(list, 0, g, headerenc.New(), headerenc.Options{}, 0, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if result.Records[0].PaddedDataSize != 0 {
		t.Errorf("PaddedDataSize = %d, want 0", result.Records[0].PaddedDataSize)
	}
}

func TestPlanHeaderCaching(t *testing.T) {
	list := flist.NewInMemory(scenario1Entries(), 1)
	g := collective.NewGroup(1)
	result, err := Plan(list, 0, g, headerenc.New(), headerenc.Options{Preserve: true}, 1<<20, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for i, r := range result.Records {
		if len(r.EncodedHeader) == 0 {
			t.Errorf("record %d has no cached header", i)
		}
		if int64(len(r.EncodedHeader)) != r.HeaderSize {
			t.Errorf("record %d cached header len %d != HeaderSize %d", i, len(r.EncodedHeader), r.HeaderSize)
		}
	}
}

func TestPlanSkipsUnsupportedKind(t *testing.T) {
	list := flist.NewInMemory([]flist.Entry{{RelPath: "weird", Kind: flist.Other}}, 1)
	g := collective.NewGroup(1)
	result, err := Plan(list, 0, g, headerenc.New(), headerenc.Options{}, 0, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !result.Records[0].Skipped || result.Records[0].EntrySize != 0 {
		t.Errorf("expected skipped zero-size record, got %+v", result.Records[0])
	}
}
