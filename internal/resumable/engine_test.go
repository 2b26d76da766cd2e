package resumable

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenForUser(dir, "alice")
	if err != nil {
		t.Fatalf("OpenForUser: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Engine{Store: store}, dir
}

func TestAppendMergeSequentialOrder(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	uploadID := "upload-1"

	if err := e.Store.InsertNew(ctx, UploadRecord{
		UploadID: uploadID, Owner: "alice", Group: "p11-member-group",
		Filename: "data.bin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, 1, strings.NewReader("AAAA"), 12); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}
	if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, 3, strings.NewReader("CCCC"), 12); err != ErrChunkOutOfOrder {
		t.Fatalf("expected ErrChunkOutOfOrder, got %v", err)
	}
	if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, 1, strings.NewReader("AAAA"), 12); err != ErrChunkDuplicate {
		t.Fatalf("expected ErrChunkDuplicate, got %v", err)
	}
	res, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, 2, strings.NewReader("BBBB"), 12)
	if err != nil {
		t.Fatalf("chunk 2: %v", err)
	}
	if res.MergedSize != 8 {
		t.Fatalf("merged size = %d, want 8", res.MergedSize)
	}

	res, err = e.AppendMerge(ctx, dir, "data.bin", uploadID, 3, strings.NewReader("CCCC"), 12)
	if err != nil {
		t.Fatalf("chunk 3: %v", err)
	}
	if !res.Done {
		t.Fatalf("expected Done=true after final chunk")
	}

	merged, err := os.ReadFile(mergedPath(dir, "data.bin", uploadID))
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if string(merged) != "AAAABBBBCCCC" {
		t.Fatalf("merged content = %q", merged)
	}
}

func TestRetentionWindowPrunesOldChunks(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	uploadID := "upload-2"

	if err := e.Store.InsertNew(ctx, UploadRecord{
		UploadID: uploadID, Owner: "alice", Group: "p11-member-group",
		Filename: "data.bin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}

	for n := 1; n <= 6; n++ {
		if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, n, strings.NewReader("X"), 0); err != nil {
			t.Fatalf("chunk %d: %v", n, err)
		}
	}

	// Only the last retentionWindow (4) chunk files should survive: 3,4,5,6.
	for n := 1; n <= 2; n++ {
		if _, err := os.Stat(chunkPath(dir, uploadID, "data.bin", n)); !os.IsNotExist(err) {
			t.Fatalf("expected chunk %d to be pruned, stat err=%v", n, err)
		}
	}
	for n := 3; n <= 6; n++ {
		if _, err := os.Stat(chunkPath(dir, uploadID, "data.bin", n)); err != nil {
			t.Fatalf("expected chunk %d retained: %v", n, err)
		}
	}
}

func TestRepairIfTornRepairsShortMerge(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	uploadID := "upload-3"

	if err := e.Store.InsertNew(ctx, UploadRecord{
		UploadID: uploadID, Owner: "alice", Group: "p11-member-group",
		Filename: "data.bin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	for n, chunk := range []string{"AAAA", "BBBB", "CCCC"} {
		if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, n+1, strings.NewReader(chunk), 0); err != nil {
			t.Fatalf("chunk %d: %v", n+1, err)
		}
	}

	// Simulate a torn merge: truncate the merged file mid-last-chunk.
	mpath := mergedPath(dir, "data.bin", uploadID)
	if err := os.Truncate(mpath, 10); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	report, err := e.RepairIfTorn(ctx, dir, "data.bin", uploadID)
	if err != nil {
		t.Fatalf("RepairIfTorn: %v", err)
	}
	if !report.WasTorn || !report.Repaired {
		t.Fatalf("expected repaired torn merge, got %+v", report)
	}

	merged, err := os.ReadFile(mpath)
	if err != nil {
		t.Fatalf("read merged: %v", err)
	}
	if string(merged) != "AAAABBBBCCCC" {
		t.Fatalf("merged content after repair = %q", merged)
	}
}

func TestRepairIfTornRecommendsEndWhenUnrecoverable(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	uploadID := "upload-4"

	if err := e.Store.InsertNew(ctx, UploadRecord{
		UploadID: uploadID, Owner: "alice", Group: "p11-member-group",
		Filename: "data.bin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	for n, chunk := range []string{"AAAA", "BBBB"} {
		if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, n+1, strings.NewReader(chunk), 0); err != nil {
			t.Fatalf("chunk %d: %v", n+1, err)
		}
	}

	// Truncate away more than the last chunk's size entirely.
	if err := os.Truncate(mergedPath(dir, "data.bin", uploadID), 1); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	report, err := e.RepairIfTorn(ctx, dir, "data.bin", uploadID)
	if err != nil {
		t.Fatalf("RepairIfTorn: %v", err)
	}
	if report.Recommend != "end" {
		t.Fatalf("expected recommend=end, got %+v", report)
	}
}

func TestFinalizeRenamesAndClearsBookkeeping(t *testing.T) {
	e, dir := newTestEngine(t)
	ctx := context.Background()
	uploadID := "upload-5"

	if err := e.Store.InsertNew(ctx, UploadRecord{
		UploadID: uploadID, Owner: "alice", Group: "p11-member-group",
		Filename: "data.bin", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("InsertNew: %v", err)
	}
	if _, err := e.AppendMerge(ctx, dir, "data.bin", uploadID, 1, strings.NewReader("hello"), 5); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	if err := e.Finalize(ctx, dir, "data.bin", uploadID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "data.bin")); err != nil {
		t.Fatalf("expected final file to exist: %v", err)
	}
	owned, err := e.Store.BelongsToUser(ctx, uploadID, "alice")
	if err != nil {
		t.Fatalf("BelongsToUser: %v", err)
	}
	if owned {
		t.Fatalf("expected upload bookkeeping to be cleared after finalize")
	}
}

func TestParseChunkFilename(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantNum  int
		wantOK   bool
	}{
		{"data.bin.chunk.3", "data.bin", 3, true},
		{"archive.tar.gz.chunk.12", "archive.tar.gz", 12, true},
		{"no-marker", "", 0, false},
		{"data.bin.chunk.abc", "", 0, false},
	}
	for _, c := range cases {
		name, num, ok := ParseChunkFilename(c.in)
		if ok != c.wantOK || (ok && (name != c.wantName || num != c.wantNum)) {
			t.Errorf("ParseChunkFilename(%q) = (%q, %d, %v), want (%q, %d, %v)",
				c.in, name, num, ok, c.wantName, c.wantNum, c.wantOK)
		}
	}
}
