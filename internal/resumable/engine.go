package resumable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// retentionWindow is how many trailing chunk files are kept on disk for
// crash recovery; once chunk n >= retentionWindow+1 lands, chunk
// n-retentionWindow is deleted.
const retentionWindow = 4

// ErrChunkOutOfOrder is returned when a chunk does not follow the last
// recorded chunk number.
var ErrChunkOutOfOrder = errors.New("resumable: chunk_order_incorrect")

// ErrChunkDuplicate is returned when a chunk number has already been
// merged for this upload.
var ErrChunkDuplicate = errors.New("resumable: chunk already received")

// ChunkResult reports the outcome of a successful AppendMerge.
type ChunkResult struct {
	ChunkNum   int
	MergedSize int64
	Done       bool // true once the chunk completes the declared total
}

// RepairReport describes the outcome of a torn-merge repair attempt.
type RepairReport struct {
	WasTorn    bool
	Repaired   bool
	Recommend  string // "" | "end" (ask the client to terminate the upload)
	MergedSize int64
	TotalSize  int64
}

// Engine implements the ChunkEngine: sequential order enforcement,
// atomic append-merge, torn-merge detection/repair, and filename-based
// discovery, against a Store for bookkeeping.
type Engine struct {
	Store *Store
}

func chunkDir(dir, uploadID string) string    { return filepath.Join(dir, uploadID) }
func chunkPath(dir, uploadID, filename string, n int) string {
	return filepath.Join(chunkDir(dir, uploadID), fmt.Sprintf("%s.chunk.%d", filename, n))
}
func mergedPath(dir, filename, uploadID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s", filename, uploadID))
}
func lockPath(dir, filename, uploadID string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.lock", filename, uploadID))
}
func finalPath(dir, filename string) string { return filepath.Join(dir, filename) }

// AppendMerge enforces sequential order, writes the chunk file, appends
// it into the merged file under the lock sentinel, updates the store, and
// prunes old chunk files outside the retention window. totalSize is the
// client-declared final size (0 if unknown ahead of time); it is used only
// to report Done.
func (e *Engine) AppendMerge(ctx context.Context, dir, filename, uploadID string, chunkNum int, body io.Reader, totalSize int64) (ChunkResult, error) {
	last, err := e.Store.LastChunk(ctx, uploadID)
	if err != nil {
		return ChunkResult{}, err
	}
	if chunkNum <= last {
		return ChunkResult{}, ErrChunkDuplicate
	}
	if chunkNum != last+1 {
		return ChunkResult{}, ErrChunkOutOfOrder
	}

	if err := os.MkdirAll(chunkDir(dir, uploadID), 0o750); err != nil {
		return ChunkResult{}, fmt.Errorf("resumable: mkdir chunk dir: %w", err)
	}
	cpath := chunkPath(dir, uploadID, filename, chunkNum)
	size, err := writeChunkFile(cpath, body)
	if err != nil {
		return ChunkResult{}, err
	}

	mpath := mergedPath(dir, filename, uploadID)
	lpath := lockPath(dir, filename, uploadID)
	lock, err := acquireMergeLock(mpath, lpath)
	if err != nil {
		return ChunkResult{}, err
	}
	defer lock.release()

	sizeBefore, err := fileSize(mpath)
	if err != nil {
		return ChunkResult{}, err
	}
	rollback := func() {
		_ = os.Truncate(mpath, sizeBefore)
		_ = os.Remove(cpath)
	}

	if err := appendFile(mpath, cpath); err != nil {
		rollback()
		return ChunkResult{}, err
	}

	if err := e.Store.UpdateWithChunk(ctx, uploadID, chunkNum, size); err != nil {
		rollback()
		return ChunkResult{}, err
	}

	if chunkNum-retentionWindow >= 1 {
		old := chunkPath(dir, uploadID, filename, chunkNum-retentionWindow)
		_ = os.Remove(old)
	}

	merged, err := fileSize(mpath)
	if err != nil {
		return ChunkResult{}, err
	}

	return ChunkResult{
		ChunkNum:   chunkNum,
		MergedSize: merged,
		Done:       totalSize > 0 && merged == totalSize,
	}, nil
}

func writeChunkFile(path string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("resumable: create chunk file %s: %w", path, err)
	}
	defer f.Close()
	n, err := io.Copy(f, body)
	if err != nil {
		return 0, fmt.Errorf("resumable: write chunk file %s: %w", path, err)
	}
	return n, nil
}

func appendFile(mergedPath, chunkPath string) error {
	dst, err := os.OpenFile(mergedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("resumable: open merged file %s: %w", mergedPath, err)
	}
	defer dst.Close()

	src, err := os.Open(chunkPath)
	if err != nil {
		return fmt.Errorf("resumable: open chunk file %s: %w", chunkPath, err)
	}
	defer src.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("resumable: append %s to %s: %w", chunkPath, mergedPath, err)
	}
	return dst.Sync()
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("resumable: stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// Finalize renames the merged file to its final name, removes the
// upload's chunk directory (a failure there is ignored), and drops the
// upload's bookkeeping. It does not compare the merged size against any
// client-declared total.
func (e *Engine) Finalize(ctx context.Context, dir, filename, uploadID string) error {
	mpath := mergedPath(dir, filename, uploadID)
	fpath := finalPath(dir, filename)
	if err := os.Rename(mpath, fpath); err != nil {
		return fmt.Errorf("resumable: finalize rename %s -> %s: %w", mpath, fpath, err)
	}
	_ = os.RemoveAll(chunkDir(dir, uploadID))
	return e.Store.RemoveCompleted(ctx, uploadID)
}

// RepairIfTorn compares the merged file's on-disk size against the sum of
// recorded chunk sizes. If they match, the merge is healthy. If the
// merged file is short by no more than the size of the last recorded
// chunk, it repairs by truncating to the pre-last-chunk boundary and
// re-appending the last chunk from its retained file. Any larger
// discrepancy is unrecoverable from chunk files alone and the caller
// should recommend the client end the upload.
func (e *Engine) RepairIfTorn(ctx context.Context, dir, filename, uploadID string) (RepairReport, error) {
	mpath := mergedPath(dir, filename, uploadID)
	merged, err := fileSize(mpath)
	if err != nil {
		return RepairReport{}, err
	}
	total, err := e.Store.TotalSize(ctx, uploadID)
	if err != nil {
		return RepairReport{}, err
	}
	if merged == total {
		return RepairReport{MergedSize: merged, TotalSize: total}, nil
	}

	report := RepairReport{WasTorn: true, MergedSize: merged, TotalSize: total}

	if merged > total {
		report.Recommend = "end"
		return report, nil
	}

	last, err := e.Store.LastChunk(ctx, uploadID)
	if err != nil {
		return report, err
	}
	lastChunk, err := e.Store.ChunkByNum(ctx, uploadID, last)
	if err != nil {
		return report, err
	}

	deficit := total - merged
	if deficit > lastChunk.ChunkSize {
		report.Recommend = "end"
		return report, nil
	}

	lastChunkPath := chunkPath(dir, uploadID, filename, last)
	if _, err := os.Stat(lastChunkPath); err != nil {
		report.Recommend = "end"
		return report, nil
	}

	lock, err := acquireMergeLock(mpath, lockPath(dir, filename, uploadID))
	if err != nil {
		return report, err
	}
	defer lock.release()

	truncateTo := total - lastChunk.ChunkSize
	f, err := os.OpenFile(mpath, os.O_WRONLY, 0o640)
	if err != nil {
		return report, fmt.Errorf("resumable: reopen merged file for repair: %w", err)
	}
	if err := f.Truncate(truncateTo); err != nil {
		f.Close()
		return report, fmt.Errorf("resumable: truncate merged file for repair: %w", err)
	}
	f.Close()

	if err := appendFile(mpath, lastChunkPath); err != nil {
		return report, err
	}

	finalSize, err := fileSize(mpath)
	if err != nil {
		return report, err
	}
	report.MergedSize = finalSize
	report.Repaired = finalSize == total
	if !report.Repaired {
		report.Recommend = "end"
	}
	return report, nil
}

// resumableDirInfo is a filename-based discovery candidate.
type resumableDirInfo struct {
	uploadID string
	modTime  int64
}

// Discover finds the upload ID of an in-flight resumable for (user,
// filename): among the user's recorded uploads whose filename equals
// filename and whose chunk subdirectory exists under dir, it picks the
// one whose chunk subdirectory has the latest mtime, breaking ties
// between equal mtimes by preferring the candidate listed later.
func (e *Engine) Discover(ctx context.Context, dir, user, filename string) (string, error) {
	records, err := e.Store.AllForUser(ctx, user)
	if err != nil {
		return "", err
	}

	var candidates []resumableDirInfo
	for _, rec := range records {
		if rec.Filename != filename {
			continue
		}
		info, err := os.Stat(chunkDir(dir, rec.UploadID))
		if err != nil {
			continue
		}
		candidates = append(candidates, resumableDirInfo{uploadID: rec.UploadID, modTime: info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("resumable: no in-flight upload for %s/%s", user, filename)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].modTime == candidates[j].modTime {
			return i > j
		}
		return candidates[i].modTime > candidates[j].modTime
	})
	return candidates[0].uploadID, nil
}

// ParseChunkFilename extracts (filename, chunkNum) from a
// "<filename>.chunk.<n>" basename, used when recovering state purely from
// directory listings.
func ParseChunkFilename(base string) (filename string, chunkNum int, ok bool) {
	const marker = ".chunk."
	idx := strings.LastIndex(base, marker)
	if idx < 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(base[idx+len(marker):])
	if err != nil {
		return "", 0, false
	}
	return base[:idx], n, true
}
