// Package resumable implements the ResumableStore persistent index and the
// ChunkEngine sequential chunk-upload protocol, including torn-merge
// detection and repair.
package resumable

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	upload_id  TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	grp        TEXT NOT NULL,
	filename   TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	upload_id  TEXT NOT NULL REFERENCES uploads(upload_id) ON DELETE CASCADE,
	chunk_num  INTEGER NOT NULL,
	chunk_size INTEGER NOT NULL,
	PRIMARY KEY (upload_id, chunk_num)
);
`

// UploadRecord is a ResumableStore row for one in-flight resumable upload.
type UploadRecord struct {
	UploadID  string
	Owner     string
	Group     string
	Filename  string
	CreatedAt time.Time
}

// ChunkRecord is one recorded chunk of an upload.
type ChunkRecord struct {
	ChunkNum  int
	ChunkSize int64
}

// Store is the per-user embedded index of in-flight resumable uploads,
// backed by one SQLite file per user under the tenant's import directory.
type Store struct {
	db *sql.DB
}

// OpenForUser opens (creating if absent) the resumable index database for
// a single user under dir, named ".resumables-<user>.db" per the on-disk
// format this service exposes to operators.
func OpenForUser(dir, user string) (*Store, error) {
	path := filepath.Join(dir, ".resumables-"+user+".db")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("resumable: mkdir %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("resumable: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("resumable: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("resumable: init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// InsertNew registers a brand-new resumable upload.
func (s *Store) InsertNew(ctx context.Context, rec UploadRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (upload_id, owner, grp, filename, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.UploadID, rec.Owner, rec.Group, rec.Filename, rec.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("resumable: insert upload %s: %w", rec.UploadID, err)
	}
	return nil
}

// RemoveCompleted deletes an upload's bookkeeping once it has been
// finalized, cascading to its chunk rows.
func (s *Store) RemoveCompleted(ctx context.Context, uploadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE upload_id = ?`, uploadID)
	if err != nil {
		return fmt.Errorf("resumable: remove upload %s: %w", uploadID, err)
	}
	return nil
}

// BelongsToUser reports whether uploadID is owned by user.
func (s *Store) BelongsToUser(ctx context.Context, uploadID, user string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner FROM uploads WHERE upload_id = ?`, uploadID).Scan(&owner)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resumable: lookup owner for %s: %w", uploadID, err)
	}
	return owner == user, nil
}

// UpdateWithChunk records a newly merged chunk's size for uploadID.
func (s *Store) UpdateWithChunk(ctx context.Context, uploadID string, chunkNum int, size int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (upload_id, chunk_num, chunk_size) VALUES (?, ?, ?)
		 ON CONFLICT(upload_id, chunk_num) DO UPDATE SET chunk_size = excluded.chunk_size`,
		uploadID, chunkNum, size,
	)
	if err != nil {
		return fmt.Errorf("resumable: record chunk %d for %s: %w", chunkNum, uploadID, err)
	}
	return nil
}

// PopChunk drops one recorded chunk row for uploadID; it only removes
// bookkeeping and never touches the chunk file.
func (s *Store) PopChunk(ctx context.Context, uploadID string, chunkNum int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE upload_id = ? AND chunk_num = ?`, uploadID, chunkNum)
	if err != nil {
		return fmt.Errorf("resumable: pop chunk %d for %s: %w", chunkNum, uploadID, err)
	}
	return nil
}

// LastChunk returns the highest chunk number recorded for uploadID, or 0
// if none has been recorded yet.
func (s *Store) LastChunk(ctx context.Context, uploadID string) (int, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(chunk_num) FROM chunks WHERE upload_id = ?`, uploadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("resumable: last chunk for %s: %w", uploadID, err)
	}
	if !n.Valid {
		return 0, nil
	}
	return int(n.Int64), nil
}

// ChunkByNum returns the recorded size of a specific chunk.
func (s *Store) ChunkByNum(ctx context.Context, uploadID string, chunkNum int) (ChunkRecord, error) {
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT chunk_size FROM chunks WHERE upload_id = ? AND chunk_num = ?`, uploadID, chunkNum,
	).Scan(&size)
	if err != nil {
		return ChunkRecord{}, fmt.Errorf("resumable: chunk %d for %s: %w", chunkNum, uploadID, err)
	}
	return ChunkRecord{ChunkNum: chunkNum, ChunkSize: size}, nil
}

// TotalSize sums the recorded chunk sizes for uploadID.
func (s *Store) TotalSize(ctx context.Context, uploadID string) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(chunk_size) FROM chunks WHERE upload_id = ?`, uploadID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("resumable: total size for %s: %w", uploadID, err)
	}
	return total.Int64, nil
}

// AllForUser lists every in-flight upload ID owned by user.
func (s *Store) AllForUser(ctx context.Context, user string) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT upload_id, owner, grp, filename, created_at FROM uploads WHERE owner = ?`, user,
	)
	if err != nil {
		return nil, fmt.Errorf("resumable: list for %s: %w", user, err)
	}
	defer rows.Close()

	var out []UploadRecord
	for rows.Next() {
		var rec UploadRecord
		var createdAt int64
		if err := rows.Scan(&rec.UploadID, &rec.Owner, &rec.Group, &rec.Filename, &createdAt); err != nil {
			return nil, fmt.Errorf("resumable: scan row: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Group returns the recorded group for an upload.
func (s *Store) Group(ctx context.Context, uploadID string) (string, error) {
	var grp string
	err := s.db.QueryRowContext(ctx, `SELECT grp FROM uploads WHERE upload_id = ?`, uploadID).Scan(&grp)
	if err != nil {
		return "", fmt.Errorf("resumable: group for %s: %w", uploadID, err)
	}
	return grp, nil
}
