// Package pipeline implements the StreamPipeline: Content-Type-keyed
// dispatch to a decoder process chain (AES/gzip/tar), feeding a direct-
// write upload to disk outside the resumable-chunk protocol.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/fileport/filegate/internal/hook"
)

// PrepareRequest describes one incoming streaming upload.
type PrepareRequest struct {
	ContentType  string
	DestDir      string
	Filename     string
	AesKeyHeader string // base64, PGP-encrypted
	AesIvHeader  string // base64, plaintext
}

// FinalizeResult reports the outcome of a completed streaming upload.
type FinalizeResult struct {
	FinalPath string
	Bytes     int64
}

// Pipeline builds and runs decoder chains for streaming uploads.
type Pipeline struct {
	Keyring *Keyring
	Hook    *hook.Invoker
}

// Session is one in-flight streaming upload: a decoder chain plumbed from
// the request body through to its destination, written via a
// "<path>.<uuid>.part" work file (or, for archive content types, directly
// into DestDir by the terminal tar process).
type Session struct {
	pipeline  *Pipeline
	destDir   string
	filename  string
	partPath  string // empty for archive uploads
	isArchive bool
	chain     *runningChain
	partFile  *os.File
	written   int64
}

// Prepare resolves the decoder chain for req.ContentType, decrypts any AES
// key material, and starts the subprocess chain.
func (p *Pipeline) Prepare(ctx context.Context, req PrepareRequest) (*Session, error) {
	var key, iv []byte
	var err error
	if req.AesKeyHeader != "" {
		if p.Keyring == nil {
			return nil, fmt.Errorf("pipeline: Aes-Key header present but no keyring configured")
		}
		key, err = p.Keyring.DecryptAESKeyHeader(req.AesKeyHeader)
		if err != nil {
			return nil, err
		}
	}
	if req.AesIvHeader != "" {
		iv, err = DecodeAESIVHeader(req.AesIvHeader)
		if err != nil {
			return nil, err
		}
	}

	cmds, kind, err := decodersFor(req.ContentType, key, iv, req.DestDir)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		pipeline:  p,
		destDir:   req.DestDir,
		filename:  req.Filename,
		isArchive: kind == stageArchive,
	}

	if len(cmds) == 0 {
		// identity: write directly to the work file, no subprocess.
		partPath := filepath.Join(req.DestDir, fmt.Sprintf("%s.%s.part", req.Filename, uuid.NewString()))
		f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return nil, fmt.Errorf("pipeline: create work file: %w", err)
		}
		sess.partPath = partPath
		sess.partFile = f
		return sess, nil
	}

	if kind == stageArchive {
		if err := os.MkdirAll(req.DestDir, 0o750); err != nil {
			return nil, fmt.Errorf("pipeline: mkdir dest dir: %w", err)
		}
		rc, err := start(cmds, nil)
		if err != nil {
			return nil, err
		}
		sess.chain = rc
		return sess, nil
	}

	partPath := filepath.Join(req.DestDir, fmt.Sprintf("%s.%s.part", req.Filename, uuid.NewString()))
	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create work file: %w", err)
	}
	rc, err := start(cmds, f)
	if err != nil {
		f.Close()
		os.Remove(partPath)
		return nil, err
	}
	sess.partPath = partPath
	sess.partFile = f
	sess.chain = rc
	return sess, nil
}

// DataReceived writes one chunk of the request body into the session.
func (s *Session) DataReceived(chunk []byte) error {
	s.written += int64(len(chunk))
	var w io.Writer
	if s.chain != nil {
		w = s.chain.stdin
	} else {
		w = s.partFile
	}
	_, err := w.Write(chunk)
	if err != nil {
		return fmt.Errorf("pipeline: write chunk: %w", err)
	}
	return nil
}

// drainChain closes the chain's stdin (or the work file), waits for every
// decoder stage to exit, and closes the work file. It is shared by
// Finalize and FinalizeChunk; callers run cleanup on error.
func (s *Session) drainChain() error {
	if s.chain != nil {
		s.chain.stdin.Close()
		if err := s.chain.wait(); err != nil {
			return err
		}
	}
	if s.partFile != nil {
		if err := s.partFile.Close(); err != nil {
			return fmt.Errorf("pipeline: close work file: %w", err)
		}
	}
	return nil
}

// Finalize drains the decoder chain, renames the work file into place
// (for non-archive content types), and fires the post-upload request
// hook. It always attempts cleanup of the chain/work file even on error.
func (s *Session) Finalize(ctx context.Context, hookCommand, user, apiUser, group string) (FinalizeResult, error) {
	if err := s.drainChain(); err != nil {
		s.cleanup()
		return FinalizeResult{}, err
	}

	result := FinalizeResult{Bytes: s.written}

	if s.isArchive {
		result.FinalPath = s.destDir
	} else {
		finalPath := filepath.Join(s.destDir, s.filename)
		if err := os.Rename(s.partPath, finalPath); err != nil {
			s.cleanup()
			return FinalizeResult{}, fmt.Errorf("pipeline: finalize rename: %w", err)
		}
		result.FinalPath = finalPath
	}

	if hookCommand != "" && s.pipeline.Hook != nil {
		s.pipeline.Hook.Invoke(ctx, hookCommand, result.FinalPath, user, apiUser, group)
	}
	return result, nil
}

// FinalizeChunk drains the decoder chain like Finalize, but leaves the
// decoded bytes at their work-file path instead of renaming them into
// place: a resumable chunk's decoded payload still needs to pass through
// ChunkEngine.AppendMerge before it belongs anywhere near a canonical
// name. Archive content types are rejected for chunked uploads, since the
// ChunkEngine's merged-file model has no notion of a tar extraction
// target.
func (s *Session) FinalizeChunk() (path string, size int64, err error) {
	if s.isArchive {
		s.cleanup()
		return "", 0, fmt.Errorf("pipeline: archive content types are not supported for chunked uploads")
	}
	if err := s.drainChain(); err != nil {
		s.cleanup()
		return "", 0, err
	}
	return s.partPath, s.written, nil
}

// DiscardPart removes the session's work file; callers use this once a
// FinalizeChunk'd file's bytes have been consumed by the ChunkEngine.
func (s *Session) DiscardPart() {
	if s.partPath != "" {
		os.Remove(s.partPath)
	}
}

// OnConnectionClose aborts an in-flight session: it closes the decoder
// chain's stdin (if any) and removes the partial work file so a retry
// starts clean. The decoder processes are neither killed nor waited for.
func (s *Session) OnConnectionClose() {
	s.cleanup()
}

func (s *Session) cleanup() {
	if s.chain != nil {
		s.chain.stdin.Close()
	}
	if s.partFile != nil {
		s.partFile.Close()
	}
	if s.partPath != "" {
		os.Remove(s.partPath)
	}
}
