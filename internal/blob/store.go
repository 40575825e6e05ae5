// Package blob implements content-addressed blob storage with atomic write
// semantics. Input streams are hashed while being written to a staging
// file; on completion the file is promoted into its final
// content-addressed path only if that path is not already occupied, so
// identical content is stored exactly once.
//
// The store touches only the filesystem. Reference counting lives in the
// metadata store; callers coordinate the two.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Algorithm is the content hash algorithm, reflected in the blob tree path.
const Algorithm = "sha256"

// Store is a content-addressed blob store rooted at a knowledge base root.
type Store struct {
	root    string // kb root; blobs live under root/blobs/sha256/aa/bb/<hash>
	staging string
}

// NewStore creates a store writing blobs under kbRoot and staging files
// under stagingDir.
func NewStore(kbRoot, stagingDir string) *Store {
	return &Store{root: kbRoot, staging: stagingDir}
}

// RelPath returns the blob path for hash, relative to the kb root.
// Two leading hex pairs fan the tree out into nested directories.
func RelPath(contentHash string) string {
	return filepath.Join("blobs", Algorithm, contentHash[:2], contentHash[2:4], contentHash)
}

// AbsPath returns the absolute path for hash.
func (s *Store) AbsPath(contentHash string) string {
	return filepath.Join(s.root, RelPath(contentHash))
}

// Exists reports whether a blob with the given hash is stored.
func (s *Store) Exists(contentHash string) bool {
	if len(contentHash) < 4 {
		return false
	}
	_, err := os.Stat(s.AbsPath(contentHash))
	return err == nil
}

// Remove deletes the backing file for hash. Missing files are not an error;
// refcount bookkeeping may race a crash and the row is authoritative.
func (s *Store) Remove(contentHash string) error {
	if len(contentHash) < 4 {
		return fmt.Errorf("invalid content hash %q", contentHash)
	}
	if err := os.Remove(s.AbsPath(contentHash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %s: %w", contentHash, err)
	}
	return nil
}

// RemoveRel deletes the blob file at a path relative to the kb root, as
// returned by the metadata store's refcount bookkeeping.
func (s *Store) RemoveRel(relPath string) error {
	if relPath == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(s.root, relPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob file %s: %w", relPath, err)
	}
	return nil
}

// Open opens a stored blob for reading.
func (s *Store) Open(contentHash string) (io.ReadCloser, error) {
	f, err := os.Open(s.AbsPath(contentHash))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", contentHash, err)
	}
	return f, nil
}

// Writer streams bytes into a staging file while hashing them. Commit
// promotes the staged file into the blob tree; Abort discards it.
type Writer struct {
	store    *Store
	file     *os.File
	tmpPath  string
	digest   hash.Hash
	size     int64
	finished bool
}

// NewWriter creates a staging file for a new blob stream.
func (s *Store) NewWriter() (*Writer, error) {
	if err := os.MkdirAll(s.staging, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	tmpPath := filepath.Join(s.staging, uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	return &Writer{store: s, file: f, tmpPath: tmpPath, digest: sha256.New()}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	w.digest.Write(p[:n])
	w.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("write staging file: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Commit finalizes the stream. It returns the content hash and whether this
// call created the blob file (false means an identical blob already existed
// and the staged copy was discarded).
func (w *Writer) Commit() (contentHash string, created bool, err error) {
	if w.finished {
		return "", false, fmt.Errorf("blob writer already finished")
	}
	w.finished = true

	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return "", false, fmt.Errorf("close staging file: %w", err)
	}

	contentHash = hex.EncodeToString(w.digest.Sum(nil))
	finalPath := w.store.AbsPath(contentHash)

	if _, statErr := os.Stat(finalPath); statErr == nil {
		// Dedup: identical content already stored.
		_ = os.Remove(w.tmpPath)
		return contentHash, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		_ = os.Remove(w.tmpPath)
		return "", false, fmt.Errorf("create blob dir: %w", err)
	}
	if err := os.Rename(w.tmpPath, finalPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return "", false, fmt.Errorf("promote blob: %w", err)
	}
	return contentHash, true, nil
}

// Abort discards the staged file. Safe after Commit or repeated calls.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	_ = w.file.Close()
	_ = os.Remove(w.tmpPath)
}

// Write streams r into the store in one call.
func (s *Store) Write(r io.Reader) (contentHash string, size int64, created bool, err error) {
	w, err := s.NewWriter()
	if err != nil {
		return "", 0, false, err
	}
	if _, err := io.Copy(w, r); err != nil {
		w.Abort()
		return "", 0, false, err
	}
	size = w.Size()
	contentHash, created, err = w.Commit()
	return contentHash, size, created, err
}
