package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	return NewStore(root, filepath.Join(root, "staging"))
}

func TestStoreWriteAndRead(t *testing.T) {
	// Given a store and some content
	s := newTestStore(t)
	content := []byte("hello knowledge base")

	// When the content is written
	gotHash, size, created, err := s.Write(bytes.NewReader(content))
	require.NoError(t, err)

	// Then the hash matches sha256 and the blob is readable
	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), gotHash)
	assert.Equal(t, int64(len(content)), size)
	assert.True(t, created)
	assert.True(t, s.Exists(gotHash))

	r, err := s.Open(gotHash)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStoreDeduplicatesIdenticalContent(t *testing.T) {
	// Given stored content
	s := newTestStore(t)
	first, _, created, err := s.Write(strings.NewReader("same bytes"))
	require.NoError(t, err)
	require.True(t, created)

	// When identical content is written again
	second, _, createdAgain, err := s.Write(strings.NewReader("same bytes"))
	require.NoError(t, err)

	// Then the same path is reused and no new file is created
	assert.Equal(t, first, second)
	assert.False(t, createdAgain)
}

func TestRelPathUsesFanoutDirectories(t *testing.T) {
	h := "abcdef0123456789"
	assert.Equal(t, filepath.Join("blobs", "sha256", "ab", "cd", h), RelPath(h))
}

func TestWriterAbortLeavesNothingBehind(t *testing.T) {
	s := newTestStore(t)
	w, err := s.NewWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)

	w.Abort()
	w.Abort() // idempotent

	entries, err := os.ReadDir(filepath.Join(s.root, "staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommitAfterAbortFails(t *testing.T) {
	s := newTestStore(t)
	w, err := s.NewWriter()
	require.NoError(t, err)
	w.Abort()

	_, _, err = w.Commit()
	assert.Error(t, err)
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	h, _, _, err := s.Write(strings.NewReader("short lived"))
	require.NoError(t, err)

	require.NoError(t, s.Remove(h))
	assert.False(t, s.Exists(h))
	assert.NoError(t, s.Remove(h))
}
