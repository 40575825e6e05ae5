package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const documentColumns = `
	id, kind, title, source_path, blob_rel_path, mime_type, size_bytes,
	content_hash, blob_hash, source_mtime_ms, created_at, updated_at
`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	err := row.Scan(
		&d.ID, &d.Kind, &d.Title, &d.SourcePath, &d.BlobRelPath, &d.MimeType,
		&d.SizeBytes, &d.ContentHash, &d.BlobHash, &d.SourceMtimeMS,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDocument returns the document with the given id, or nil if absent.
func (s *Store) GetDocument(ctx context.Context, documentID string) (*Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE id = ?", documentID)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// GetFileDocument returns the file document for a source path, or nil.
func (s *Store) GetFileDocument(ctx context.Context, sourcePath string) (*Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+documentColumns+" FROM documents WHERE kind = 'file' AND source_path = ? LIMIT 1",
		sourcePath)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file document: %w", err)
	}
	return d, nil
}

// GetFingerprint returns the cached fingerprint for a source path, or nil.
func (s *Store) GetFingerprint(ctx context.Context, sourcePath string) (*Fingerprint, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var fp Fingerprint
	err := s.db.QueryRowContext(ctx, `
		SELECT source_path, size_bytes, mtime_ms, content_hash, updated_at
		FROM file_fingerprints WHERE source_path = ?`, sourcePath,
	).Scan(&fp.SourcePath, &fp.SizeBytes, &fp.MtimeMS, &fp.ContentHash, &fp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", err)
	}
	return &fp, nil
}

// FileImportCommit carries everything a finished file read produced, to be
// committed atomically.
type FileImportCommit struct {
	DocumentID    string
	IsNewDocument bool
	Title         string
	SourcePath    string
	MimeType      *string
	SizeBytes     int64
	SourceMtimeMS int64
	ContentHash   string
	BlobRelPath   string
	Chunks        []string
	// PrevHash is the blob the document referenced before this import, if any.
	PrevHash *string
}

// CommitFileImport records a fully read file in one transaction: the document
// row, its replaced chunks, the fingerprint, and blob refcount changes. It
// returns the rel path of a blob whose refcount dropped to zero, which the
// caller must remove from disk after the commit.
func (s *Store) CommitFileImport(ctx context.Context, c FileImportCommit) (removedBlobRelPath string, err error) {
	if err := s.guard(); err != nil {
		return "", err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()

		if c.IsNewDocument {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO documents(
					id, kind, title, source_path, blob_rel_path, mime_type, size_bytes,
					content_hash, created_at, updated_at, blob_hash, source_mtime_ms
				) VALUES (?, 'file', ?, ?, NULL, ?, ?, NULL, ?, ?, NULL, ?)`,
				c.DocumentID, c.Title, c.SourcePath, c.MimeType, c.SizeBytes, now, now, c.SourceMtimeMS,
			); err != nil {
				return fmt.Errorf("insert document: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE documents SET title = ?, mime_type = ?, size_bytes = ?, source_mtime_ms = ?, updated_at = ?
				WHERE id = ?`,
				c.Title, c.MimeType, c.SizeBytes, c.SourceMtimeMS, now, c.DocumentID,
			); err != nil {
				return fmt.Errorf("update document: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", c.DocumentID); err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		insertChunk, err := tx.PrepareContext(ctx,
			"INSERT INTO chunks(id, document_id, chunk_index, content, created_at) VALUES (?, ?, ?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare chunk insert: %w", err)
		}
		defer insertChunk.Close()
		for i, content := range c.Chunks {
			if _, err := insertChunk.ExecContext(ctx, uuid.NewString(), c.DocumentID, i, content, nowMillis()); err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET content_hash = ?, blob_hash = ?, blob_rel_path = ?, updated_at = ?
			WHERE id = ?`,
			c.ContentHash, c.ContentHash, c.BlobRelPath, now, c.DocumentID,
		); err != nil {
			return fmt.Errorf("finalize document: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_fingerprints(source_path, size_bytes, mtime_ms, content_hash, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(source_path) DO UPDATE SET
				size_bytes = excluded.size_bytes,
				mtime_ms = excluded.mtime_ms,
				content_hash = excluded.content_hash,
				updated_at = excluded.updated_at`,
			c.SourcePath, c.SizeBytes, c.SourceMtimeMS, c.ContentHash, now,
		); err != nil {
			return fmt.Errorf("upsert fingerprint: %w", err)
		}

		// Refcount moves only when the document's blob reference changes.
		sameBlob := c.PrevHash != nil && *c.PrevHash == c.ContentHash
		if !sameBlob {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO blobs(content_hash, rel_path, size_bytes, mime_type, created_at, ref_count)
				VALUES (?, ?, ?, ?, ?, 1)
				ON CONFLICT(content_hash) DO UPDATE SET
					ref_count = blobs.ref_count + 1,
					size_bytes = excluded.size_bytes,
					mime_type = COALESCE(excluded.mime_type, blobs.mime_type)`,
				c.ContentHash, c.BlobRelPath, c.SizeBytes, c.MimeType, now,
			); err != nil {
				return fmt.Errorf("increment blob refcount: %w", err)
			}
		}
		if c.PrevHash != nil && *c.PrevHash != c.ContentHash {
			relPath, err := releaseBlobRef(ctx, tx, *c.PrevHash)
			if err != nil {
				return err
			}
			removedBlobRelPath = relPath
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return removedBlobRelPath, nil
}

// releaseBlobRef decrements a blob's refcount and deletes the row once no
// references remain. It returns the rel path of a deleted blob, or "".
func releaseBlobRef(ctx context.Context, tx *sql.Tx, contentHash string) (string, error) {
	if _, err := tx.ExecContext(ctx,
		"UPDATE blobs SET ref_count = ref_count - 1 WHERE content_hash = ?", contentHash); err != nil {
		return "", fmt.Errorf("decrement blob refcount: %w", err)
	}
	var relPath string
	var refCount int64
	err := tx.QueryRowContext(ctx,
		"SELECT rel_path, ref_count FROM blobs WHERE content_hash = ?", contentHash,
	).Scan(&relPath, &refCount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read blob row: %w", err)
	}
	if refCount > 0 {
		return "", nil
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM blobs WHERE content_hash = ? AND ref_count <= 0", contentHash); err != nil {
		return "", fmt.Errorf("delete blob row: %w", err)
	}
	return relPath, nil
}

// BlobRefCount returns the refcount for a blob, or 0 when no row exists.
func (s *Store) BlobRefCount(ctx context.Context, contentHash string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT ref_count FROM blobs WHERE content_hash = ?", contentHash).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read blob refcount: %w", err)
	}
	return n, nil
}

// CreateNote inserts a note document with its content and pre-split chunks
// in one transaction and returns the new document id.
func (s *Store) CreateNote(ctx context.Context, title, content string, chunks []string) (string, error) {
	if err := s.guard(); err != nil {
		return "", err
	}
	documentID := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		now := nowMillis()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO documents(id, kind, title, source_path, blob_rel_path, mime_type, size_bytes, content_hash, created_at, updated_at)
			VALUES (?, 'note', ?, NULL, NULL, 'text/markdown', ?, NULL, ?, ?)`,
			documentID, title, int64(len(content)), now, now,
		); err != nil {
			return fmt.Errorf("insert note document: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO notes(document_id, content) VALUES (?, ?)", documentID, content); err != nil {
			return fmt.Errorf("insert note content: %w", err)
		}
		for i, part := range chunks {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO chunks(id, document_id, chunk_index, content, created_at) VALUES (?, ?, ?, ?, ?)",
				uuid.NewString(), documentID, i, part, nowMillis(),
			); err != nil {
				return fmt.Errorf("insert note chunk %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return documentID, nil
}

// DeleteDocument removes a document, its chunks (via cascade, which also
// clears the FTS index through the triggers), its fingerprint, and its blob
// reference. It returns the rel path of a blob to remove from disk, whether
// the document existed, and any error.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) (removedBlobRelPath string, found bool, err error) {
	if err := s.guard(); err != nil {
		return "", false, err
	}

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return "", false, err
	}
	if doc == nil {
		return "", false, nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		blobHash := doc.BlobHash
		if blobHash == nil {
			blobHash = doc.ContentHash
		}
		if doc.Kind == KindFile && blobHash != nil {
			relPath, err := releaseBlobRef(ctx, tx, *blobHash)
			if err != nil {
				return err
			}
			removedBlobRelPath = relPath
		}
		if doc.SourcePath != nil {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM file_fingerprints WHERE source_path = ?", *doc.SourcePath); err != nil {
				return fmt.Errorf("delete fingerprint: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", doc.ID); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return removedBlobRelPath, true, nil
}

// ListDocuments returns documents ordered by most recently updated. The limit
// is clamped to [1, 500].
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]*Document, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents ORDER BY updated_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

// SearchChunks runs an FTS5 match over chunk content and returns hits ordered
// by ascending bm25 score. Invalid match syntax yields empty results.
func (s *Store) SearchChunks(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id,
			c.document_id,
			d.title,
			d.kind,
			snippet(chunks_fts, 0, '[', ']', '...', 10),
			bm25(chunks_fts)
		FROM chunks_fts
		JOIN chunks c ON chunks_fts.rowid = c.rowid
		JOIN documents d ON d.id = c.document_id
		WHERE chunks_fts MATCH ?
		ORDER BY bm25(chunks_fts) ASC
		LIMIT ?`, query, limit)
	if err != nil {
		if isFTSQueryError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.DocumentTitle, &h.DocumentKind, &h.Snippet, &h.Score); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		if isFTSQueryError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("full-text search: %w", err)
	}
	return hits, nil
}

// ChunkIDsForDocument returns a document's chunk ids in chunk order.
func (s *Store) ChunkIDsForDocument(ctx context.Context, documentID string) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC", documentID)
	if err != nil {
		return nil, fmt.Errorf("list document chunks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list document chunks: %w", err)
	}
	return ids, nil
}

// ChunkCountForDocument returns how many chunks a document currently has.
func (s *Store) ChunkCountForDocument(ctx context.Context, documentID string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count document chunks: %w", err)
	}
	return n, nil
}

// GetStats returns document, chunk, and job counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	if err := s.guard(); err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&st.Documents); err != nil {
		return Stats{}, fmt.Errorf("count documents: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&st.Chunks); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&st.Jobs); err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	return st, nil
}
