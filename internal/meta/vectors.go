package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetVectorConfig returns the committed embedding configuration, or nil when
// no vector index has been built.
func (s *Store) GetVectorConfig(ctx context.Context) (*VectorConfig, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var cfg VectorConfig
	err := s.db.QueryRowContext(ctx,
		"SELECT provider_id, model, dimension, updated_at FROM vector_config WHERE id = 1",
	).Scan(&cfg.ProviderID, &cfg.Model, &cfg.Dimension, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector config: %w", err)
	}
	return &cfg, nil
}

// UpsertVectorConfig commits the embedding configuration (singleton row).
func (s *Store) UpsertVectorConfig(ctx context.Context, providerID, model string, dimension int) (*VectorConfig, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	now := nowMillis()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_config(id, provider_id, model, dimension, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_id = excluded.provider_id,
			model = excluded.model,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at`,
		providerID, model, dimension, now,
	); err != nil {
		return nil, fmt.Errorf("upsert vector config: %w", err)
	}
	return &VectorConfig{ProviderID: providerID, Model: model, Dimension: dimension, UpdatedAt: now}, nil
}

// ClearVectorState wipes both the per-chunk vector markers and the committed
// configuration in one transaction. Used by index rebuild.
func (s *Store) ClearVectorState(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunk_vectors"); err != nil {
			return fmt.Errorf("clear chunk vectors: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM vector_config"); err != nil {
			return fmt.Errorf("clear vector config: %w", err)
		}
		return nil
	})
}

// CountChunks returns the total chunk count.
func (s *Store) CountChunks(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// CountChunksMissingVectors counts chunks with no vector under configHash.
func (s *Store) CountChunksMissingVectors(ctx context.Context, configHash string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM chunks c
		LEFT JOIN chunk_vectors v ON v.chunk_id = c.id AND v.config_hash = ?
		WHERE v.chunk_id IS NULL`, configHash,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count missing vectors: %w", err)
	}
	return n, nil
}

// CountChunkVectors counts chunks already embedded under configHash.
func (s *Store) CountChunkVectors(ctx context.Context, configHash string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM chunk_vectors WHERE config_hash = ?", configHash,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunk vectors: %w", err)
	}
	return n, nil
}

// NextChunkBatch selects up to limit chunks past afterRowID that still need
// embedding, in rowid order. An empty configHash means no configuration has
// been committed yet, so every chunk past the cursor qualifies.
func (s *Store) NextChunkBatch(ctx context.Context, configHash string, afterRowID int64, limit int) ([]ChunkBatchRow, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var rows *sql.Rows
	var err error
	if configHash != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT c.rowid, c.id, c.document_id, c.content, d.title
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			LEFT JOIN chunk_vectors v ON v.chunk_id = c.id AND v.config_hash = ?
			WHERE v.chunk_id IS NULL AND c.rowid > ?
			ORDER BY c.rowid ASC
			LIMIT ?`, configHash, afterRowID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT c.rowid, c.id, c.document_id, c.content, d.title
			FROM chunks c
			JOIN documents d ON d.id = c.document_id
			WHERE c.rowid > ?
			ORDER BY c.rowid ASC
			LIMIT ?`, afterRowID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("select chunk batch: %w", err)
	}
	defer rows.Close()

	var out []ChunkBatchRow
	for rows.Next() {
		var r ChunkBatchRow
		if err := rows.Scan(&r.RowID, &r.ChunkID, &r.DocumentID, &r.Content, &r.DocumentTitle); err != nil {
			return nil, fmt.Errorf("scan chunk batch row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select chunk batch: %w", err)
	}
	return out, nil
}

// RecordChunkVectors marks chunks as embedded under configHash in one
// transaction. Re-recording a chunk replaces its marker.
func (s *Store) RecordChunkVectors(ctx context.Context, chunkIDs []string, configHash string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO chunk_vectors(chunk_id, config_hash, indexed_at) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("prepare vector marker insert: %w", err)
		}
		defer stmt.Close()
		now := nowMillis()
		for _, id := range chunkIDs {
			if _, err := stmt.ExecContext(ctx, id, configHash, now); err != nil {
				return fmt.Errorf("record chunk vector %s: %w", id, err)
			}
		}
		return nil
	})
}
