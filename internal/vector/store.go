// Package vector is the on-disk vector index of a knowledge base: an HNSW
// graph over chunk embeddings plus the per-chunk payload returned with
// semantic hits. The index is derived data; dropping its directory and
// rebuilding is always safe.
package vector

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

const indexFileName = "chunks.hnsw"

// Payload is the document context stored with each chunk vector and echoed
// back in search results.
type Payload struct {
	DocumentID    string
	DocumentTitle string
	Content       string
}

// Hit is one semantic search result. Distance is cosine distance, lower is
// closer.
type Hit struct {
	ChunkID  string
	Payload  Payload
	Distance float32
}

// Store holds the HNSW graph and chunk payloads for one knowledge base.
type Store struct {
	mu   sync.RWMutex
	dir  string
	dims int

	graph    *hnsw.Graph[uint64]
	idMap    map[string]uint64
	keyMap   map[uint64]string
	payloads map[string]Payload
	nextKey  uint64

	closed bool
}

// storeMetadata is the gob-persisted sidecar next to the graph file.
type storeMetadata struct {
	IDMap    map[string]uint64
	Payloads map[string]Payload
	NextKey  uint64
	Dims     int
}

// Open loads the index under dir if one was saved, or creates an empty one.
// dims may be 0; it is then learned from the first upsert (or the loaded
// metadata).
func Open(dir string, dims int) (*Store, error) {
	s := &Store{
		dir:      dir,
		dims:     dims,
		graph:    newGraph(),
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
	}

	indexPath := filepath.Join(dir, indexFileName)
	if _, err := os.Stat(indexPath + ".meta"); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("stat vector index metadata: %w", err)
	}
	if err := s.load(indexPath); err != nil {
		return nil, err
	}
	return s, nil
}

func newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return g
}

// Dimension returns the vector dimension, 0 until known.
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

// Count returns the number of live chunk vectors.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Upsert inserts or replaces vectors by chunk id. Replaced entries are
// lazy-deleted: the old graph node is orphaned rather than removed, which
// sidesteps graph repair on delete.
func (s *Store) Upsert(ctx context.Context, chunkIDs []string, vectors [][]float32, payloads []Payload) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if len(chunkIDs) != len(vectors) || len(chunkIDs) != len(payloads) {
		return fmt.Errorf("ids, vectors, and payloads length mismatch: %d/%d/%d",
			len(chunkIDs), len(vectors), len(payloads))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if s.dims == 0 {
		s.dims = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != s.dims {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", s.dims, len(v))
		}
	}

	for i, id := range chunkIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if oldKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, oldKey)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
		s.payloads[id] = payloads[i]
	}
	return nil
}

// Delete removes chunk vectors by id (lazy deletion).
func (s *Store) Delete(chunkIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, id := range chunkIDs {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
		}
	}
}

// Search returns up to topK nearest chunks by cosine distance, closest first.
func (s *Store) Search(ctx context.Context, query []float32, topK int) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("vector store is closed")
	}
	if len(s.idMap) == 0 {
		return nil, nil
	}
	if s.dims != 0 && len(query) != s.dims {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d", s.dims, len(query))
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Every key ever assigned is a graph node; keys absent from idMap are
	// lazy-deleted orphans still occupying the graph. Over-fetch by that
	// count so orphans cannot crowd live vectors out of the result.
	orphans := int(s.nextKey) - len(s.idMap)
	nodes := s.graph.Search(q, topK+orphans)

	hits := make([]Hit, 0, topK)
	for _, node := range nodes {
		id, live := s.keyMap[node.Key]
		if !live {
			continue
		}
		hits = append(hits, Hit{
			ChunkID:  id,
			Payload:  s.payloads[id],
			Distance: s.graph.Distance(q, node.Value),
		})
		if len(hits) == topK {
			break
		}
	}
	return hits, nil
}

// Save writes the graph and metadata atomically (temp file + rename each).
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("vector store is closed")
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create vector index directory: %w", err)
	}
	indexPath := filepath.Join(s.dir, indexFileName)

	tmpPath := indexPath + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := s.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename index file: %w", err)
	}

	return s.saveMetadata(indexPath + ".meta")
}

func (s *Store) saveMetadata(path string) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create metadata file: %w", err)
	}
	meta := storeMetadata{
		IDMap:    s.idMap,
		Payloads: s.payloads,
		NextKey:  s.nextKey,
		Dims:     s.dims,
	}
	if err := gob.NewEncoder(file).Encode(meta); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

func (s *Store) load(indexPath string) error {
	metaFile, err := os.Open(indexPath + ".meta")
	if err != nil {
		return fmt.Errorf("open metadata file: %w", err)
	}
	defer metaFile.Close()

	var meta storeMetadata
	if err := gob.NewDecoder(metaFile).Decode(&meta); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	s.nextKey = meta.NextKey
	s.dims = meta.Dims
	if s.idMap == nil {
		s.idMap = make(map[string]uint64)
	}
	if s.payloads == nil {
		s.payloads = make(map[string]Payload)
	}
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}

	file, err := os.Open(indexPath)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer file.Close()

	// coder/hnsw Import requires an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

// Close releases the in-memory graph. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// Drop removes the entire index directory. Used by rebuild.
func Drop(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("drop vector index: %w", err)
	}
	return nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
