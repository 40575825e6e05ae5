package vector

import "sync"

// Manager lazily opens the vector index of one knowledge base and serializes
// drop/reopen around it, so the builder and the query path share a single
// in-memory graph.
type Manager struct {
	mu    sync.Mutex
	dir   string
	store *Store
}

// NewManager creates a manager for the index directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Get returns the open store, loading it from disk on first use.
func (m *Manager) Get() (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		return m.store, nil
	}
	s, err := Open(m.dir, 0)
	if err != nil {
		return nil, err
	}
	m.store = s
	return s, nil
}

// Drop closes the in-memory store and removes the index directory. The next
// Get starts from an empty index.
func (m *Manager) Drop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store != nil {
		_ = m.store.Close()
		m.store = nil
	}
	return Drop(m.dir)
}

// Close releases the in-memory store without touching disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	return err
}
