package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store in memory.
// Suitable for testing and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
	}
}

// Put creates or replaces an entry.
func (s *MemoryStore) Put(ctx context.Context, req *PutRequest) (*Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := apply(s.entries[req.Name], req, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.entries[req.Name] = e
	return e.clone(), nil
}

// Get retrieves an entry by name.
func (s *MemoryStore) Get(ctx context.Context, name string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	return e.clone(), nil
}

// Delete removes an entry.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[name]; !ok {
		return ErrNotFound
	}
	delete(s.entries, name)
	return nil
}

// List returns entries matching the options.
func (s *MemoryStore) List(ctx context.Context, opts *ListOptions) ([]*Entry, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	s.mu.RLock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if opts.CreatedBy != "" && e.CreatedBy != opts.CreatedBy {
			continue
		}
		entries = append(entries, e.clone())
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return page(entries, opts), nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
