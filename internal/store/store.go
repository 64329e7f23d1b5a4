// Package store holds the in-memory snapshot of container configurations
// the reconciler restores containers from.
package store

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Store maps container ids to their configuration. Stored values are never
// modified in place; every write installs a new value, so a copy handed out
// by a read stays consistent after the lock is released.
type Store struct {
	mu      sync.RWMutex
	configs map[string]ContainerConfig
}

func New() *Store {
	return &Store{configs: make(map[string]ContainerConfig)}
}

// Load inserts c unless an entry for its id already exists. It is the
// initial-enumeration path and must not clobber an entry written by a
// restart that raced ahead of it.
func (s *Store) Load(c ContainerConfig) bool {
	c = normalize(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[c.ContainerID]; ok {
		return false
	}
	s.configs[c.ContainerID] = c
	return true
}

// Put inserts or overwrites the entry for c.ContainerID.
func (s *Store) Put(c ContainerConfig) {
	c = normalize(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.ContainerID] = c
}

// Replace moves the entry for oldID to c.ContainerID in one step. Readers see
// either the old entry or the new one, never both or neither.
func (s *Store) Replace(oldID string, c ContainerConfig) {
	c = normalize(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if oldID != c.ContainerID {
		delete(s.configs, oldID)
	}
	s.configs[c.ContainerID] = c
}

// Update replaces the entry for id with fn's result if the entry still
// exists. fn runs under the write lock and must not call back into s.
func (s *Store) Update(id string, fn func(ContainerConfig) ContainerConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.configs[id]
	if !ok {
		return false
	}
	next := fn(cur)
	next.ContainerID = id
	next.Name = strings.TrimPrefix(next.Name, "/")
	next.UpdatedAt = time.Now().UTC()
	s.configs[id] = next
	return true
}

func (s *Store) Get(id string) (ContainerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	return c, ok
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return false
	}
	delete(s.configs, id)
	return true
}

// List returns every entry sorted by name, then id.
func (s *Store) List() []ContainerConfig {
	s.mu.RLock()
	items := make([]ContainerConfig, 0, len(s.configs))
	for _, c := range s.configs {
		items = append(items, c)
	}
	s.mu.RUnlock()

	slices.SortFunc(items, func(a, b ContainerConfig) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.ContainerID, b.ContainerID)
	})
	return items
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.configs)
}

func normalize(c ContainerConfig) ContainerConfig {
	c.Name = strings.TrimPrefix(c.Name, "/")
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	return c
}
