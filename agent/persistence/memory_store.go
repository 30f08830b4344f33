package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/fleetflow/types"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	data   map[string]map[string]*Entry
	mu     sync.RWMutex
	closed bool
	clock  types.Clock
	stopCh chan struct{}
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(config StoreConfig) *MemoryStore {
	store := &MemoryStore{
		data:   make(map[string]map[string]*Entry),
		clock:  types.SystemClock,
		stopCh: make(chan struct{}),
	}

	if config.Cleanup.Enabled && config.Cleanup.Interval > 0 {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put stores a value
func (s *MemoryStore) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.clock.Now()
	entry := &Entry{
		Namespace: namespace,
		Key:       key,
		Value:     append([]byte(nil), value...),
		UpdatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}

	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]*Entry)
		s.data[namespace] = ns
	}
	ns[key] = entry
	return nil
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entry, ok := s.data[namespace][key]
	if !ok || entry.expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Value...), nil
}

// Delete removes a value. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if ns, ok := s.data[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(s.data, namespace)
		}
	}
	return nil
}

// List returns the live entries of a namespace
func (s *MemoryStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	now := s.clock.Now()
	result := make([]Entry, 0, len(s.data[namespace]))
	for _, entry := range s.data[namespace] {
		if entry.expired(now) {
			continue
		}
		e := *entry
		e.Value = append([]byte(nil), entry.Value...)
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

// Cleanup removes expired entries and returns how many were dropped
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	now := s.clock.Now()
	removed := 0
	for name, ns := range s.data {
		for key, entry := range ns {
			if entry.expired(now) {
				delete(ns, key)
				removed++
			}
		}
		if len(ns) == 0 {
			delete(s.data, name)
		}
	}
	return removed, nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background())
		}
	}
}
