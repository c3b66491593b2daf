// Package memkv is an in-process key-value engine.
// Stores are named, so opening the same `mem:` locator twice in one process
// yields the same data.
package memkv

import (
	"context"
	"strings"
	"sync"
)

type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Store{}
)

// New returns a fresh store not shared with anyone.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Named returns the process-wide store called name, creating it on first use.
func Named(name string) *Store {
	registryMu.Lock()
	defer registryMu.Unlock()
	s, ok := registry[name]
	if !ok {
		s = New()
		registry[name] = s
	}
	return s
}

// Forget drops the named store, so the next Named call starts empty.
func Forget(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close is a no-op; named stores outlive their handles.
func (s *Store) Close() error {
	return nil
}
