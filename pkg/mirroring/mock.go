package mirroring

import (
	"context"
	"errors"
	"sync"

	"github.com/warptools/metabase/mbapi"
)

// MockConfig configures a pusher that keeps objects in memory.
// It is meant for tests.
type MockConfig struct {
	// Store receives the pushed objects. Nil means a private map.
	Store *MockStore

	// FailOn makes pushing the given key fail.
	FailOn string
}

// MockStore holds what a mock pusher received.
type MockStore struct {
	mu      sync.Mutex
	Objects map[string][]byte
	Pushes  int
}

func (s *MockStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.Objects[key]
	return v, ok
}

type mockPusher struct {
	store  *MockStore
	failOn string
}

func newMockPusher(cfg MockConfig) *mockPusher {
	store := cfg.Store
	if store == nil {
		store = &MockStore{}
	}
	return &mockPusher{store: store, failOn: cfg.FailOn}
}

func (p *mockPusher) has(ctx context.Context, key string) (bool, error) {
	_, ok := p.store.Get(key)
	return ok, nil
}

func (p *mockPusher) push(ctx context.Context, key string, body []byte) error {
	if key == p.failOn {
		return mbapi.ErrorIo("mock push", key, errors.New("refused"))
	}
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.Objects == nil {
		p.store.Objects = map[string][]byte{}
	}
	p.store.Objects[key] = append([]byte(nil), body...)
	p.store.Pushes++
	return nil
}
