// Package storage provides the local key-value store backing the offline
// queue, the asset cache and the session credentials. Collections are
// serialized wholesale; a missing key is not an error.
package storage

import "sync"

// Well-known collection keys.
const (
	KeyMutations   = "mutations"
	KeyAssets      = "assets"
	KeyCredentials = "credentials"
	KeySalt        = "keysalt" // at-rest key salt, always stored in the clear
)

// Store is a wholesale key-value store. Get returns (nil, nil) for an
// absent key.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Memory is an in-process Store used by tests and as a non-durable fallback.
type Memory struct {
	mu sync.RWMutex
	m  map[string][]byte
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{m: map[string][]byte{}}
}

func (s *Memory) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (s *Memory) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *Memory) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func (s *Memory) Close() error { return nil }
