package imagestore

import (
	"context"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: map[string]map[string][]byte{}}
}

func (s *MemoryStore) Save(_ context.Context, namespace, name string, data []byte, _ string) error {
	if err := validateKey(namespace, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.files[namespace]
	if !ok {
		ns = map[string][]byte{}
		s.files[namespace] = ns
	}
	ns[name] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, namespace, name string) ([]byte, error) {
	if err := validateKey(namespace, name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[namespace][name]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) List(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.files[namespace]))
	for name := range s.files[namespace] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Delete(_ context.Context, namespace, name string) error {
	if err := validateKey(namespace, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[namespace][name]; !ok {
		return ErrNotFound
	}
	delete(s.files[namespace], name)
	return nil
}
