package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ocrbase/ocrbase/internal/common"
)

// MemoryStore keeps objects in process memory. Tests and demo deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	// PresignBase is prepended to presigned keys; tests point it at an
	// httptest server.
	PresignBase string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), PresignBase: "memory://uploads"}
}

func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, common.Fatal(common.CodeNoSource, "object not found: "+key, nil)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *MemoryStore) PresignPut(_ context.Context, key string, _ string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/%s?expires=%d", s.PresignBase, key, int64(ttl.Seconds())), nil
}
