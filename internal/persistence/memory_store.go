package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a simple, goroutine-safe Port backed by maps.
// It is not durable and is intended for tests and local runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	logs    map[string][][]byte
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]Record),
		logs:    make(map[string][][]byte),
	}
}

// Ensure InMemoryStore implements the interfaces.
var (
	_ Port    = (*InMemoryStore)(nil)
	_ Scanner = (*InMemoryStore)(nil)
	_ Deleter = (*InMemoryStore)(nil)
)

func (s *InMemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Data = cloneBytes(rec.Data)
	return rec, nil
}

func (s *InMemoryStore) PutIfVersion(ctx context.Context, key string, data []byte, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[key]
	switch {
	case !ok && expected != NoVersion:
		return false, nil
	case ok && cur.Version != expected:
		return false, nil
	}

	s.records[key] = Record{
		Key:       key,
		Version:   expected + 1,
		Data:      cloneBytes(data),
		UpdatedAt: time.Now().UTC(),
	}
	return true, nil
}

func (s *InMemoryStore) Append(ctx context.Context, logKey string, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs[logKey] = append(s.logs[logKey], cloneBytes(entry))
	return nil
}

func (s *InMemoryStore) Entries(ctx context.Context, logKey string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.logs[logKey]
	out := make([][]byte, len(src))
	for i, e := range src {
		out[i] = cloneBytes(e)
	}
	return out, nil
}

func (s *InMemoryStore) Scan(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for k, rec := range s.records {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rec.Data = cloneBytes(rec.Data)
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *InMemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	delete(s.logs, key)
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
