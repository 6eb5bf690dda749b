package bucket

import (
	"context"
	"slices"
	"sync"
	"time"
)

type memoryStorage struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	order   []string
}

// NewMemory returns a process-local Storage.
func NewMemory() Storage {
	return &memoryStorage{buckets: make(map[string]*memoryBucket)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b := &memoryBucket{name: name, entries: make(map[RequestKey]Snapshot)}
	s.buckets[name] = b
	s.order = append(s.order, name)
	return b, nil
}

func (s *memoryStorage) Lookup(_ context.Context, name string) (Bucket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return nil, false, nil
	}
	return b, true, nil
}

func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order), nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	b.markDeleted()
	return true, nil
}

func (s *memoryStorage) Close(_ context.Context) error {
	return nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[RequestKey]Snapshot
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(_ context.Context, key RequestKey) (Snapshot, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.deleted {
		return Snapshot{}, false, nil
	}
	s, ok := b.entries[key]
	if !ok {
		return Snapshot{}, false, nil
	}
	return s.Clone(), true, nil
}

func (b *memoryBucket) Put(_ context.Context, key RequestKey, snapshot Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleted {
		return ErrBucketGone
	}
	stored := snapshot.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	b.entries[key] = stored
	return nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]RequestKey, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]RequestKey, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func (b *memoryBucket) markDeleted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = true
	b.entries = nil
}
