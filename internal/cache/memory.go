package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Yiling-J/theine-go"

	"github.com/pipe01/villus/internal/operation"
)

const defaultMaxEntries = 10000

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("cache: store closed")

// MemoryStore keeps results in process memory. It is bounded: once
// MaxEntries results are held, admitting a new one evicts another.
// Results are stored as given, not copied: every hit for a key returns the
// same Data, and a caller mutating it changes what later hits see.
type MemoryStore struct {
	mu     sync.RWMutex
	cache  *theine.Cache[operation.Key, operation.Result]
	closed bool
}

var _ Store = (*MemoryStore)(nil)

type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxEntries int64
}

// WithMaxEntries bounds the number of stored results. Defaults to 10000.
func WithMaxEntries(n int64) MemoryOption {
	return func(o *memoryOptions) { o.maxEntries = n }
}

// NewMemoryStore returns an empty store. Close releases its resources.
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	o := memoryOptions{maxEntries: defaultMaxEntries}
	for _, f := range opts {
		f(&o)
	}
	if o.maxEntries <= 0 {
		return nil, fmt.Errorf("cache: max entries must be positive, got %d", o.maxEntries)
	}
	c, err := theine.NewBuilder[operation.Key, operation.Result](o.maxEntries).Build()
	if err != nil {
		return nil, fmt.Errorf("cache: build memory store: %w", err)
	}
	return &MemoryStore{cache: c}, nil
}

func (s *MemoryStore) Get(_ context.Context, key operation.Key) (operation.Result, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return operation.Result{}, false, ErrClosed
	}
	r, ok := s.cache.Get(key)
	return r, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key operation.Key, r operation.Result) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.cache.Set(key, r, 1)
	return nil
}

// Len reports the number of stored results.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.cache.Len()
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cache.Close()
	}
	return nil
}
