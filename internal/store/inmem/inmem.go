// Package inmem provides in-memory KV and Blob implementations for tests.
package inmem

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/deskwire/internal/store"
)

type entry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

// KV is a map-backed store.KV.
type KV struct {
	mu      sync.Mutex
	entries map[string]entry

	// FailNext forces the next operation to return this error (failure
	// injection for fail-open/fail-closed tests).
	FailNext error
}

func NewKV() *KV {
	return &KV{entries: make(map[string]entry)}
}

func (s *KV) takeErr() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func (s *KV) live(e entry) bool {
	return e.expires.IsZero() || e.expires.After(time.Now())
}

func (s *KV) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	e, ok := s.entries[key]
	if !ok || !s.live(e) {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (s *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.entries[key] = newEntry(value, ttl)
	return nil
}

func (s *KV) CompareAndSwap(_ context.Context, key string, prev, next []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return false, err
	}
	e, ok := s.entries[key]
	exists := ok && s.live(e)

	if prev == nil {
		if exists {
			return false, nil
		}
		s.entries[key] = newEntry(next, ttl)
		return true, nil
	}
	if !exists || !bytes.Equal(e.value, prev) {
		return false, nil
	}
	s.entries[key] = newEntry(next, ttl)
	return true, nil
}

func (s *KV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

func (s *KV) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && s.live(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *KV) Close() error { return nil }

func newEntry(value []byte, ttl time.Duration) entry {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := entry{value: stored}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	return e
}

// Blob is a map-backed store.Blob.
type Blob struct {
	mu      sync.Mutex
	objects map[string][]byte

	FailNext error
}

func NewBlob() *Blob {
	return &Blob{objects: make(map[string][]byte)}
}

func (b *Blob) takeErr() error {
	err := b.FailNext
	b.FailNext = nil
	return err
}

func (b *Blob) Put(_ context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return err
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	b.objects[path] = stored
	return nil
}

func (b *Blob) Get(_ context.Context, path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return nil, err
	}
	data, ok := b.objects[path]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *Blob) Delete(_ context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return err
	}
	delete(b.objects, path)
	return nil
}

func (b *Blob) List(_ context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeErr(); err != nil {
		return nil, err
	}
	var paths []string
	for p := range b.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
