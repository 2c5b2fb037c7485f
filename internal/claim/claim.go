// Package claim provides key-scoped exclusive claims. Two workers never hold a
// claim on the same key at once; claims on different keys never contend.
package claim

import (
	"context"
	"sync"
)

// Release gives a claim back. It is safe to call more than once.
type Release func()

// Set tracks the keys currently claimed by this process.
type Set struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewSet returns an empty claim set.
func NewSet() *Set {
	return &Set{held: make(map[string]chan struct{})}
}

// Claim blocks until key is free or ctx is done.
func (s *Set) Claim(ctx context.Context, key string) (Release, error) {
	for {
		s.mu.Lock()
		done, busy := s.held[key]
		if !busy {
			release := s.take(key)
			s.mu.Unlock()
			return release, nil
		}
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryClaim takes key only if it is free.
func (s *Set) TryClaim(key string) (Release, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.held[key]; busy {
		return nil, false
	}
	return s.take(key), true
}

// Held reports whether key is currently claimed.
func (s *Set) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[key]
	return ok
}

// take must be called with s.mu held.
func (s *Set) take(key string) Release {
	done := make(chan struct{})
	s.held[key] = done
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.held, key)
			s.mu.Unlock()
			close(done)
		})
	}
}
