package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store used by tests as
// the oracle backend: it has no network hop, so tests can assert on exact
// interleavings of push/pop/blocking-move without timing flakiness.
type MemoryStore struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	kv       map[string][]byte
	expires  map[string]time.Time
	sets     map[string]map[string]struct{}
	waiters  map[string][]chan struct{}
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:   make(map[string][][]byte),
		kv:      make(map[string][]byte),
		expires: make(map[string]time.Time),
		sets:    make(map[string]map[string]struct{}),
		waiters: make(map[string][]chan struct{}),
	}
}

func (s *MemoryStore) notify(key string) {
	for _, ch := range s.waiters[key] {
		close(ch)
	}
	delete(s.waiters, key)
}

func (s *MemoryStore) wait(key string) chan struct{} {
	ch := make(chan struct{})
	s.waiters[key] = append(s.waiters[key], ch)
	return ch
}

func (s *MemoryStore) Push(ctx context.Context, q string, payload []byte) error {
	s.mu.Lock()
	s.lists[q] = append(s.lists[q], payload)
	s.notify(q)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Pop(ctx context.Context, queues []string, timeout time.Duration) (string, []byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		for _, q := range queues {
			if len(s.lists[q]) > 0 {
				v := s.lists[q][0]
				s.lists[q] = s.lists[q][1:]
				s.mu.Unlock()
				return q, v, nil
			}
		}
		if timeout <= 0 || time.Now().After(deadline) {
			s.mu.Unlock()
			return "", nil, nil
		}
		var chans []chan struct{}
		for _, q := range queues {
			chans = append(chans, s.wait(q))
		}
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", nil, nil
		}
		timer := time.NewTimer(remaining)
		done := make(chan struct{})
		var once sync.Once
		for _, ch := range chans {
			go func(ch chan struct{}) {
				select {
				case <-ch:
				case <-done:
				}
				once.Do(func() { close(done) })
			}(ch)
		}
		select {
		case <-ctx.Done():
			timer.Stop()
			once.Do(func() { close(done) })
			return "", nil, ctx.Err()
		case <-done:
			timer.Stop()
		case <-timer.C:
			once.Do(func() { close(done) })
		}
	}
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, nx bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nx {
		if v, ok := s.kv[key]; ok {
			if exp, hasExp := s.expires[key]; !hasExp || time.Now().Before(exp) {
				_ = v
				return false, nil
			}
		}
	}
	s.kv[key] = append([]byte(nil), value...)
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && time.Now().After(exp) {
		delete(s.kv, key)
		delete(s.expires, key)
		return nil, ErrNotFound
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	out := make([][]byte, len(keys))
	for i, k := range keys {
		v, err := s.Get(ctx, k)
		if err == nil {
			out[i] = v
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.kv, k)
		delete(s.expires, k)
		delete(s.lists, k)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == nil {
		return true, nil
	}
	if _, ok := s.lists[key]; ok && len(s.lists[key]) > 0 {
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) SAdd(ctx context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[set] == nil {
		s.sets[set] = make(map[string]struct{})
	}
	for _, m := range members {
		s.sets[set][m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(ctx context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range members {
		delete(s.sets[set], m)
	}
	return nil
}

func (s *MemoryStore) SMembers(ctx context.Context, set string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets[set]))
	for m := range s.sets[set] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; ok {
		s.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) BlockingMove(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		if len(s.lists[src]) > 0 {
			v := s.lists[src][0]
			s.lists[src] = s.lists[src][1:]
			s.lists[dst] = append(s.lists[dst], v)
			s.notify(dst)
			s.mu.Unlock()
			return v, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			s.mu.Unlock()
			return nil, nil
		}
		ch := s.wait(src)
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
		}
	}
}
