package cache

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
}

func (e memoryEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryBackend is an in-process Backend for tests and the offline CLI.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	subs map[*memorySubscription]struct{}
	now  func() time.Time
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		data: make(map[string]memoryEntry),
		subs: make(map[*memorySubscription]struct{}),
		now:  time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok || !e.live(m.now()) {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.value), nil
}

func (m *MemoryBackend) MGet(_ context.Context, keys ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([][]byte, len(keys))
	for i, key := range keys {
		if e, ok := m.data[key]; ok && e.live(now) {
			out[i] = bytes.Clone(e.value)
		}
	}
	return out, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	m.data[key] = m.entry(value, ttl)
	subs := m.matchingLocked(key)
	m.mu.Unlock()

	notify(subs, Event{Key: key, Op: OpSet})
	return nil
}

func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	if e, ok := m.data[key]; ok && e.live(m.now()) {
		m.mu.Unlock()
		return false, nil
	}
	m.data[key] = m.entry(value, ttl)
	subs := m.matchingLocked(key)
	m.mu.Unlock()

	notify(subs, Event{Key: key, Op: OpSet})
	return true, nil
}

func (m *MemoryBackend) SetNXMany(_ context.Context, keys []string, value []byte, ttl time.Duration) ([]bool, error) {
	out := make([]bool, len(keys))
	var events []func()
	m.mu.Lock()
	now := m.now()
	for i, key := range keys {
		if e, ok := m.data[key]; ok && e.live(now) {
			continue
		}
		m.data[key] = m.entry(value, ttl)
		out[i] = true
		subs, ev := m.matchingLocked(key), Event{Key: key, Op: OpSet}
		events = append(events, func() { notify(subs, ev) })
	}
	m.mu.Unlock()

	for _, fire := range events {
		fire()
	}
	return out, nil
}

func (m *MemoryBackend) CompareAndDelete(_ context.Context, key string, value []byte) (bool, error) {
	m.mu.Lock()
	e, ok := m.data[key]
	if !ok || !e.live(m.now()) || !bytes.Equal(e.value, value) {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.data, key)
	subs := m.matchingLocked(key)
	m.mu.Unlock()

	notify(subs, Event{Key: key, Op: OpDel})
	return true, nil
}

func (m *MemoryBackend) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	return ok && e.live(m.now()), nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, pattern string) (Subscription, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	sub := &memorySubscription{
		backend: m,
		pattern: pattern,
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

// Subscriptions reports how many subscriptions are open.
func (m *MemoryBackend) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// SimulateDisconnect delivers OpConnLost to every open subscription.
func (m *MemoryBackend) SimulateDisconnect() {
	m.mu.Lock()
	subs := make([]*memorySubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()
	notify(subs, Event{Op: OpConnLost})
}

func (m *MemoryBackend) entry(value []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: bytes.Clone(value)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	return e
}

func (m *MemoryBackend) matchingLocked(key string) []*memorySubscription {
	var out []*memorySubscription
	for s := range m.subs {
		if ok, _ := path.Match(s.pattern, key); ok {
			out = append(out, s)
		}
	}
	return out
}

func notify(subs []*memorySubscription, ev Event) {
	for _, s := range subs {
		select {
		case s.events <- ev:
		case <-s.done:
		}
	}
}

type memorySubscription struct {
	backend *MemoryBackend
	pattern string
	events  chan Event
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Events() <-chan Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.subs, s)
		s.backend.mu.Unlock()
		close(s.done)
	})
	return nil
}
