package hottier

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Memory is the in-process fallback store used when the redis tier is
// unreachable. It supports the key/value surface with TTL semantics, the lock
// service's compare-and-act scripts, root-path JSON documents and local
// pub/sub. Search and stream operations
// are unsupported and return empty results so callers can fall through to
// the durable tier.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	subMu       sync.RWMutex
	subscribers map[string][]chan PubSubMessage

	closed bool
}

type memoryEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries:     make(map[string]memoryEntry),
		subscribers: make(map[string][]chan PubSubMessage),
	}
}

func (m *Memory) live(e memoryEntry) bool {
	return e.expireAt.IsZero() || time.Now().Before(e.expireAt)
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !m.live(e) {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && m.live(e) {
		return false, nil
	}
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		return false, nil
	}
	e.expireAt = time.Now().Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return ok && m.live(e), nil
}

func (m *Memory) PTTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		return -2 * time.Millisecond, nil
	}
	if e.expireAt.IsZero() {
		return -1 * time.Millisecond, nil
	}
	return time.Until(e.expireAt), nil
}

// Eval runs the lock service's compare-and-act scripts in-process: when the
// value at keys[0] equals args[0], the key is deleted, or, when a TTL in
// milliseconds is passed as args[1], its expiry is reset to that TTL. It
// returns int64(1) on a holder match and int64(0) otherwise; the script text
// itself is not interpreted.
func (m *Memory) Eval(_ context.Context, _ string, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) == 0 || len(args) == 0 {
		return int64(0), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[keys[0]]
	if !ok || !m.live(e) || e.value != args[0] {
		return int64(0), nil
	}
	if len(args) > 1 {
		ms, _ := args[1].(int64)
		e.expireAt = time.Now().Add(time.Duration(ms) * time.Millisecond)
		m.entries[keys[0]] = e
		return int64(1), nil
	}
	delete(m.entries, keys[0])
	return int64(1), nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- PubSubMessage{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

type memorySubscription struct {
	store    *Memory
	channels []string
	ch       chan PubSubMessage
	once     sync.Once
}

func (s *memorySubscription) Channel() <-chan PubSubMessage { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subMu.Lock()
		defer s.store.subMu.Unlock()
		for _, name := range s.channels {
			subs := s.store.subscribers[name]
			for i, c := range subs {
				if c == s.ch {
					s.store.subscribers[name] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
		}
		close(s.ch)
	})
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{store: m, channels: channels, ch: make(chan PubSubMessage, 64)}
	m.subMu.Lock()
	for _, name := range channels {
		m.subscribers[name] = append(m.subscribers[name], sub.ch)
	}
	m.subMu.Unlock()
	return sub, nil
}

// JSON documents are supported at the root path only; sub-path addressing
// falls back to read-modify-write in the callers.
func (m *Memory) JSONSet(ctx context.Context, key, path string, value interface{}) error {
	raw, ok := value.(string)
	if !ok {
		b, err := json.Marshal(value)
		if err != nil {
			return wrap("jsonset", CategoryCommandUnsupported, err)
		}
		raw = string(b)
	}
	if path != "$" && path != "." {
		return wrap("jsonset", CategoryCommandUnsupported, nil)
	}
	return m.Set(ctx, key, raw, 0)
}

func (m *Memory) JSONGet(ctx context.Context, key, path string) (string, error) {
	if path != "$" && path != "." {
		return "", wrap("jsonget", CategoryCommandUnsupported, nil)
	}
	return m.Get(ctx, key)
}

func (m *Memory) JSONDel(ctx context.Context, key, path string) error {
	if path != "$" && path != "." {
		return wrap("jsondel", CategoryCommandUnsupported, nil)
	}
	return m.Del(ctx, key)
}

func (m *Memory) IndexCreate(_ context.Context, _ string, _ IndexDefinition) error { return nil }

func (m *Memory) IndexDrop(_ context.Context, _ string) error { return nil }

func (m *Memory) Search(_ context.Context, _, _ string, _ SearchOptions) (*SearchResult, error) {
	return &SearchResult{}, wrap("search", CategoryCommandUnsupported, nil)
}

func (m *Memory) StreamAppend(_ context.Context, _ string, _ map[string]interface{}) (string, error) {
	return "", wrap("xadd", CategoryCommandUnsupported, nil)
}

func (m *Memory) StreamGroupCreate(_ context.Context, _, _ string) error { return nil }

func (m *Memory) StreamReadGroup(_ context.Context, _ StreamReadArgs) ([]StreamEntry, error) {
	return nil, wrap("xreadgroup", CategoryCommandUnsupported, nil)
}

func (m *Memory) StreamAck(_ context.Context, _, _ string, _ ...string) error { return nil }

func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) Status() Status {
	return Status{Mode: "memory", Degraded: true}
}

func (m *Memory) Close() error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	seen := make(map[chan PubSubMessage]bool)
	for _, subs := range m.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	m.subscribers = make(map[string][]chan PubSubMessage)
	return nil
}
