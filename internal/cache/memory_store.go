package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage 构建进程内缓存，重启即丢失，适合测试与单实例临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
	order  []string
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	key      Key
	snapshot *Snapshot
}

// memoryHandle 通过名称访问存储，保证删除后的写入会重新创建缓存。
type memoryHandle struct {
	storage *memoryStorage
	name    string
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	s.ensure(name)
	return &memoryHandle{storage: s, name: name}, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stores[name]; !ok {
		return false, nil
	}
	delete(s.stores, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *memoryStorage) ensure(name string) *memoryStore {
	s.mu.RLock()
	store := s.stores[name]
	s.mu.RUnlock()
	if store != nil {
		return store
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if store = s.stores[name]; store == nil {
		store = &memoryStore{entries: make(map[string]memoryEntry)}
		s.stores[name] = store
		s.order = append(s.order, name)
	}
	return store
}

func (s *memoryStorage) lookup(name string) *memoryStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stores[name]
}

func (h *memoryHandle) Name() string {
	return h.name
}

func (h *memoryHandle) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store := h.storage.lookup(h.name)
	if store == nil {
		return nil, ErrNotFound
	}
	store.mu.RLock()
	entry, ok := store.entries[key.String()]
	store.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return entry.snapshot.Clone(), nil
}

func (h *memoryHandle) Put(ctx context.Context, key Key, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store := h.storage.ensure(h.name)
	store.mu.Lock()
	store.entries[key.String()] = memoryEntry{key: key, snapshot: snapshot.Clone()}
	store.mu.Unlock()
	return nil
}

func (h *memoryHandle) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	store := h.storage.lookup(h.name)
	if store == nil {
		return false, nil
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.entries[key.String()]; !ok {
		return false, nil
	}
	delete(store.entries, key.String())
	return true, nil
}

func (h *memoryHandle) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	store := h.storage.lookup(h.name)
	if store == nil {
		return nil, nil
	}
	store.mu.RLock()
	keys := make([]Key, 0, len(store.entries))
	for _, entry := range store.entries {
		keys = append(keys, entry.key)
	}
	store.mu.RUnlock()
	sortKeys(keys)
	return keys, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}
