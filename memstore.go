package pennant

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory FlagStore. It is the reference store used in
// tests and works for single-process embedding; production deployments
// plug in their own persisted store.
type MemoryStore struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{flags: make(map[string]*Flag)}
}

// Get retrieves a flag by key.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flag, ok := m.flags[key]
	if !ok {
		return nil, &NotFoundError{FlagKey: key}
	}
	return flag.Clone(), nil
}

// List returns all flags.
func (m *MemoryStore) List(ctx context.Context) ([]Flag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	flags := make([]Flag, 0, len(m.flags))
	for _, flag := range m.flags {
		flags = append(flags, *flag.Clone())
	}
	return flags, nil
}

// Put stores a copy of the flag.
func (m *MemoryStore) Put(ctx context.Context, flag *Flag) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.flags[flag.Key] = flag.Clone()
	return nil
}

// Delete removes a flag. Deleting an unknown key is not an error.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.flags, key)
	return nil
}
