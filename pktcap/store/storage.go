package store

import (
	"slices"
	"sync"

	"github.com/go-analyze/bulk"
)

// Storage holds encoded records keyed by their insertion sequence.
type Storage interface {
	Put(seq uint64, blob []byte) error
	Get(seq uint64) ([]byte, bool, error)
	Delete(seq uint64) error
	// Keys returns the stored sequences in ascending order.
	Keys() []uint64
	Len() int
	Reset() error
	Close() error
}

type memStorage struct {
	mu   sync.Mutex
	data map[uint64][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[uint64][]byte)}
}

func (m *memStorage) Put(seq uint64, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[seq] = slices.Clone(blob)
	return nil
}

func (m *memStorage) Get(seq uint64) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, ok := m.data[seq]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) Delete(seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, seq)
	return nil
}

func (m *memStorage) Keys() []uint64 {
	m.mu.Lock()
	keys := bulk.MapKeysSlice(m.data)
	m.mu.Unlock()

	slices.Sort(keys)
	return keys
}

func (m *memStorage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.data)
}

func (m *memStorage) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() error {
	return m.Reset()
}
