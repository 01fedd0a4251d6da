package db

import (
	"sync"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

// MemoryKV is a goroutine-safe in-memory KeyValue, used by tests and ephemeral runs.
type MemoryKV struct {
	mu         sync.RWMutex
	data       map[string]string
	quotaBytes int64
}

var _ KeyValue = (*MemoryKV)(nil)

// NewMemoryKV creates an empty in-memory substrate. quotaBytes of zero disables the cap.
func NewMemoryKV(quotaBytes int64) *MemoryKV {
	return &MemoryKV{
		data:       make(map[string]string),
		quotaBytes: quotaBytes,
	}
}

// Get implements KeyValue.
func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements KeyValue.
func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.quotaBytes > 0 {
		var used int64
		for k, v := range m.data {
			if k != key {
				used += int64(len(k) + len(v))
			}
		}
		need := int64(len(key) + len(value))
		if used+need > m.quotaBytes {
			return errors.Newf(errors.ErrQuotaExceeded,
				"writing %q needs %d bytes, %d of %d in use", key, need, used, m.quotaBytes)
		}
	}

	m.data[key] = value
	return nil
}

// Remove implements KeyValue.
func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Keys returns the number of stored keys.
func (m *MemoryKV) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
