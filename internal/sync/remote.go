package sync

import (
	"context"
	"sync"

	"github.com/kimhsiao/shelfsync/internal/errors"
)

// RemoteStore holds one JSON document per collection id.
type RemoteStore interface {
	// Exists reports whether the document is present.
	Exists(ctx context.Context, id string) (bool, error)

	// Read returns the document. A missing document fails with NOT_FOUND.
	Read(ctx context.Context, id string) ([]byte, error)

	// Write replaces the document.
	Write(ctx context.Context, id string, data []byte) error
}

// MemoryRemote is an in-process RemoteStore.
type MemoryRemote struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

var _ RemoteStore = (*MemoryRemote)(nil)

// NewMemoryRemote creates an empty in-process remote.
func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{docs: make(map[string][]byte)}
}

func (m *MemoryRemote) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.docs[id]
	return ok, nil
}

func (m *MemoryRemote) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "remote document %s not found", id)
	}
	return append([]byte(nil), doc...), nil
}

func (m *MemoryRemote) Write(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[id] = append([]byte(nil), data...)
	return nil
}
