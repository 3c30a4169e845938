package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/jacktea/shardian/pkg/xerrors"
)

// MemoryStore keeps blobs in a map. It is intended for tests.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[ID][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[ID][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindCanceled, "MemoryStore.put", "", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, xerrors.IO("MemoryStore.put", "", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", 0, xerrors.E(xerrors.KindInvalid, "MemoryStore.put.size", "")
	}
	id := IDOf(data)
	if err := checkSum(id, opts); err != nil {
		return "", 0, err
	}
	m.mu.Lock()
	if _, ok := m.blobs[id]; !ok {
		m.blobs[id] = data
	}
	m.mu.Unlock()
	return id, int64(len(data)), nil
}

func (m *MemoryStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	data, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, 0, xerrors.E(xerrors.KindNotFound, "MemoryStore.get", string(id))
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[id]; !ok {
		return xerrors.E(xerrors.KindNotFound, "MemoryStore.delete", string(id))
	}
	delete(m.blobs, id)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, id ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[id]
	return ok, nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Corrupt overwrites the stored bytes of id without changing its ID.
func (m *MemoryStore) Corrupt(id ID, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[id] = append([]byte(nil), data...)
}
