// Package index records stored manifests and the reference counts of the chunks they
// point at.
package index

import (
	"context"
	"sort"
	"sync"

	"github.com/jacktea/shardian/pkg/manifest"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// Entry summarises an indexed manifest.
type Entry struct {
	FileID    string
	FileName  string
	FileSize  uint64
	ChunkSize uint64
	Chunks    int
	Encrypted bool
}

// EntryOf summarises m.
func EntryOf(m *manifest.FileManifest) Entry {
	return Entry{
		FileID:    m.FileID,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		ChunkSize: m.ChunkSize,
		Chunks:    len(m.Chunks),
		Encrypted: m.Encrypted(),
	}
}

// Store persists manifests keyed by file ID together with chunk refcounts.
type Store interface {
	Put(ctx context.Context, m *manifest.FileManifest) error
	Get(ctx context.Context, fileID string) (*manifest.FileManifest, error)
	// List returns entries sorted by file ID.
	List(ctx context.Context) ([]Entry, error)
	// Delete removes a manifest and returns it. Chunk refcounts are left untouched.
	Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error)

	IncRef(ctx context.Context, chunkID string, delta int) (int, error)
	Refs(ctx context.Context, chunkID string) (int, error)
	DecideGC(ctx context.Context, chunkID string, refs int) error
	ListZeroRef(ctx context.Context, limit int) ([]string, error)
	MarkGCComplete(ctx context.Context, chunkID string) error

	Begin(ctx context.Context) (Txn, error)
}

// Txn enables atomic index updates.
type Txn interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

func notFound(op, fileID string) error {
	return xerrors.E(xerrors.KindNotFound, op, fileID)
}

// MemoryStore is a simple in-memory implementation for tests. Its transactions apply
// writes immediately.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string]*manifest.FileManifest
	chunks    map[string]int
	pendingGC map[string]struct{}
}

// NewMemoryStore creates an empty index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[string]*manifest.FileManifest),
		chunks:    make(map[string]int),
		pendingGC: make(map[string]struct{}),
	}
}

func (m *MemoryStore) Put(ctx context.Context, fm *manifest.FileManifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[fm.FileID] = fm
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fm, ok := m.manifests[fileID]
	if !ok {
		return nil, notFound("index.get", fileID)
	}
	return fm, nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.manifests))
	for _, fm := range m.manifests {
		out = append(out, EntryOf(fm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileID < out[j].FileID })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fm, ok := m.manifests[fileID]
	if !ok {
		return nil, notFound("index.delete", fileID)
	}
	delete(m.manifests, fileID)
	return fm, nil
}

func (m *MemoryStore) IncRef(ctx context.Context, chunkID string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[chunkID] += delta
	if m.chunks[chunkID] <= 0 {
		delete(m.chunks, chunkID)
		return 0, nil
	}
	delete(m.pendingGC, chunkID)
	return m.chunks[chunkID], nil
}

func (m *MemoryStore) Refs(ctx context.Context, chunkID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chunks[chunkID], nil
}

func (m *MemoryStore) DecideGC(ctx context.Context, chunkID string, refs int) error {
	if refs > 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingGC[chunkID] = struct{}{}
	return nil
}

func (m *MemoryStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pendingGC))
	for chunkID := range m.pendingGC {
		out = append(out, chunkID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkGCComplete(ctx context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingGC, chunkID)
	return nil
}

func (m *MemoryStore) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{MemoryStore: m}, nil
}

type memTxn struct {
	*MemoryStore
}

func (t *memTxn) Begin(ctx context.Context) (Txn, error) { return t, nil }
func (t *memTxn) Commit(ctx context.Context) error       { return nil }
func (t *memTxn) Rollback(ctx context.Context) error     { return nil }
