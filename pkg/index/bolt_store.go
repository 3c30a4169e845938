package index

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/shardian/pkg/manifest"
	"github.com/jacktea/shardian/pkg/xerrors"
)

var (
	bucketManifests = []byte("manifests")
	bucketChunks    = []byte("chunks")
	bucketGCQueue   = []byte("gc_queue")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists the index in BoltDB. Manifests are stored in deterministic CBOR.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore opens or creates the index at cfg.Path.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "boltdb", "", errors.New("path is required"))
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, xerrors.IO("boltdb.mkdir", cfg.Path, err)
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, xerrors.IO("boltdb.open", cfg.Path, err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketManifests, bucketChunks, bucketGCQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
}

// view and update run fn against a transaction-scoped txn so the single-call methods and
// Begin share one implementation.
func (b *BoltStore) view(fn func(t *boltTxn) error) error {
	return b.db.View(func(tx *bolt.Tx) error { return fn(&boltTxn{store: b, tx: tx}) })
}

func (b *BoltStore) update(fn func(t *boltTxn) error) error {
	return b.db.Update(func(tx *bolt.Tx) error { return fn(&boltTxn{store: b, tx: tx}) })
}

func (b *BoltStore) Put(ctx context.Context, m *manifest.FileManifest) error {
	return b.update(func(t *boltTxn) error { return t.Put(ctx, m) })
}

func (b *BoltStore) Get(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	var m *manifest.FileManifest
	err := b.view(func(t *boltTxn) error {
		var err error
		m, err = t.Get(ctx, fileID)
		return err
	})
	return m, err
}

func (b *BoltStore) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := b.view(func(t *boltTxn) error {
		var err error
		out, err = t.List(ctx)
		return err
	})
	return out, err
}

func (b *BoltStore) Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	var m *manifest.FileManifest
	err := b.update(func(t *boltTxn) error {
		var err error
		m, err = t.Delete(ctx, fileID)
		return err
	})
	return m, err
}

func (b *BoltStore) IncRef(ctx context.Context, chunkID string, delta int) (int, error) {
	var refs int
	err := b.update(func(t *boltTxn) error {
		var err error
		refs, err = t.IncRef(ctx, chunkID, delta)
		return err
	})
	return refs, err
}

func (b *BoltStore) Refs(ctx context.Context, chunkID string) (int, error) {
	var refs int
	err := b.view(func(t *boltTxn) error {
		var err error
		refs, err = t.Refs(ctx, chunkID)
		return err
	})
	return refs, err
}

func (b *BoltStore) DecideGC(ctx context.Context, chunkID string, refs int) error {
	if refs > 0 {
		return nil
	}
	return b.update(func(t *boltTxn) error { return t.DecideGC(ctx, chunkID, refs) })
}

func (b *BoltStore) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := b.view(func(t *boltTxn) error {
		var err error
		out, err = t.ListZeroRef(ctx, limit)
		return err
	})
	return out, err
}

func (b *BoltStore) MarkGCComplete(ctx context.Context, chunkID string) error {
	return b.update(func(t *boltTxn) error { return t.MarkGCComplete(ctx, chunkID) })
}

func (b *BoltStore) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, xerrors.IO("boltdb.begin", b.cfg.Path, err)
	}
	return &boltTxn{store: b, tx: tx}, nil
}

// Close releases the underlying BoltDB.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

type boltTxn struct {
	store  *BoltStore
	tx     *bolt.Tx
	closed bool
}

func (t *boltTxn) Put(ctx context.Context, m *manifest.FileManifest) error {
	data, err := manifest.Marshal(m, manifest.FormatCBOR)
	if err != nil {
		return err
	}
	return t.tx.Bucket(bucketManifests).Put([]byte(m.FileID), data)
}

func (t *boltTxn) Get(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	data := t.tx.Bucket(bucketManifests).Get([]byte(fileID))
	if data == nil {
		return nil, notFound("index.get", fileID)
	}
	return manifest.Unmarshal(data, manifest.FormatCBOR)
}

func (t *boltTxn) List(ctx context.Context) ([]Entry, error) {
	out := []Entry{}
	err := t.tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
		m, err := manifest.Unmarshal(v, manifest.FormatCBOR)
		if err != nil {
			return fmt.Errorf("boltdb: decode %s: %w", k, err)
		}
		out = append(out, EntryOf(m))
		return nil
	})
	return out, err
}

func (t *boltTxn) Delete(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	m, err := t.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := t.tx.Bucket(bucketManifests).Delete([]byte(fileID)); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *boltTxn) IncRef(ctx context.Context, chunkID string, delta int) (int, error) {
	bkt := t.tx.Bucket(bucketChunks)
	key := []byte(chunkID)
	cur := decodeInt(bkt.Get(key)) + delta
	if cur <= 0 {
		return 0, bkt.Delete(key)
	}
	if err := bkt.Put(key, encodeInt(cur)); err != nil {
		return 0, err
	}
	if err := t.tx.Bucket(bucketGCQueue).Delete(key); err != nil {
		return 0, err
	}
	return cur, nil
}

func (t *boltTxn) Refs(ctx context.Context, chunkID string) (int, error) {
	return decodeInt(t.tx.Bucket(bucketChunks).Get([]byte(chunkID))), nil
}

func (t *boltTxn) DecideGC(ctx context.Context, chunkID string, refs int) error {
	if refs > 0 {
		return nil
	}
	return t.tx.Bucket(bucketGCQueue).Put([]byte(chunkID), []byte{})
}

func (t *boltTxn) ListZeroRef(ctx context.Context, limit int) ([]string, error) {
	out := []string{}
	c := t.tx.Bucket(bucketGCQueue).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		out = append(out, string(k))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *boltTxn) MarkGCComplete(ctx context.Context, chunkID string) error {
	return t.tx.Bucket(bucketGCQueue).Delete([]byte(chunkID))
}

func (t *boltTxn) Begin(ctx context.Context) (Txn, error) {
	return nil, errors.New("boltdb: nested transactions not supported")
}

func (t *boltTxn) Commit(ctx context.Context) error {
	if t.closed {
		return errors.New("boltdb: transaction already closed")
	}
	t.closed = true
	return t.tx.Commit()
}

func (t *boltTxn) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.tx.Rollback()
}

func encodeInt(v int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(int64(v)))
	return buf
}

func decodeInt(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(int64(binary.BigEndian.Uint64(b)))
}
