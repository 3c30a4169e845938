package sharder

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"

	"github.com/jacktea/shardian/pkg/blob"
	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/gc"
	"github.com/jacktea/shardian/pkg/index"
	"github.com/jacktea/shardian/pkg/xerrors"
)

type sliceWriter struct {
	mu  sync.Mutex
	buf []byte
}

func newSliceWriter(size int) *sliceWriter {
	return &sliceWriter{buf: make([]byte, size)}
}

func (s *sliceWriter) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := int(off) + len(p)
	if end > len(s.buf) {
		expanded := make([]byte, end)
		copy(expanded, s.buf)
		s.buf = expanded
	}
	copy(s.buf[int(off):end], p)
	return len(p), nil
}

func (s *sliceWriter) Bytes() []byte {
	return s.buf
}

func testKey(b byte) *encryption.Key {
	var key encryption.Key
	for i := range key {
		key[i] = b
	}
	return &key
}

func setup(t *testing.T, files map[string][]byte, opts chunker.Options) (*Sharder, *blob.MemoryStore, *index.MemoryStore) {
	t.Helper()
	fs := memfs.New()
	for name, data := range files {
		if err := util.WriteFile(fs, name, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	opts.FS = fs
	blobs := blob.NewMemoryStore()
	idx := index.NewMemoryStore()
	return New(chunker.New(1024, opts), blobs, idx, Options{Concurrency: 4}), blobs, idx
}

func TestStoreRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("concurrent-data"), 1<<12)
	for name, opts := range map[string]chunker.Options{
		"raw":       {},
		"encrypted": {Key: testKey(0x5a)},
		"chacha":    {Key: testKey(0x5a), Method: encryption.MethodChaCha20Poly1305},
	} {
		t.Run(name, func(t *testing.T) {
			s, blobs, _ := setup(t, map[string][]byte{"data.bin": payload}, opts)
			m, err := s.Store(ctx, "data.bin")
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			if m.FileSize != uint64(len(payload)) || blobs.Len() == 0 {
				t.Fatalf("unexpected manifest %+v with %d blobs", m.FileSize, blobs.Len())
			}
			if m.Encrypted() != (opts.Key != nil) {
				t.Fatalf("encrypted=%v with key=%v", m.Encrypted(), opts.Key != nil)
			}
			writer := newSliceWriter(0)
			if _, err := s.Restore(ctx, m.FileID, writer); err != nil {
				t.Fatalf("restore: %v", err)
			}
			if !bytes.Equal(writer.Bytes(), payload) {
				t.Fatalf("round trip mismatch")
			}
		})
	}
}

func TestStoreIsIdempotentForRawFiles(t *testing.T) {
	ctx := context.Background()
	s, _, idx := setup(t, map[string][]byte{"a": bytes.Repeat([]byte{1}, 3000)}, chunker.Options{})
	first, err := s.Store(ctx, "a")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	second, err := s.Store(ctx, "a")
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if first.FileID != second.FileID {
		t.Fatalf("file id changed: %s vs %s", first.FileID, second.FileID)
	}
	// chunks 0 and 1 are identical full chunks
	if refs, _ := idx.Refs(ctx, first.Chunks[0].Hash.String()); refs != 2 {
		t.Fatalf("expected 2 refs for the repeated chunk, got %d", refs)
	}
	if refs, _ := idx.Refs(ctx, first.Chunks[2].Hash.String()); refs != 1 {
		t.Fatalf("expected 1 ref for the tail chunk, got %d", refs)
	}
}

func TestRestoreDetectsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("abcdefgh"), 512)
	for name, opts := range map[string]chunker.Options{"raw": {}, "encrypted": {Key: testKey(7)}} {
		t.Run(name, func(t *testing.T) {
			s, blobs, _ := setup(t, map[string][]byte{"f": payload}, opts)
			m, err := s.Store(ctx, "f")
			if err != nil {
				t.Fatalf("store: %v", err)
			}
			id := blob.ID(m.Chunks[1].Hash.String())
			blobs.Corrupt(id, []byte("tampered"))

			_, err = s.Restore(ctx, m.FileID, newSliceWriter(0))
			if !xerrors.Is(err, xerrors.KindCorrupt) {
				t.Fatalf("expected corrupt, got %v", err)
			}
		})
	}
}

func TestRestoreEncryptedNeedsKey(t *testing.T) {
	ctx := context.Background()
	files := map[string][]byte{"secret": []byte("top secret payload")}
	s, blobs, idx := setup(t, files, chunker.Options{Key: testKey(1)})
	m, err := s.Store(ctx, "secret")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	keyless := New(chunker.New(1024, chunker.Options{}), blobs, idx, Options{})
	if _, err := keyless.Restore(ctx, m.FileID, newSliceWriter(0)); !xerrors.Is(err, xerrors.KindNoKey) {
		t.Fatalf("expected no key, got %v", err)
	}
	wrongKey := New(chunker.New(1024, chunker.Options{Key: testKey(2)}), blobs, idx, Options{})
	if _, err := wrongKey.Restore(ctx, m.FileID, newSliceWriter(0)); !xerrors.Is(err, xerrors.KindAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestRestoreWithWrongMethodNamesMethod(t *testing.T) {
	ctx := context.Background()
	files := map[string][]byte{"chacha": bytes.Repeat([]byte("stream"), 300)}
	s, blobs, idx := setup(t, files, chunker.Options{Key: testKey(6), Method: encryption.MethodChaCha20Poly1305})
	m, err := s.Store(ctx, "chacha")
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	aes := New(chunker.New(1024, chunker.Options{Key: testKey(6)}), blobs, idx, Options{})
	_, err = aes.Restore(ctx, m.FileID, newSliceWriter(0))
	if !xerrors.Is(err, xerrors.KindAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if !strings.Contains(err.Error(), string(encryption.MethodAES256GCM)) {
		t.Fatalf("auth failure does not name the method: %v", err)
	}

	chacha := New(chunker.New(1024, chunker.Options{Key: testKey(6), Method: encryption.MethodChaCha20Poly1305}), blobs, idx, Options{})
	writer := newSliceWriter(0)
	if _, err := chacha.Restore(ctx, m.FileID, writer); err != nil {
		t.Fatalf("restore with matching method: %v", err)
	}
	if !bytes.Equal(writer.Bytes(), files["chacha"]) {
		t.Fatalf("round trip mismatch")
	}
}

func TestRestoreUnknownFile(t *testing.T) {
	s, _, _ := setup(t, nil, chunker.Options{})
	if _, err := s.Restore(context.Background(), "missing", newSliceWriter(0)); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveThenSweepKeepsSharedChunks(t *testing.T) {
	ctx := context.Background()
	shared := bytes.Repeat([]byte{9}, 1024)
	files := map[string][]byte{
		"one": append(append([]byte(nil), shared...), []byte("tail-one")...),
		"two": append(append([]byte(nil), shared...), []byte("tail-two")...),
	}
	s, blobs, idx := setup(t, files, chunker.Options{})
	one, err := s.Store(ctx, "one")
	if err != nil {
		t.Fatalf("store one: %v", err)
	}
	two, err := s.Store(ctx, "two")
	if err != nil {
		t.Fatalf("store two: %v", err)
	}
	if blobs.Len() != 3 {
		t.Fatalf("expected 3 distinct blobs, got %d", blobs.Len())
	}

	if _, err := s.Remove(ctx, one.FileID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Remove(ctx, one.FileID); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
	deleted, err := gc.NewSweeper(gc.Options{Store: idx, Blob: blobs}).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 || blobs.Len() != 2 {
		t.Fatalf("expected only the unshared tail deleted, deleted=%d remaining=%d", deleted, blobs.Len())
	}

	writer := newSliceWriter(0)
	if _, err := s.Restore(ctx, two.FileID, writer); err != nil {
		t.Fatalf("restore survivor: %v", err)
	}
	if !bytes.Equal(writer.Bytes(), files["two"]) {
		t.Fatalf("survivor content mismatch")
	}
	if ok, _ := s.Exists(ctx, one.FileID); ok {
		t.Fatalf("removed file still indexed")
	}
}

func TestRestoreFileOnDisk(t *testing.T) {
	ctx := context.Background()
	payload := bytes.Repeat([]byte("disk"), 700)
	s, _, _ := setup(t, map[string][]byte{"src": payload, "empty": nil}, chunker.Options{Key: testKey(3)})

	for name, want := range map[string][]byte{"src": payload, "empty": {}} {
		m, err := s.Store(ctx, name)
		if err != nil {
			t.Fatalf("store %s: %v", name, err)
		}
		dest := filepath.Join(t.TempDir(), "out", name)
		if _, err := s.RestoreFile(ctx, m.FileID, dest); err != nil {
			t.Fatalf("restore %s: %v", name, err)
		}
		got, err := os.ReadFile(dest)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("%s: restored %d bytes, want %d", name, len(got), len(want))
		}
		entries, _ := os.ReadDir(filepath.Dir(dest))
		if len(entries) != 1 {
			t.Fatalf("temporary files left behind: %v", entries)
		}
	}
}

func TestStoreWithPathStoreAndBolt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	blobs, err := blob.NewPathStore(filepath.Join(dir, "chunks"))
	if err != nil {
		t.Fatalf("path store: %v", err)
	}
	idx, err := index.NewBoltStore(index.BoltConfig{Path: filepath.Join(dir, "index.db")})
	if err != nil {
		t.Fatalf("bolt: %v", err)
	}
	defer idx.Close()

	src := filepath.Join(dir, "input.bin")
	payload := bytes.Repeat([]byte("on-disk-stack"), 900)
	if err := os.WriteFile(src, payload, 0o600); err != nil {
		t.Fatalf("write input: %v", err)
	}
	s := New(chunker.New(4096, chunker.Options{Key: testKey(4)}), blobs, index.NewCachedStore(idx, 16, 0), Options{})
	m, err := s.Store(ctx, src)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	writer := newSliceWriter(len(payload))
	if _, err := s.Restore(ctx, m.FileID, writer); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !bytes.Equal(writer.Bytes(), payload) {
		t.Fatalf("round trip mismatch")
	}
}
