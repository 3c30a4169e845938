// Package sharder stores chunked files in a blob store and restores them from their
// indexed manifests.
package sharder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/shardian/pkg/blob"
	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/index"
	"github.com/jacktea/shardian/pkg/manifest"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// Options controls store and restore behaviour.
type Options struct {
	// Concurrency bounds parallel blob reads and writes (default GOMAXPROCS).
	Concurrency int
	Logger      *zap.Logger
}

// Sharder ties a chunker to a blob store and a manifest index.
type Sharder struct {
	c           *chunker.Chunker
	blobs       blob.Store
	idx         index.Store
	concurrency int
	log         *zap.Logger
}

// New returns a Sharder.
func New(c *chunker.Chunker, blobs blob.Store, idx index.Store, opts Options) *Sharder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sharder{c: c, blobs: blobs, idx: idx, concurrency: opts.Concurrency, log: opts.Logger}
}

// Store chunks path, persists every chunk, then indexes the manifest and takes one
// reference per chunk in a single index transaction. Storing a file whose manifest is
// already indexed returns the existing manifest.
func (s *Sharder) Store(ctx context.Context, path string) (*manifest.FileManifest, error) {
	start := time.Now()
	out, err := s.c.ProcessFile(ctx, path)
	if err != nil {
		return nil, err
	}
	m, err := manifest.NewBuilder(s.c).FromProcessOutput(path, out)
	if err != nil {
		return nil, err
	}
	if existing, err := s.idx.Get(ctx, m.FileID); err == nil {
		s.log.Info("file already stored", zap.String("file_id", m.FileID), zap.String("path", path))
		return existing, nil
	} else if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, err
	}

	payload := func(i int) []byte {
		if out.Kind == chunker.OutputEncrypted {
			return out.Encrypted[i].Ciphertext
		}
		return out.Chunks[i]
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range m.Chunks {
		i := i
		g.Go(func() error {
			data := payload(i)
			want := blob.ID(m.Chunks[i].Hash.String())
			_, _, err := s.blobs.Put(gctx, bytes.NewReader(data), int64(len(data)), blob.PutOptions{Checksum: want})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		s.orphan(ctx, m)
		return nil, err
	}

	if err := s.index(ctx, m); err != nil {
		s.orphan(ctx, m)
		return nil, err
	}
	s.log.Info("stored file",
		zap.String("file_id", m.FileID),
		zap.String("path", path),
		zap.Uint64("size", m.FileSize),
		zap.Int("chunks", len(m.Chunks)),
		zap.Bool("encrypted", m.Encrypted()),
		zap.Duration("elapsed", time.Since(start)))
	return m, nil
}

func (s *Sharder) index(ctx context.Context, m *manifest.FileManifest) error {
	txn, err := s.idx.Begin(ctx)
	if err != nil {
		return err
	}
	if err := txn.Put(ctx, m); err != nil {
		txn.Rollback(ctx)
		return err
	}
	if err := (&index.RefTracker{Store: txn}).AddManifest(ctx, m); err != nil {
		txn.Rollback(ctx)
		return err
	}
	return txn.Commit(ctx)
}

// orphan queues chunks nobody references so the next sweep reclaims them.
func (s *Sharder) orphan(ctx context.Context, m *manifest.FileManifest) {
	for _, ch := range m.Chunks {
		id := ch.Hash.String()
		refs, err := s.idx.Refs(ctx, id)
		if err == nil && refs == 0 {
			err = s.idx.DecideGC(ctx, id, 0)
		}
		if err != nil {
			s.log.Warn("could not queue orphaned chunk", zap.String("chunk", id), zap.Error(err))
		}
	}
}

// Restore writes the plaintext of fileID into w at manifest offsets and returns the
// manifest.
// Every chunk is checked against its manifest hash before use; a mismatch is a
// KindCorrupt error. Encrypted manifests require a chunker with the key they were
// written under.
func (s *Sharder) Restore(ctx context.Context, fileID string, w io.WriterAt) (*manifest.FileManifest, error) {
	m, err := s.idx.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	encrypted := m.Encrypted()
	if encrypted && !s.c.Encrypted() {
		return nil, xerrors.Wrap(xerrors.KindNoKey, "restore", fileID, xerrors.ErrNoKey)
	}

	offsets := make([]int64, len(m.Chunks))
	var off int64
	for i, ch := range m.Chunks {
		offsets[i] = off
		off += int64(plainSize(ch, encrypted))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range m.Chunks {
		i := i
		g.Go(func() error {
			data, err := s.fetch(gctx, m.Chunks[i])
			if err != nil {
				return err
			}
			if _, err := w.WriteAt(data, offsets[i]); err != nil {
				return xerrors.IO("restore.write", fileID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !xerrors.Is(err, xerrors.KindCanceled) {
			return nil, xerrors.Wrap(xerrors.KindCanceled, "restore", fileID, ctx.Err())
		}
		return nil, err
	}
	s.log.Debug("restored file", zap.String("file_id", fileID), zap.Int64("bytes", off))
	return m, nil
}

func plainSize(ch manifest.ChunkMetadata, encrypted bool) uint64 {
	if encrypted {
		return ch.Size - encryption.Overhead
	}
	return ch.Size
}

func (s *Sharder) fetch(ctx context.Context, ch manifest.ChunkMetadata) ([]byte, error) {
	id := blob.ID(ch.Hash.String())
	rc, _, err := s.blobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, xerrors.IO("restore.read", string(id), err)
	}
	if got := chunker.Hash(data); got != ch.Hash {
		return nil, xerrors.Wrap(xerrors.KindCorrupt, "restore", fmt.Sprintf("chunk %d", ch.Index),
			fmt.Errorf("%w: stored bytes hash to %s", xerrors.ErrCorrupt, got))
	}
	if ch.Nonce == nil {
		return data, nil
	}
	return s.c.DecryptChunk(chunker.EncryptedChunk{Index: ch.Index, Nonce: *ch.Nonce, Ciphertext: data})
}

// RestoreFile restores fileID to dest on the host filesystem. dest is replaced only once
// every chunk has been written and verified.
func (s *Sharder) RestoreFile(ctx context.Context, fileID, dest string) (*manifest.FileManifest, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.IO("restore.mkdir", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".restore-*")
	if err != nil {
		return nil, xerrors.IO("restore.create", dest, err)
	}
	tmpName := tmp.Name()
	fail := func(err error) (*manifest.FileManifest, error) {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	m, err := s.Restore(ctx, fileID, tmp)
	if err != nil {
		return fail(err)
	}
	if err := tmp.Truncate(int64(m.FileSize)); err != nil {
		return fail(xerrors.IO("restore.truncate", dest, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(xerrors.IO("restore.sync", dest, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, xerrors.IO("restore.close", dest, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return nil, xerrors.IO("restore.rename", dest, err)
	}
	return m, nil
}

// Remove drops fileID from the index and releases its chunk references. Chunks that
// reach zero references are queued for the gc sweeper; no blob is deleted here.
func (s *Sharder) Remove(ctx context.Context, fileID string) (*manifest.FileManifest, error) {
	txn, err := s.idx.Begin(ctx)
	if err != nil {
		return nil, err
	}
	m, err := txn.Delete(ctx, fileID)
	if err != nil {
		txn.Rollback(ctx)
		return nil, err
	}
	if err := (&index.RefTracker{Store: txn}).ReleaseManifest(ctx, m); err != nil {
		txn.Rollback(ctx)
		return nil, err
	}
	if err := txn.Commit(ctx); err != nil {
		return nil, err
	}
	s.log.Info("removed file", zap.String("file_id", fileID), zap.Int("chunks", len(m.Chunks)))
	return m, nil
}

// Exists reports whether fileID is indexed.
func (s *Sharder) Exists(ctx context.Context, fileID string) (bool, error) {
	_, err := s.idx.Get(ctx, fileID)
	if err == nil {
		return true, nil
	}
	if xerrors.Is(err, xerrors.KindNotFound) {
		return false, nil
	}
	return false, err
}
