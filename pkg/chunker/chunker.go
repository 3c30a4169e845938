// Package chunker splits files into fixed-size chunks, fingerprints them with a
// SHA-256 Merkle tree and optionally seals every chunk with an AEAD.
//
// A Chunker is configured once and never mutated, so a single value may be shared by
// concurrent pipelines.
package chunker

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"go.uber.org/zap"

	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// Options controls chunker behaviour.
type Options struct {
	// Key enables EncryptChunk, DecryptChunk and the encrypted ProcessFile output.
	Key *encryption.Key
	// Method selects the AEAD (default aes-256-gcm).
	Method encryption.Method
	// Rand supplies nonces (default crypto/rand.Reader).
	Rand io.Reader
	// Concurrency bounds the per-chunk worker pool (default GOMAXPROCS, 1 is sequential).
	Concurrency int
	// FS is used for every file access (default the host filesystem).
	FS     billy.Filesystem
	Logger *zap.Logger
}

// Chunker holds immutable chunking and encryption configuration.
type Chunker struct {
	chunkSize   int
	aead        cipher.AEAD
	method      encryption.Method
	rand        *lockedReader
	concurrency int
	fs          billy.Filesystem
	log         *zap.Logger
}

// EncryptedChunk is one sealed chunk. Ciphertext carries the authentication tag.
type EncryptedChunk struct {
	Index      uint64
	Nonce      Nonce
	Ciphertext []byte
}

// OutputKind discriminates ProcessOutput.
type OutputKind int

const (
	OutputRaw OutputKind = iota
	OutputEncrypted
)

func (k OutputKind) String() string {
	if k == OutputEncrypted {
		return "encrypted"
	}
	return "raw"
}

// ProcessOutput is the result of ProcessFile. Chunks and Hashes are set for OutputRaw,
// Encrypted for OutputEncrypted.
type ProcessOutput struct {
	Kind      OutputKind
	Chunks    [][]byte
	Hashes    []Digest
	Encrypted []EncryptedChunk
}

// Len returns the number of chunks in the output.
func (o *ProcessOutput) Len() int {
	if o.Kind == OutputEncrypted {
		return len(o.Encrypted)
	}
	return len(o.Chunks)
}

// New builds a Chunker. It panics when chunkSize is not positive or when a key is given
// with an unsupported method; both are programming errors that precede any I/O.
func New(chunkSize int, opts Options) *Chunker {
	if chunkSize <= 0 {
		panic(fmt.Sprintf("chunker: chunk size must be positive, got %d", chunkSize))
	}
	c := &Chunker{
		chunkSize:   chunkSize,
		method:      opts.Method,
		concurrency: opts.Concurrency,
		fs:          opts.FS,
		log:         opts.Logger,
	}
	if c.method == "" {
		c.method = encryption.MethodAES256GCM
	}
	if c.concurrency <= 0 {
		c.concurrency = runtime.GOMAXPROCS(0)
	}
	if c.fs == nil {
		c.fs = osfs.New("")
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	src := opts.Rand
	if src == nil {
		src = rand.Reader
	}
	c.rand = &lockedReader{r: src}
	if opts.Key != nil {
		aead, err := encryption.NewAEAD(c.method, *opts.Key)
		if err != nil {
			panic("chunker: " + err.Error())
		}
		c.aead = aead
	}
	return c
}

// ChunkSize returns the configured chunk size in bytes.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Encrypted reports whether a key was configured.
func (c *Chunker) Encrypted() bool { return c.aead != nil }

// Method returns the configured AEAD method.
func (c *Chunker) Method() encryption.Method { return c.method }

// Filesystem returns the filesystem used for reads.
func (c *Chunker) Filesystem() billy.Filesystem { return c.fs }

// Stat returns file metadata for path.
func (c *Chunker) Stat(path string) (os.FileInfo, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return nil, xerrors.IO("stat", path, err)
	}
	return info, nil
}

// Split reads path in ChunkSize pieces. The final chunk may be shorter and an empty file
// yields no chunks. Nothing is returned on failure.
func (c *Chunker) Split(ctx context.Context, path string) ([][]byte, error) {
	info, err := c.fs.Stat(path)
	if err != nil {
		return nil, xerrors.IO("split.stat", path, err)
	}
	f, err := c.fs.Open(path)
	if err != nil {
		return nil, xerrors.IO("split.open", path, err)
	}
	defer f.Close()

	chunks, err := c.split(ctx, f, info.Size())
	if err != nil {
		var e *xerrors.Error
		if errors.As(err, &e) && e.Path == "" {
			e.Path = path
		}
		return nil, err
	}
	c.log.Debug("split file",
		zap.String("path", path),
		zap.Int("chunks", len(chunks)),
		zap.Int("chunk_size", c.chunkSize))
	return chunks, nil
}

// SplitReader is Split over an arbitrary reader.
func (c *Chunker) SplitReader(ctx context.Context, r io.Reader) ([][]byte, error) {
	return c.split(ctx, r, -1)
}

// split reads r until EOF. remaining is the expected byte count, or negative when
// unknown; it only sizes allocations, so a reader that yields more is still consumed.
func (c *Chunker) split(ctx context.Context, r io.Reader, remaining int64) ([][]byte, error) {
	chunks := make([][]byte, 0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.KindCanceled, "split", "", err)
		}
		hint := c.chunkSize
		switch {
		case remaining >= 0 && remaining < int64(hint):
			hint = int(remaining)
		case remaining < 0 && hint > growStep:
			hint = growStep
		}
		buf, err := readChunk(r, c.chunkSize, hint)
		if err != nil && err != io.EOF {
			return nil, xerrors.IO("split.read", "", err)
		}
		if len(buf) > 0 {
			chunks = append(chunks, buf)
			if remaining >= 0 {
				remaining = max(remaining-int64(len(buf)), 0)
			}
		}
		if err == io.EOF {
			return chunks, nil
		}
	}
}

const growStep = 64 << 10

// readChunk reads up to size bytes. The first allocation holds hint bytes and grows only
// once r proves to have more. It returns io.EOF when r ended before size bytes.
func readChunk(r io.Reader, size, hint int) ([]byte, error) {
	buf := make([]byte, 0, hint)
	var one [1]byte
	for len(buf) < size {
		var n int
		var err error
		if len(buf) == cap(buf) {
			n, err = r.Read(one[:])
			if n > 0 {
				grown := make([]byte, len(buf), min(size, max(2*cap(buf), growStep)))
				copy(grown, buf)
				buf = append(grown, one[0])
			}
		} else {
			n, err = r.Read(buf[len(buf):cap(buf)])
			buf = buf[:len(buf)+n]
		}
		if err != nil {
			return buf, err
		}
	}
	return buf, nil
}

// EncryptChunk seals chunk under a fresh random nonce with no associated data.
func (c *Chunker) EncryptChunk(index uint64, chunk []byte) (EncryptedChunk, error) {
	if c.aead == nil {
		return EncryptedChunk{}, xerrors.Wrap(xerrors.KindNoKey, "encrypt", chunkName(index), xerrors.ErrNoKey)
	}
	var nonce Nonce
	if err := c.rand.fill(nonce[:]); err != nil {
		return EncryptedChunk{}, xerrors.Wrap(xerrors.KindInternal, "encrypt.nonce", chunkName(index), err)
	}
	return EncryptedChunk{
		Index:      index,
		Nonce:      nonce,
		Ciphertext: c.aead.Seal(nil, nonce[:], chunk, nil),
	}, nil
}

// DecryptChunk opens enc. A failed tag check returns a KindAuth error and no plaintext.
func (c *Chunker) DecryptChunk(enc EncryptedChunk) ([]byte, error) {
	if c.aead == nil {
		return nil, xerrors.Wrap(xerrors.KindNoKey, "decrypt", chunkName(enc.Index), xerrors.ErrNoKey)
	}
	plaintext, err := c.aead.Open(nil, enc.Nonce[:], enc.Ciphertext, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindAuth, "decrypt", chunkName(enc.Index),
			fmt.Errorf("%w under %s (wrong key or method)", xerrors.ErrAuthFailed, c.method))
	}
	return plaintext, nil
}

// HashChunks hashes every chunk on the worker pool and returns digests in chunk order.
func (c *Chunker) HashChunks(ctx context.Context, chunks [][]byte) ([]Digest, error) {
	hashes := make([]Digest, len(chunks))
	err := forEach(ctx, c.concurrency, len(chunks), func(i int) error {
		hashes[i] = Hash(chunks[i])
		return nil
	})
	if err != nil {
		return nil, poolError("hash", err)
	}
	return hashes, nil
}

// EncryptChunks seals every chunk on the worker pool. Chunk i gets Index i.
func (c *Chunker) EncryptChunks(ctx context.Context, chunks [][]byte) ([]EncryptedChunk, error) {
	if c.aead == nil {
		return nil, xerrors.Wrap(xerrors.KindNoKey, "encrypt", "", xerrors.ErrNoKey)
	}
	out := make([]EncryptedChunk, len(chunks))
	err := forEach(ctx, c.concurrency, len(chunks), func(i int) error {
		enc, err := c.EncryptChunk(uint64(i), chunks[i])
		if err != nil {
			return err
		}
		out[i] = enc
		return nil
	})
	if err != nil {
		return nil, poolError("encrypt", err)
	}
	return out, nil
}

// ProcessFile splits path, then encrypts every chunk when a key is configured or hashes
// every chunk otherwise.
func (c *Chunker) ProcessFile(ctx context.Context, path string) (*ProcessOutput, error) {
	start := time.Now()
	chunks, err := c.Split(ctx, path)
	if err != nil {
		return nil, err
	}

	out := &ProcessOutput{}
	if c.aead != nil {
		out.Kind = OutputEncrypted
		out.Encrypted, err = c.EncryptChunks(ctx, chunks)
	} else {
		out.Kind = OutputRaw
		out.Chunks = chunks
		out.Hashes, err = c.HashChunks(ctx, chunks)
	}
	if err != nil {
		return nil, err
	}
	c.log.Debug("processed file",
		zap.String("path", path),
		zap.Stringer("output", out.Kind),
		zap.Int("chunks", out.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func chunkName(index uint64) string {
	return fmt.Sprintf("chunk %d", index)
}

func poolError(op string, err error) error {
	var e *xerrors.Error
	if errors.As(err, &e) {
		return err
	}
	if xerrors.KindOf(err) == xerrors.KindCanceled {
		return xerrors.Wrap(xerrors.KindCanceled, op, "", err)
	}
	return xerrors.Wrap(xerrors.KindInternal, op, "", err)
}

// lockedReader serialises nonce reads so callers may supply non-threadsafe sources.
type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) fill(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.ReadFull(l.r, p)
	return err
}
