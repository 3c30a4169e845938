// Package manifest describes a chunked file: its identity, size, chunking parameters,
// Merkle root and per-chunk metadata.
package manifest

import (
	"context"
	"path/filepath"

	billy "github.com/go-git/go-billy/v5"

	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// ChunkMetadata describes one chunk. Size is the length of the hashed bytes, which is
// the ciphertext length for encrypted chunks. Nonce is nil for plaintext manifests.
type ChunkMetadata struct {
	Index uint64         `json:"index"`
	Hash  chunker.Digest `json:"hash"`
	Size  uint64         `json:"size"`
	Nonce *chunker.Nonce `json:"nonce,omitempty"`
}

// FileManifest is the serializable description of a chunked file.
type FileManifest struct {
	FileID     string          `json:"file_id"`
	FileName   string          `json:"file_name"`
	FileSize   uint64          `json:"file_size"`
	ChunkSize  uint64          `json:"chunk_size"`
	MerkleRoot chunker.Digest  `json:"merkle_root"`
	Chunks     []ChunkMetadata `json:"chunks"`
}

// New assembles a manifest and derives FileID from root.
func New(fileName string, fileSize, chunkSize uint64, root chunker.Digest, chunks []ChunkMetadata) *FileManifest {
	if chunks == nil {
		chunks = []ChunkMetadata{}
	}
	return &FileManifest{
		FileID:     root.String(),
		FileName:   fileName,
		FileSize:   fileSize,
		ChunkSize:  chunkSize,
		MerkleRoot: root,
		Chunks:     chunks,
	}
}

// Encrypted reports whether the chunks carry nonces.
func (m *FileManifest) Encrypted() bool {
	return len(m.Chunks) > 0 && m.Chunks[0].Nonce != nil
}

// Empty reports whether the manifest has no chunks. Its MerkleRoot is then
// chunker.EmptyRoot, which is a sentinel rather than a content hash.
func (m *FileManifest) Empty() bool {
	return len(m.Chunks) == 0
}

// Hashes returns the chunk hashes in manifest order.
func (m *FileManifest) Hashes() []chunker.Digest {
	out := make([]chunker.Digest, len(m.Chunks))
	for i, ch := range m.Chunks {
		out[i] = ch.Hash
	}
	return out
}

// Builder produces manifests from a chunker's output.
type Builder struct {
	c *chunker.Chunker
}

// NewBuilder returns a Builder reading through c's filesystem at c's chunk size.
func NewBuilder(c *chunker.Chunker) *Builder {
	return &Builder{c: c}
}

// FromPlainFile splits path and describes the plaintext chunks.
func (b *Builder) FromPlainFile(ctx context.Context, path string) (*FileManifest, error) {
	size, err := b.fileSize(path)
	if err != nil {
		return nil, err
	}
	chunks, err := b.c.Split(ctx, path)
	if err != nil {
		return nil, err
	}
	hashes, err := b.c.HashChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}
	return b.raw(path, size, chunks, hashes), nil
}

// FromEncryptedChunks describes chunks previously sealed from path. Chunk boundaries are
// not re-derived: chunks must be the complete ordered output of EncryptChunks or
// ProcessFile for that file.
func (b *Builder) FromEncryptedChunks(path string, chunks []chunker.EncryptedChunk) (*FileManifest, error) {
	size, err := b.fileSize(path)
	if err != nil {
		return nil, err
	}
	return b.encrypted(path, size, chunks), nil
}

// FromProcessOutput describes the result of ProcessFile(path), reusing precomputed hashes
// for raw output.
func (b *Builder) FromProcessOutput(path string, out *chunker.ProcessOutput) (*FileManifest, error) {
	if out == nil {
		return nil, xerrors.E(xerrors.KindInvalid, "manifest.build", path)
	}
	size, err := b.fileSize(path)
	if err != nil {
		return nil, err
	}
	if out.Kind == chunker.OutputEncrypted {
		return b.encrypted(path, size, out.Encrypted), nil
	}
	hashes := out.Hashes
	if len(hashes) != len(out.Chunks) {
		hashes = make([]chunker.Digest, len(out.Chunks))
		for i, chunk := range out.Chunks {
			hashes[i] = chunker.Hash(chunk)
		}
	}
	return b.raw(path, size, out.Chunks, hashes), nil
}

func (b *Builder) raw(path string, size uint64, chunks [][]byte, hashes []chunker.Digest) *FileManifest {
	meta := make([]ChunkMetadata, len(chunks))
	for i, chunk := range chunks {
		meta[i] = ChunkMetadata{
			Index: uint64(i),
			Hash:  hashes[i],
			Size:  uint64(len(chunk)),
		}
	}
	return New(filepath.Base(path), size, uint64(b.c.ChunkSize()), chunker.MerkleRootOf(hashes), meta)
}

func (b *Builder) encrypted(path string, size uint64, chunks []chunker.EncryptedChunk) *FileManifest {
	meta := make([]ChunkMetadata, len(chunks))
	hashes := make([]chunker.Digest, len(chunks))
	for i := range chunks {
		nonce := chunks[i].Nonce
		hashes[i] = chunker.Hash(chunks[i].Ciphertext)
		meta[i] = ChunkMetadata{
			Index: chunks[i].Index,
			Hash:  hashes[i],
			Size:  uint64(len(chunks[i].Ciphertext)),
			Nonce: &nonce,
		}
	}
	return New(filepath.Base(path), size, uint64(b.c.ChunkSize()), chunker.MerkleRootOf(hashes), meta)
}

func (b *Builder) fileSize(path string) (uint64, error) {
	info, err := b.c.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, xerrors.E(xerrors.KindInvalid, "manifest.stat", path)
	}
	return uint64(info.Size()), nil
}

// FromPlainFile builds a plaintext manifest for a file on the host filesystem.
func FromPlainFile(ctx context.Context, path string, chunkSize int) (*FileManifest, error) {
	return NewBuilder(chunker.New(chunkSize, chunker.Options{})).FromPlainFile(ctx, path)
}

// FromEncryptedChunks builds an encrypted manifest for a file on the host filesystem.
func FromEncryptedChunks(path string, chunkSize int, chunks []chunker.EncryptedChunk) (*FileManifest, error) {
	return NewBuilder(chunker.New(chunkSize, chunker.Options{})).FromEncryptedChunks(path, chunks)
}

// FromFS is FromPlainFile over an arbitrary billy filesystem.
func FromFS(ctx context.Context, fs billy.Filesystem, path string, chunkSize int) (*FileManifest, error) {
	return NewBuilder(chunker.New(chunkSize, chunker.Options{FS: fs})).FromPlainFile(ctx, path)
}
