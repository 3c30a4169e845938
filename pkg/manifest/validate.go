package manifest

import (
	"fmt"
	"math"

	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// ExpectedChunks returns ceil(fileSize / chunkSize), or 0 for an empty file.
func ExpectedChunks(fileSize, chunkSize uint64) uint64 {
	if fileSize == 0 || chunkSize == 0 {
		return 0
	}
	n := fileSize / chunkSize
	if fileSize%chunkSize != 0 {
		n++
	}
	return n
}

// Validate checks the manifest's internal consistency. It does not read any file.
func (m *FileManifest) Validate() error {
	if m.ChunkSize == 0 {
		return m.invalid("chunk size is zero")
	}
	if m.ChunkSize > math.MaxInt {
		return m.invalid("chunk size %d exceeds %d", m.ChunkSize, math.MaxInt)
	}
	if m.FileID != m.MerkleRoot.String() {
		return m.invalid("file id %s does not match merkle root %s", m.FileID, m.MerkleRoot)
	}
	if want := ExpectedChunks(m.FileSize, m.ChunkSize); uint64(len(m.Chunks)) != want {
		return m.invalid("%d chunks for %d bytes at chunk size %d, want %d",
			len(m.Chunks), m.FileSize, m.ChunkSize, want)
	}

	encrypted := m.Encrypted()
	var total uint64
	for i, ch := range m.Chunks {
		if ch.Index != uint64(i) {
			return m.invalid("chunk at position %d has index %d", i, ch.Index)
		}
		if (ch.Nonce != nil) != encrypted {
			return m.invalid("chunk %d: nonces must be present on all chunks or none", i)
		}
		plain := ch.Size
		if encrypted {
			if ch.Size < encryption.Overhead {
				return m.invalid("chunk %d: size %d shorter than the authentication tag", i, ch.Size)
			}
			plain -= encryption.Overhead
		}
		if plain > m.ChunkSize {
			return m.invalid("chunk %d: size %d exceeds chunk size %d", i, plain, m.ChunkSize)
		}
		if plain > math.MaxUint64-total {
			return m.invalid("chunk sizes overflow at chunk %d", i)
		}
		total += plain
	}
	if total != m.FileSize {
		return m.invalid("chunk sizes sum to %d, file size is %d", total, m.FileSize)
	}

	if root := chunker.MerkleRootOf(m.Hashes()); root != m.MerkleRoot {
		return m.invalid("merkle root %s does not match chunk hashes (%s)", m.MerkleRoot, root)
	}
	return nil
}

func (m *FileManifest) invalid(format string, args ...any) error {
	return xerrors.Wrap(xerrors.KindInvalid, "manifest.validate", m.FileName, fmt.Errorf(format, args...))
}
