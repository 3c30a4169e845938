package manifest

import (
	"context"
	"fmt"

	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/xerrors"
)

// Verify re-chunks path with c and checks it against m. c must use m's chunk size.
// Mismatches are KindCorrupt errors naming the first differing chunk.
//
// Encrypted manifests cannot be re-derived from plaintext because their nonces are
// random; Verify rejects them with KindInvalid.
func Verify(ctx context.Context, c *chunker.Chunker, path string, m *FileManifest) error {
	const op = "manifest.verify"
	if m.Encrypted() {
		return xerrors.Wrap(xerrors.KindInvalid, op, path,
			fmt.Errorf("manifest %s is encrypted", m.FileID))
	}
	if uint64(c.ChunkSize()) != m.ChunkSize {
		return xerrors.Wrap(xerrors.KindInvalid, op, path,
			fmt.Errorf("chunker size %d does not match manifest chunk size %d", c.ChunkSize(), m.ChunkSize))
	}
	if err := m.Validate(); err != nil {
		return err
	}

	got, err := NewBuilder(c).FromPlainFile(ctx, path)
	if err != nil {
		return err
	}
	if got.FileSize != m.FileSize {
		return corrupt(path, fmt.Errorf("file size %d, manifest says %d", got.FileSize, m.FileSize))
	}
	n := len(got.Chunks)
	if len(m.Chunks) < n {
		n = len(m.Chunks)
	}
	for i := 0; i < n; i++ {
		if got.Chunks[i].Hash != m.Chunks[i].Hash || got.Chunks[i].Size != m.Chunks[i].Size {
			return corrupt(path, fmt.Errorf("chunk %d: hash %s, manifest says %s",
				i, got.Chunks[i].Hash, m.Chunks[i].Hash))
		}
	}
	if len(got.Chunks) != len(m.Chunks) {
		return corrupt(path, fmt.Errorf("%d chunks, manifest says %d", len(got.Chunks), len(m.Chunks)))
	}
	if got.MerkleRoot != m.MerkleRoot {
		return corrupt(path, fmt.Errorf("merkle root %s, manifest says %s", got.MerkleRoot, m.MerkleRoot))
	}
	return nil
}

func corrupt(path string, err error) error {
	return xerrors.Wrap(xerrors.KindCorrupt, "manifest.verify", path, fmt.Errorf("%w: %v", xerrors.ErrCorrupt, err))
}
