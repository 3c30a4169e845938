package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/jacktea/shardian/pkg/xerrors"
)

// ID is the content address of a stored chunk: the lowercase hex SHA-256 of its bytes.
// It equals the hash recorded for the chunk in its manifest.
type ID string

// Store is the minimal interface required by higher layers.
type Store interface {
	Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error)
	Get(ctx context.Context, id ID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
}

// PutOptions controls blob persistence.
type PutOptions struct {
	// Checksum, when set, is the ID the content must hash to. A mismatch is rejected
	// with KindCorrupt and nothing is stored.
	Checksum ID
}

// Hasher returns a helper for deterministic shard IDs.
func Hasher() hash.Hash {
	return sha256.New()
}

// IDOf returns the ID of data.
func IDOf(data []byte) ID {
	sum := sha256.Sum256(data)
	return ID(hex.EncodeToString(sum[:]))
}

// Validate rejects anything that is not 64 lowercase hex characters, which also keeps
// IDs from escaping a store's root.
func (id ID) Validate() error {
	if len(id) != 2*sha256.Size {
		return xerrors.Wrap(xerrors.KindInvalid, "blob.id", string(id), fmt.Errorf("length %d", len(id)))
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return xerrors.Wrap(xerrors.KindInvalid, "blob.id", string(id), fmt.Errorf("unexpected %q", r))
		}
	}
	return nil
}

func checkSum(id ID, opts PutOptions) error {
	if opts.Checksum == "" || opts.Checksum == id {
		return nil
	}
	return xerrors.Wrap(xerrors.KindCorrupt, "blob.put", string(opts.Checksum),
		fmt.Errorf("%w: content hashes to %s", xerrors.ErrCorrupt, id))
}
