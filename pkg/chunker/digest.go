package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jacktea/shardian/pkg/encryption"
)

// DigestSize is the length of every chunk hash and Merkle node.
const DigestSize = sha256.Size

// Digest is a SHA-256 output used as chunk fingerprint, Merkle leaf and Merkle node.
type Digest [DigestSize]byte

// EmptyRoot is the Merkle root of an empty chunk list. It is a sentinel, not the hash of
// any input.
var EmptyRoot Digest

// Hash returns the SHA-256 digest of data.
func Hash(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// String returns the lowercase hex form of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d equals EmptyRoot.
func (d Digest) IsZero() bool {
	return d == EmptyRoot
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest parses a 64-character hex string into a Digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := decodeFixedHex(d[:], s); err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	return d, nil
}

// Nonce is the 96-bit AEAD nonce stored alongside each encrypted chunk.
type Nonce [encryption.NonceSize]byte

// String returns the lowercase hex form of the nonce.
func (n Nonce) String() string {
	return hex.EncodeToString(n[:])
}

func (n Nonce) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Nonce) UnmarshalText(text []byte) error {
	if err := decodeFixedHex(n[:], string(text)); err != nil {
		return fmt.Errorf("parsing nonce: %w", err)
	}
	return nil
}

func decodeFixedHex(dst []byte, s string) error {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(decoded) != len(dst) {
		return fmt.Errorf("got %d bytes, want %d", len(decoded), len(dst))
	}
	copy(dst, decoded)
	return nil
}
