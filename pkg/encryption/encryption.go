package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// Method enumerates supported AEAD algorithms.
type Method string

const (
	// MethodAES256GCM seals chunks with AES-256 in Galois/Counter Mode.
	MethodAES256GCM Method = "aes-256-gcm"
	// MethodChaCha20Poly1305 seals chunks with ChaCha20-Poly1305 (RFC 8439).
	MethodChaCha20Poly1305 Method = "chacha20-poly1305"
)

const (
	// KeySize is the symmetric key length in bytes.
	KeySize = 32
	// NonceSize is the per-seal nonce length in bytes (96 bits) for every method.
	NonceSize = 12
	// Overhead is the authentication tag length appended to each ciphertext.
	Overhead = 16
)

// Key is a 256-bit symmetric key.
type Key [KeySize]byte

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(s string) (Key, error) {
	var key Key
	decoded, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("encryption: key is not hex: %w", err)
	}
	return KeyFromBytes(decoded)
}

// KeyFromBytes copies b into a Key, rejecting any length other than KeySize.
func KeyFromBytes(b []byte) (Key, error) {
	var key Key
	if len(b) != KeySize {
		return key, fmt.Errorf("encryption: key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

// GenerateKey reads a fresh key from r, or crypto/rand when r is nil.
func GenerateKey(r io.Reader) (Key, error) {
	if r == nil {
		r = rand.Reader
	}
	var key Key
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return key, fmt.Errorf("encryption: generate key: %w", err)
	}
	return key, nil
}

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseMethod normalises a method name. An empty name selects MethodAES256GCM.
func ParseMethod(s string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return MethodAES256GCM, nil
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

// Validate ensures the method is supported.
func (m Method) Validate() error {
	switch m {
	case MethodAES256GCM, MethodChaCha20Poly1305:
		return nil
	default:
		return fmt.Errorf("encryption: unsupported method %q", m)
	}
}

// NewAEAD builds the AEAD for method keyed with key.
func NewAEAD(method Method, key Key) (cipher.AEAD, error) {
	switch method {
	case "", MethodAES256GCM:
		block, err := aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case MethodChaCha20Poly1305:
		return chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("encryption: unsupported method %q", method)
	}
}
