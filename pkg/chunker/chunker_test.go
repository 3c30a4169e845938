package chunker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/shardian/pkg/encryption"
	"github.com/jacktea/shardian/pkg/xerrors"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz"

func newFS(t *testing.T, files map[string][]byte) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	for name, data := range files {
		require.NoError(t, util.WriteFile(fs, name, data, 0o644))
	}
	return fs
}

func testKey(b byte) *encryption.Key {
	var key encryption.Key
	for i := range key {
		key[i] = b
	}
	return &key
}

func TestSplitAlphabet(t *testing.T) {
	fs := newFS(t, map[string][]byte{"alpha.txt": []byte(alphabet)})
	c := New(10, Options{FS: fs})

	chunks, err := c.Split(context.Background(), "alpha.txt")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	require.Equal(t, []byte(alphabet[0:10]), chunks[0])
	require.Equal(t, []byte(alphabet[10:20]), chunks[1])
	require.Equal(t, []byte(alphabet[20:26]), chunks[2])
}

func TestSplitSizes(t *testing.T) {
	cases := []struct {
		name      string
		size      int
		chunkSize int
		wantCount int
		wantLast  int
	}{
		{"empty", 0, 4, 0, 0},
		{"smaller than chunk", 3, 4, 1, 3},
		{"exact multiple", 12, 4, 3, 4},
		{"remainder", 13, 4, 4, 1},
		{"single byte chunks", 5, 1, 5, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			data := bytes.Repeat([]byte{0xab}, tc.size)
			fs := newFS(t, map[string][]byte{"f": data})
			chunks, err := New(tc.chunkSize, Options{FS: fs}).Split(context.Background(), "f")
			require.NoError(t, err)
			require.NotNil(t, chunks)
			require.Len(t, chunks, tc.wantCount)
			for i, chunk := range chunks {
				if i < len(chunks)-1 {
					require.Len(t, chunk, tc.chunkSize)
				} else {
					require.Len(t, chunk, tc.wantLast)
				}
			}
			require.Equal(t, data, bytes.Join(chunks, nil))
		})
	}
}

func TestSplitMissingFile(t *testing.T) {
	c := New(8, Options{FS: memfs.New()})
	chunks, err := c.Split(context.Background(), "nope.bin")
	require.Error(t, err)
	require.Nil(t, chunks)
	require.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestSplitHostFilesystem(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.bin")
	require.NoError(t, os.WriteFile(path, []byte(alphabet), 0o600))

	c := New(16, Options{})
	require.NotNil(t, c.Filesystem())
	chunks, err := c.Split(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte(alphabet[:16]), []byte(alphabet[16:])}, chunks)
}

func TestSplitLargeChunkSizeAllocatesFileSize(t *testing.T) {
	fs := newFS(t, map[string][]byte{"small": []byte("hello")})
	chunks, err := New(1<<40, Options{FS: fs}).Split(context.Background(), "small")
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("hello")}, chunks)
	require.Equal(t, 5, cap(chunks[0]))
}

func TestSplitReaderGrowsPastInitialBuffer(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	r := iotest.OneByteReader(bytes.NewReader(data))
	chunks, err := New(100000, Options{}).SplitReader(context.Background(), r)
	require.NoError(t, err)
	require.Len(t, chunks, 4)
	require.Len(t, chunks[0], 100000)
	require.Len(t, chunks[3], len(data)-300000)
	require.Equal(t, data, bytes.Join(chunks, nil))
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestSplitReaderReadError(t *testing.T) {
	boom := errors.New("disk on fire")
	r := &failingReader{data: []byte(alphabet), err: boom}
	chunks, err := New(10, Options{}).SplitReader(context.Background(), r)
	require.ErrorIs(t, err, boom)
	require.Nil(t, chunks)
	require.Equal(t, xerrors.KindIO, xerrors.KindOf(err))
}

func TestSplitCanceled(t *testing.T) {
	fs := newFS(t, map[string][]byte{"f": []byte(alphabet)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chunks, err := New(4, Options{FS: fs}).Split(ctx, "f")
	require.Nil(t, chunks)
	require.Equal(t, xerrors.KindCanceled, xerrors.KindOf(err))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewPanicsOnBadChunkSize(t *testing.T) {
	require.Panics(t, func() { New(0, Options{}) })
	require.Panics(t, func() { New(-5, Options{}) })
}

func TestNewPanicsOnUnknownMethodWithKey(t *testing.T) {
	require.Panics(t, func() { New(8, Options{Key: testKey(1), Method: "rot13"}) })
	require.NotPanics(t, func() { New(8, Options{Method: "rot13"}) })
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for _, method := range []encryption.Method{encryption.MethodAES256GCM, encryption.MethodChaCha20Poly1305} {
		method := method
		t.Run(string(method), func(t *testing.T) {
			c := New(64, Options{Key: testKey(0x42), Method: method})
			for i, msg := range [][]byte{{}, []byte("x"), []byte(alphabet), bytes.Repeat([]byte{7}, 4096)} {
				enc, err := c.EncryptChunk(uint64(i), msg)
				require.NoError(t, err)
				require.Equal(t, uint64(i), enc.Index)
				require.Len(t, enc.Ciphertext, len(msg)+encryption.Overhead)

				plain, err := c.DecryptChunk(enc)
				require.NoError(t, err)
				require.True(t, bytes.Equal(msg, plain))
			}
		})
	}
}

func TestEncryptFreshNonces(t *testing.T) {
	c := New(64, Options{Key: testKey(0x42)})
	msg := []byte("same plaintext twice")

	a, err := c.EncryptChunk(0, msg)
	require.NoError(t, err)
	b, err := c.EncryptChunk(0, msg)
	require.NoError(t, err)

	require.NotEqual(t, a.Nonce, b.Nonce)
	require.NotEqual(t, a.Ciphertext, b.Ciphertext)

	pa, err := c.DecryptChunk(a)
	require.NoError(t, err)
	pb, err := c.DecryptChunk(b)
	require.NoError(t, err)
	require.Equal(t, pa, pb)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := New(64, Options{Key: testKey(0x42)})
	enc, err := c.EncryptChunk(3, []byte(alphabet))
	require.NoError(t, err)

	assertAuthFailure := func(t *testing.T, dec *Chunker, e EncryptedChunk) {
		t.Helper()
		plain, err := dec.DecryptChunk(e)
		require.Nil(t, plain)
		require.ErrorIs(t, err, xerrors.ErrAuthFailed)
		require.Equal(t, xerrors.KindAuth, xerrors.KindOf(err))
	}

	t.Run("ciphertext bit", func(t *testing.T) {
		for i := range enc.Ciphertext {
			tampered := enc
			tampered.Ciphertext = append([]byte(nil), enc.Ciphertext...)
			tampered.Ciphertext[i] ^= 0x01
			assertAuthFailure(t, c, tampered)
		}
	})
	t.Run("nonce bit", func(t *testing.T) {
		for i := range enc.Nonce {
			tampered := enc
			tampered.Nonce[i] ^= 0x80
			assertAuthFailure(t, c, tampered)
		}
	})
	t.Run("wrong key", func(t *testing.T) {
		assertAuthFailure(t, New(64, Options{Key: testKey(0x43)}), enc)
	})
	t.Run("truncated", func(t *testing.T) {
		tampered := enc
		tampered.Ciphertext = enc.Ciphertext[:len(enc.Ciphertext)-1]
		assertAuthFailure(t, c, tampered)
	})
}

func TestCryptoWithoutKey(t *testing.T) {
	c := New(64, Options{})
	require.False(t, c.Encrypted())

	_, err := c.EncryptChunk(0, []byte("x"))
	require.ErrorIs(t, err, xerrors.ErrNoKey)
	require.Equal(t, xerrors.KindNoKey, xerrors.KindOf(err))

	plain, err := c.DecryptChunk(EncryptedChunk{Ciphertext: make([]byte, 20)})
	require.Nil(t, plain)
	require.Equal(t, xerrors.KindNoKey, xerrors.KindOf(err))

	_, err = c.EncryptChunks(context.Background(), [][]byte{[]byte("x")})
	require.Equal(t, xerrors.KindNoKey, xerrors.KindOf(err))
}

func TestDeterministicNonceSource(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 64)
	encrypt := func() EncryptedChunk {
		c := New(64, Options{Key: testKey(9), Rand: bytes.NewReader(seed), Concurrency: 1})
		enc, err := c.EncryptChunk(0, []byte(alphabet))
		require.NoError(t, err)
		return enc
	}
	a, b := encrypt(), encrypt()
	require.Equal(t, a, b)
	require.Equal(t, seed[:encryption.NonceSize], a.Nonce[:])
}

func TestNonceSourceFailure(t *testing.T) {
	c := New(64, Options{Key: testKey(9), Rand: strings.NewReader("short")})
	_, err := c.EncryptChunk(0, []byte("x"))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, xerrors.KindInternal, xerrors.KindOf(err))
}

func TestProcessFileRaw(t *testing.T) {
	fs := newFS(t, map[string][]byte{"alpha.txt": []byte(alphabet)})
	out, err := New(10, Options{FS: fs}).ProcessFile(context.Background(), "alpha.txt")
	require.NoError(t, err)
	require.Equal(t, OutputRaw, out.Kind)
	require.Equal(t, 3, out.Len())
	require.Nil(t, out.Encrypted)
	for i, chunk := range out.Chunks {
		require.Equal(t, Hash(chunk), out.Hashes[i])
	}
}

func TestProcessFileEncrypted(t *testing.T) {
	fs := newFS(t, map[string][]byte{"alpha.txt": []byte(alphabet)})
	c := New(10, Options{FS: fs, Key: testKey(5)})
	out, err := c.ProcessFile(context.Background(), "alpha.txt")
	require.NoError(t, err)
	require.Equal(t, OutputEncrypted, out.Kind)
	require.Nil(t, out.Chunks)
	require.Len(t, out.Encrypted, 3)

	var rebuilt []byte
	for i, enc := range out.Encrypted {
		require.Equal(t, uint64(i), enc.Index)
		plain, err := c.DecryptChunk(enc)
		require.NoError(t, err)
		rebuilt = append(rebuilt, plain...)
	}
	require.Equal(t, alphabet, string(rebuilt))
}

func TestProcessFileMissing(t *testing.T) {
	out, err := New(10, Options{FS: memfs.New()}).ProcessFile(context.Background(), "missing")
	require.Nil(t, out)
	require.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))
}

func TestParallelMatchesSequential(t *testing.T) {
	payload := bytes.Repeat([]byte("concurrent-data"), 1<<12)
	fs := newFS(t, map[string][]byte{"big": payload})
	ctx := context.Background()

	seq, err := New(1000, Options{FS: fs, Concurrency: 1}).ProcessFile(ctx, "big")
	require.NoError(t, err)
	par, err := New(1000, Options{FS: fs, Concurrency: 8}).ProcessFile(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, seq.Hashes, par.Hashes)
	require.Equal(t, MerkleRootOf(seq.Hashes), MerkleRoot(par.Chunks))

	c := New(1000, Options{FS: fs, Concurrency: 8, Key: testKey(1)})
	enc, err := c.EncryptChunks(ctx, par.Chunks)
	require.NoError(t, err)
	for i, e := range enc {
		require.Equal(t, uint64(i), e.Index)
		plain, err := c.DecryptChunk(e)
		require.NoError(t, err)
		require.Equal(t, par.Chunks[i], plain)
	}
}

func TestHashChunksCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, workers := range []int{1, 4} {
		hashes, err := New(1, Options{Concurrency: workers}).HashChunks(ctx, chunks)
		require.Nil(t, hashes)
		require.Equal(t, xerrors.KindCanceled, xerrors.KindOf(err))
	}
}

func TestDecryptNamesMethodOnAuthFailure(t *testing.T) {
	enc, err := New(64, Options{Key: testKey(9), Method: encryption.MethodChaCha20Poly1305}).EncryptChunk(0, []byte(alphabet))
	require.NoError(t, err)

	plain, err := New(64, Options{Key: testKey(9)}).DecryptChunk(enc)
	require.Nil(t, plain)
	require.ErrorIs(t, err, xerrors.ErrAuthFailed)
	require.Equal(t, xerrors.KindAuth, xerrors.KindOf(err))
	require.Contains(t, err.Error(), string(encryption.MethodAES256GCM))
}
