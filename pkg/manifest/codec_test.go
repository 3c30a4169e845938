package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jacktea/shardian/pkg/chunker"
	"github.com/jacktea/shardian/pkg/xerrors"
)

func sampleManifests(t *testing.T) map[string]*FileManifest {
	t.Helper()
	fs := fsWith(t, "alpha.txt", []byte(alphabet))
	ctx := context.Background()

	plain, err := NewBuilder(chunker.New(10, chunker.Options{FS: fs})).FromPlainFile(ctx, "alpha.txt")
	require.NoError(t, err)

	c := chunker.New(10, chunker.Options{FS: fs, Key: testKey()})
	out, err := c.ProcessFile(ctx, "alpha.txt")
	require.NoError(t, err)
	enc, err := NewBuilder(c).FromProcessOutput("alpha.txt", out)
	require.NoError(t, err)

	return map[string]*FileManifest{
		"plain":     plain,
		"encrypted": enc,
		"empty":     New("empty", 0, 10, chunker.EmptyRoot, nil),
	}
}

func TestRoundTrip(t *testing.T) {
	for name, m := range sampleManifests(t) {
		for _, format := range []Format{FormatJSON, FormatCBOR} {
			data, err := Marshal(m, format)
			require.NoError(t, err, "%s/%s", name, format)
			got, err := Unmarshal(data, format)
			require.NoError(t, err, "%s/%s", name, format)
			require.Equal(t, m, got, "%s/%s", name, format)
			require.NoError(t, got.Validate(), "%s/%s", name, format)
		}
	}
}

func TestEncodeDecodeStream(t *testing.T) {
	m := sampleManifests(t)["encrypted"]
	for _, format := range []Format{FormatJSON, FormatCBOR} {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, m, format))
		got, err := Decode(&buf, format)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestCBORDeterministic(t *testing.T) {
	m := sampleManifests(t)["encrypted"]
	a, err := Marshal(m, FormatCBOR)
	require.NoError(t, err)

	copied := *m
	copied.Chunks = append([]ChunkMetadata(nil), m.Chunks...)
	b, err := Marshal(&copied, FormatCBOR)
	require.NoError(t, err)
	require.Equal(t, a, b)

	plain, err := Marshal(sampleManifests(t)["plain"], FormatCBOR)
	require.NoError(t, err)
	again, err := Marshal(sampleManifests(t)["plain"], FormatCBOR)
	require.NoError(t, err)
	require.Equal(t, plain, again)
}

func TestJSONWireShape(t *testing.T) {
	m := sampleManifests(t)["plain"]
	data, err := Marshal(m, FormatJSON)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"file_id", "file_name", "file_size", "chunk_size", "merkle_root", "chunks"} {
		require.Contains(t, raw, key)
	}
	require.Equal(t, m.MerkleRoot.String(), raw["merkle_root"])

	first := raw["chunks"].([]any)[0].(map[string]any)
	require.Equal(t, m.Chunks[0].Hash.String(), first["hash"])
	require.NotContains(t, first, "nonce")

	encData, err := Marshal(sampleManifests(t)["encrypted"], FormatJSON)
	require.NoError(t, err)
	require.Contains(t, string(encData), `"nonce": "`)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("{not json"), FormatJSON)
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	_, err = Unmarshal([]byte{0xff, 0x00}, FormatCBOR)
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	_, err = Unmarshal([]byte(`{"merkle_root":"abc"}`), FormatJSON)
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = ParseFormat(" CBOR ")
	require.NoError(t, err)
	require.Equal(t, FormatCBOR, f)

	_, err = ParseFormat("xml")
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	_, err = Marshal(New("x", 0, 1, chunker.EmptyRoot, nil), Format("xml"))
	require.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}
