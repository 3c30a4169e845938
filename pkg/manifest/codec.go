package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/jacktea/shardian/pkg/xerrors"
)

// Format selects a manifest wire encoding.
type Format string

const (
	FormatJSON Format = "json"
	// FormatCBOR is RFC 8949 core deterministic encoding: equal manifests encode to
	// identical bytes.
	FormatCBOR Format = "cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("manifest: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("manifest: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseFormat accepts "json" or "cbor" in any case. Empty selects JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", xerrors.Wrap(xerrors.KindInvalid, "manifest.format", "", fmt.Errorf("unknown format %q", s))
	}
}

// Marshal encodes m. JSON output is indented for humans.
func Marshal(m *FileManifest, format Format) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON, "":
		data, err = json.MarshalIndent(m, "", "  ")
	case FormatCBOR:
		data, err = encMode.Marshal(m)
	default:
		return nil, xerrors.Wrap(xerrors.KindInvalid, "manifest.marshal", "", fmt.Errorf("unknown format %q", format))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "manifest.marshal", m.FileID, err)
	}
	return data, nil
}

// Unmarshal decodes a manifest. It does not validate it.
func Unmarshal(data []byte, format Format) (*FileManifest, error) {
	var (
		m   FileManifest
		err error
	)
	switch format {
	case FormatJSON, "":
		err = json.Unmarshal(data, &m)
	case FormatCBOR:
		err = decMode.Unmarshal(data, &m)
	default:
		return nil, xerrors.Wrap(xerrors.KindInvalid, "manifest.unmarshal", "", fmt.Errorf("unknown format %q", format))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "manifest.unmarshal", "", err)
	}
	if m.Chunks == nil {
		m.Chunks = []ChunkMetadata{}
	}
	return &m, nil
}

// Encode writes the encoding of m to w.
func Encode(w io.Writer, m *FileManifest, format Format) error {
	data, err := Marshal(m, format)
	if err != nil {
		return err
	}
	if format != FormatCBOR {
		data = append(data, '\n')
	}
	if _, err := w.Write(data); err != nil {
		return xerrors.IO("manifest.encode", m.FileID, err)
	}
	return nil
}

// Decode reads a whole manifest from r.
func Decode(r io.Reader, format Format) (*FileManifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.IO("manifest.decode", "", err)
	}
	return Unmarshal(data, format)
}
