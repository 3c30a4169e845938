package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies shardian errors.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	KindPermission
	KindIO
	// KindNoKey marks an encrypt/decrypt call on a chunker built without a key.
	KindNoKey
	// KindAuth marks an AEAD tag that did not verify.
	KindAuth
	// KindCorrupt marks stored or supplied data that disagrees with its manifest.
	KindCorrupt
	KindCanceled
	KindInternal
)

var (
	// ErrNoKey is returned when a cryptographic operation runs without a configured key.
	ErrNoKey = errors.New("no encryption key configured")
	// ErrAuthFailed is returned when authenticated decryption rejects a chunk.
	ErrAuthFailed = errors.New("message authentication failed")
	// ErrCorrupt is returned when content hashes do not match the manifest.
	ErrCorrupt = errors.New("content does not match manifest")
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.Path != "" {
		base += " " + e.Path
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindPermission:
		return "permission denied"
	case KindIO:
		return "i/o error"
	case KindNoKey:
		return "crypto configuration error"
	case KindAuth:
		return "authentication failed"
	case KindCorrupt:
		return "corrupt data"
	case KindCanceled:
		return "canceled"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, path string) error {
	return &Error{Kind: kind, Op: op, Path: path}
}

// IO wraps a filesystem error, picking NotFound or Permission when the cause allows it.
func IO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind != KindNotFound && kind != KindPermission && kind != KindCanceled {
		kind = KindIO
	}
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrNoKey):
		return KindNoKey
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindPermission
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	default:
		return KindInternal
	}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
