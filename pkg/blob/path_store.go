package blob

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/jacktea/shardian/pkg/xerrors"
)

const tmpDir = ".tmp"

// PathStore persists shards under a directory tree, fanned out by ID prefix.
type PathStore struct {
	fs billy.Filesystem
}

// NewPathStore returns a Store rooted at root on the host filesystem.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.IO("PathStore.mkdir", root, err)
	}
	return NewPathStoreFS(osfs.New(root)), nil
}

// NewPathStoreFS returns a Store over an existing filesystem, treating its root as the
// store root.
func NewPathStoreFS(fs billy.Filesystem) *PathStore {
	return &PathStore{fs: fs}
}

func (p *PathStore) Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindCanceled, "PathStore.put", "", err)
	}
	hasher := Hasher()
	tee := io.TeeReader(r, hasher)
	if err := p.fs.MkdirAll(tmpDir, 0o755); err != nil {
		return "", 0, xerrors.IO("PathStore.mkdir", tmpDir, err)
	}
	file, err := p.fs.TempFile(tmpDir, "upload-")
	if err != nil {
		return "", 0, xerrors.IO("PathStore.put", "", err)
	}
	tmpName := file.Name()
	n, err := io.Copy(file, tee)
	if err != nil {
		file.Close()
		p.fs.Remove(tmpName)
		return "", 0, xerrors.IO("PathStore.put", tmpName, err)
	}
	if size >= 0 && n != size {
		file.Close()
		p.fs.Remove(tmpName)
		return "", 0, xerrors.E(xerrors.KindInvalid, "PathStore.put.size", tmpName)
	}
	id := ID(hex.EncodeToString(hasher.Sum(nil)))
	if err := checkSum(id, opts); err != nil {
		file.Close()
		p.fs.Remove(tmpName)
		return "", 0, err
	}
	if s, ok := file.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			file.Close()
			p.fs.Remove(tmpName)
			return "", 0, xerrors.IO("PathStore.sync", tmpName, err)
		}
	}
	if err := file.Close(); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.IO("PathStore.close", tmpName, err)
	}
	finalPath := p.pathForID(id)
	if _, err := p.fs.Stat(finalPath); err == nil {
		p.fs.Remove(tmpName)
		return id, n, nil
	} else if !os.IsNotExist(err) {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.IO("PathStore.stat", finalPath, err)
	}
	if err := p.fs.MkdirAll(path.Dir(finalPath), 0o755); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.IO("PathStore.mkdir", finalPath, err)
	}
	if err := p.fs.Rename(tmpName, finalPath); err != nil {
		p.fs.Remove(tmpName)
		return "", 0, xerrors.IO("PathStore.rename", finalPath, err)
	}
	return id, n, nil
}

func (p *PathStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	if err := id.Validate(); err != nil {
		return nil, 0, err
	}
	name := p.pathForID(id)
	f, err := p.fs.Open(name)
	if err != nil {
		return nil, 0, xerrors.IO("PathStore.get", string(id), err)
	}
	info, err := p.fs.Stat(name)
	if err != nil {
		f.Close()
		return nil, 0, xerrors.IO("PathStore.get", string(id), err)
	}
	return f, info.Size(), nil
}

func (p *PathStore) Delete(ctx context.Context, id ID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := p.fs.Remove(p.pathForID(id)); err != nil {
		return xerrors.IO("PathStore.delete", string(id), err)
	}
	return nil
}

func (p *PathStore) Exists(ctx context.Context, id ID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}
	_, err := p.fs.Stat(p.pathForID(id))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, xerrors.IO("PathStore.exists", string(id), err)
}

func (p *PathStore) pathForID(id ID) string {
	name := string(id)
	if len(name) < 4 {
		return name
	}
	return path.Join(name[:2], name[2:4], name)
}
