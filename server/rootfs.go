package server

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// rootFs is an afero.Fs confined to one directory by an os.Root. Every
// operation is resolved by the kernel relative to the root handle, so
// neither ".." nor symbolic links can reach files outside it.
type rootFs struct {
	root *os.Root
}

var (
	_ afero.Fs      = (*rootFs)(nil)
	_ afero.Lstater = (*rootFs)(nil)
)

func newRootFs(dir string) (*rootFs, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &rootFs{root: root}, nil
}

// rootRelative turns a virtual absolute path into a name relative to the root.
func rootRelative(name string) string {
	p := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if p == "" {
		return "."
	}
	return filepath.FromSlash(p)
}

func asFile(f *os.File, err error) (afero.File, error) {
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (fs *rootFs) Name() string { return "RootFs" }

func (fs *rootFs) Create(name string) (afero.File, error) {
	return asFile(fs.root.Create(rootRelative(name)))
}

func (fs *rootFs) Mkdir(name string, perm os.FileMode) error {
	return fs.root.Mkdir(rootRelative(name), perm)
}

func (fs *rootFs) MkdirAll(name string, perm os.FileMode) error {
	return fs.root.MkdirAll(rootRelative(name), perm)
}

func (fs *rootFs) Open(name string) (afero.File, error) {
	return asFile(fs.root.Open(rootRelative(name)))
}

func (fs *rootFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return asFile(fs.root.OpenFile(rootRelative(name), flag, perm))
}

func (fs *rootFs) Remove(name string) error {
	return fs.root.Remove(rootRelative(name))
}

func (fs *rootFs) RemoveAll(name string) error {
	return fs.root.RemoveAll(rootRelative(name))
}

func (fs *rootFs) Rename(oldname, newname string) error {
	return fs.root.Rename(rootRelative(oldname), rootRelative(newname))
}

func (fs *rootFs) Stat(name string) (os.FileInfo, error) {
	return fs.root.Stat(rootRelative(name))
}

func (fs *rootFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	info, err := fs.root.Lstat(rootRelative(name))
	return info, true, err
}

func (fs *rootFs) Chmod(name string, mode os.FileMode) error {
	return fs.root.Chmod(rootRelative(name), mode)
}

func (fs *rootFs) Chown(name string, uid, gid int) error {
	return fs.root.Chown(rootRelative(name), uid, gid)
}

func (fs *rootFs) Chtimes(name string, atime, mtime time.Time) error {
	return fs.root.Chtimes(rootRelative(name), atime, mtime)
}

// Close releases the root directory handle.
func (fs *rootFs) Close() error {
	return fs.root.Close()
}

// readOnlyRootFs is a read-only view of a rootFs that can still release
// the root handle.
type readOnlyRootFs struct {
	afero.Fs
	root *rootFs
}

func (fs readOnlyRootFs) Close() error {
	return fs.root.Close()
}
