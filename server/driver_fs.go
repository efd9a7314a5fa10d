package server

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// FileSystemFactory returns the file system a user's session operates on.
// Paths handed to the returned file system are absolute, slash separated and
// rooted at the user's home ("/" is the home directory itself).
type FileSystemFactory func(u *User, home string) (afero.Fs, error)

// OSFileSystem is the default FileSystemFactory. It jails the user in home
// on the local disk and wraps the result read-only for read-only users.
//
// Security Model:
//   - All operations go through an os.Root opened on home, so paths and
//     symbolic links that resolve outside home are rejected by the kernel
//   - Read-only users get afero.ReadOnlyFs, which fails writes with EPERM
//   - The returned file system implements io.Closer; the session closes it
func OSFileSystem(u *User, home string) (afero.Fs, error) {
	if home == "" {
		return nil, fmt.Errorf("user %q has no home directory", u.Name)
	}
	root, err := filepath.Abs(home)
	if err != nil {
		return nil, fmt.Errorf("home directory of %q: %w", u.Name, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("home directory of %q: %w", u.Name, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("home directory of %q is not a directory: %s", u.Name, root)
	}

	fs, err := newRootFs(root)
	if err != nil {
		return nil, fmt.Errorf("home directory of %q: %w", u.Name, err)
	}
	if u.ReadOnly {
		return readOnlyRootFs{Fs: afero.NewReadOnlyFs(fs), root: fs}, nil
	}
	return fs, nil
}

// MemFileSystem returns a factory that serves every user from a subtree of
// one shared in-memory file system. It is meant for tests and demos.
func MemFileSystem(base afero.Fs) FileSystemFactory {
	return func(u *User, home string) (afero.Fs, error) {
		if err := base.MkdirAll(home, 0o755); err != nil {
			return nil, err
		}
		var fs afero.Fs = afero.NewBasePathFs(base, home)
		if u.ReadOnly {
			fs = afero.NewReadOnlyFs(fs)
		}
		return fs, nil
	}
}

// closeFileSystem releases fs if it holds resources.
func closeFileSystem(fs afero.Fs) error {
	if c, ok := fs.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// resolvePath joins p onto the virtual working directory cwd and cleans the
// result. The returned path is always absolute and never climbs above "/".
func resolvePath(cwd, p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !path.IsAbs(p) {
		p = path.Join(cwd, p)
	}
	return path.Clean("/" + p)
}

