package cache

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyTree recreates src under dst, which must already exist. Regular files,
// directories and symlinks are copied; permissions are preserved.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &ErrIO{Op: "walk", Path: path, Err: err}
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return &ErrIO{Op: "walk", Path: path, Err: err}
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return &ErrIO{Op: "stat", Path: path, Err: err}
		}

		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return &ErrIO{Op: "mkdir", Path: target, Err: err}
			}
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return &ErrIO{Op: "readlink", Path: path, Err: err}
			}
			if err := os.Symlink(link, target); err != nil {
				return &ErrIO{Op: "symlink", Path: target, Err: err}
			}
		case info.Mode().IsRegular():
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return &ErrIO{Op: "open", Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return &ErrIO{Op: "create", Path: dst, Err: err}
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return &ErrIO{Op: "copy", Path: dst, Err: err}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &ErrIO{Op: "sync", Path: dst, Err: err}
	}
	if err := out.Close(); err != nil {
		return &ErrIO{Op: "close", Path: dst, Err: err}
	}
	return nil
}
