package fetcher

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/infracollect/headerfetch/cache"
)

// errUnsafePath marks an archive entry that would land outside the
// destination directory.
var errUnsafePath = errors.New("path escapes destination")

// entryError carries the offending tar entry name up to the caller.
type entryError struct {
	name string
	err  error
}

func (e *entryError) Error() string { return fmt.Sprintf("%s: %v", e.name, e.err) }
func (e *entryError) Unwrap() error { return e.err }

// fileWriter tags write failures as cache I/O errors so they are not
// mistaken for a malformed stream.
type fileWriter struct {
	f *os.File
}

func (w fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &cache.ErrIO{Op: "write", Path: w.f.Name(), Err: err}
	}
	return n, nil
}

// extractTar unpacks a tar stream into destDir, dropping the first strip
// path components of every entry. It returns the number of regular files
// written. All filesystem changes go through an *os.Root on destDir, so
// links created by earlier entries cannot redirect later ones outside it.
func extractTar(ctx context.Context, r io.Reader, destDir string, strip int) (int, error) {
	root, err := os.OpenRoot(destDir)
	if err != nil {
		return 0, &cache.ErrIO{Op: "open", Path: destDir, Err: err}
	}
	defer root.Close()

	tr := tar.NewReader(r)
	base := filepath.Clean(destDir)
	files := 0

	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if errors.Is(err, tar.ErrInsecurePath) && hdr != nil {
			return files, &entryError{name: hdr.Name, err: errUnsafePath}
		}
		if err != nil {
			return files, err
		}

		if _, err := safeJoin(base, hdr.Name); err != nil {
			return files, &entryError{name: hdr.Name, err: err}
		}
		name := stripComponents(hdr.Name, strip)
		if name == "" {
			continue
		}
		target, err := safeJoin(base, name)
		if err != nil {
			return files, &entryError{name: hdr.Name, err: err}
		}
		rel := filepath.FromSlash(name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := root.MkdirAll(rel, 0o755); err != nil {
				return files, rootError("mkdir", hdr.Name, err)
			}

		case tar.TypeReg:
			if err := writeFile(root, tr, rel, hdr.FileInfo().Mode().Perm()); err != nil {
				return files, withEntry(hdr.Name, err)
			}
			files++

		case tar.TypeSymlink:
			if err := checkLinkTarget(base, target, hdr.Linkname); err != nil {
				return files, &entryError{name: hdr.Name, err: err}
			}
			if dir := filepath.Dir(rel); dir != "." {
				if err := root.MkdirAll(dir, 0o755); err != nil {
					return files, rootError("mkdir", hdr.Name, err)
				}
			}
			_ = root.Remove(rel)
			if err := root.Symlink(hdr.Linkname, rel); err != nil {
				return files, rootError("symlink", hdr.Name, err)
			}

		default:
			// Hard links, devices and FIFOs have no place in a headers tree.
		}
	}
}

// writeFile copies r to name inside root, creating parent directories.
func writeFile(root *os.Root, r io.Reader, name string, perm os.FileMode) error {
	if dir := filepath.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			return rootError("mkdir", name, err)
		}
	}
	out, err := root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o600)
	if err != nil {
		return rootError("create", name, err)
	}
	if _, err := io.Copy(fileWriter{f: out}, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return &cache.ErrIO{Op: "close", Path: name, Err: err}
	}
	return nil
}

// rootError maps a failed *os.Root operation. Resolving out of the root is
// reported either without an errno or as EXDEV; anything else is a
// filesystem failure.
func rootError(op, name string, err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != syscall.EXDEV {
		return &cache.ErrIO{Op: op, Path: name, Err: err}
	}
	return &entryError{name: name, err: errUnsafePath}
}

// withEntry reports escapes under the tar entry's own name.
func withEntry(name string, err error) error {
	var ee *entryError
	if errors.As(err, &ee) {
		return &entryError{name: name, err: ee.err}
	}
	return err
}

// stripComponents drops the first n slash-separated elements of name.
func stripComponents(name string, n int) string {
	name = path.Clean(name)
	if name == "." {
		return ""
	}
	for i := 0; i < n && name != ""; i++ {
		idx := strings.IndexByte(name, '/')
		if idx < 0 {
			return ""
		}
		name = name[idx+1:]
	}
	return name
}

// safeJoin joins a slash-separated relative name onto root and rejects
// anything that resolves outside it.
func safeJoin(root, name string) (string, error) {
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", errUnsafePath
	}
	target := filepath.Join(root, filepath.FromSlash(name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return "", errUnsafePath
	}
	return target, nil
}

func checkLinkTarget(root, target, linkname string) error {
	if filepath.IsAbs(linkname) || path.IsAbs(linkname) {
		return errUnsafePath
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	if resolved != root && !strings.HasPrefix(resolved, root+string(os.PathSeparator)) {
		return errUnsafePath
	}
	return nil
}
