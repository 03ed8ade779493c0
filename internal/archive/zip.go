package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

func createZip(srcDir, dst string) (err error) {
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	zw := zip.NewWriter(out)
	err = walkSorted(srcDir, func(rel, path string, info fs.FileInfo) error {
		if info.IsDir() {
			h := &zip.FileHeader{Name: rel + "/", Method: zip.Store, Modified: FixedTime}
			h.SetMode(fs.ModeDir | 0o755)
			_, err := zw.CreateHeader(h)
			return err
		}

		h := &zip.FileHeader{Name: rel, Method: zip.Deflate, Modified: FixedTime}
		h.SetMode(info.Mode().Perm())
		w, err := zw.CreateHeader(h)
		if err != nil {
			return fmt.Errorf("create %s: %w", rel, err)
		}
		return copyFrom(w, path)
	})
	if err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func extractZip(src, dst string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := entryTarget(dst, f.Name)
		if err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir() || strings.HasSuffix(f.Name, "/"):
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			linkname, err := readAll(f)
			if err != nil {
				return err
			}
			if err := createSymlink(dst, target, linkname); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("open %s: %w", f.Name, err)
			}
			err = writeEntry(target, rc, mode.Perm())
			_ = rc.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
		default:
			return fmt.Errorf("%s: unsupported zip entry mode %v", f.Name, mode)
		}
	}
	return nil
}

func readAll(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	return string(data), err
}

// walkSorted visits everything below root in lexicographic order, passing
// slash-separated relative paths. Only directories and regular files are
// accepted.
func walkSorted(root string, fn func(rel, path string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.IsDir() && !info.Mode().IsRegular() {
			return fmt.Errorf("%s: cannot archive %v", rel, info.Mode().Type())
		}
		return fn(filepath.ToSlash(rel), path, info)
	})
}

func copyFrom(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func writeEntry(target string, r io.Reader, perm fs.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// createSymlink refuses links that point outside dst.
func createSymlink(dst, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, target, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	rel, err := filepath.Rel(dst, resolved)
	if err != nil || !filepath.IsLocal(rel) && rel != "." {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, target, linkname)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	return os.Symlink(linkname, target)
}
