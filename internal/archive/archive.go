// Package archive packs a staging directory into a patch container and
// unpacks released packages before they are snapshotted.
package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Format string

const (
	Zip   Format = "zip"
	Tar   Format = "tar"
	TarGz Format = "tar.gz"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	ErrUnsafePath        = errors.New("archive entry escapes the destination")
)

// FixedTime stamps every written entry so equal inputs give byte-identical
// archives (1980-01-01 UTC, the earliest time zip can store).
var FixedTime = time.Unix(315532800, 0).UTC()

// Archive formats that are recognised but not handled. Naming them gives a
// precise error instead of treating the input as a plain file.
var knownUnsupported = []string{".tar.xz", ".tar.bz2", ".tar.lz4", ".7z", ".xz", ".bz2", ".lz4"}

// ParseFormat accepts the names users pass on the command line.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "zip":
		return Zip, nil
	case "tar":
		return Tar, nil
	case "tar.gz", "tgz", "gz":
		return TarGz, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// DetectFormat infers the format from a file name.
func DetectFormat(name string) (Format, error) {
	lower := strings.ToLower(filepath.Base(name))
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"), strings.HasSuffix(lower, ".gz"):
		return TarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return Tar, nil
	case strings.HasSuffix(lower, ".zip"):
		return Zip, nil
	}
	for _, suffix := range knownUnsupported {
		if strings.HasSuffix(lower, suffix) {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, suffix)
		}
	}
	return "", fmt.Errorf("%w: %s has no recognised extension", ErrUnsupportedFormat, filepath.Base(name))
}

// IsArchive reports whether name carries an archive extension, supported or
// not.
func IsArchive(name string) bool {
	if _, err := DetectFormat(name); err == nil {
		return true
	}
	lower := strings.ToLower(name)
	for _, suffix := range knownUnsupported {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

// Ext is the file extension for archives of this format, without the dot.
func (f Format) Ext() string {
	return string(f)
}

// Extract unpacks src into dst, choosing the reader by src's extension.
func Extract(src, dst string) error {
	format, err := DetectFormat(src)
	if err != nil {
		return err
	}

	switch format {
	case Zip:
		err = extractZip(src, dst)
	case Tar:
		err = extractTar(src, dst, false)
	case TarGz:
		err = extractTar(src, dst, true)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return err
	}
	return verifyLinks(dst)
}

// verifyLinks resolves every symlink below dst on disk. Each link was
// checked when it was created, but a link whose target runs through a link
// created later can still leave dst; such a link is removed.
func verifyLinks(dst string) error {
	root, err := filepath.EvalSymlinks(dst)
	if err != nil {
		return err
	}

	return filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dst || d.Type()&fs.ModeSymlink == 0 {
			return nil
		}

		resolved, err := filepath.EvalSymlinks(path)
		if errors.Is(err, fs.ErrNotExist) {
			// dangling; the snapshot builder skips it
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel != "." && !filepath.IsLocal(rel) {
			_ = os.Remove(path)
			return fmt.Errorf("%w: symlink %s resolves to %s", ErrUnsafePath, path, resolved)
		}
		return nil
	})
}

// Create packs the contents of srcDir into dst. Entries are written in
// lexicographic order with fixed timestamps.
func Create(srcDir, dst string, format Format) error {
	switch format {
	case Zip:
		return createZip(srcDir, dst)
	case Tar:
		return createTar(srcDir, dst, false)
	case TarGz:
		return createTar(srcDir, dst, true)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// entryTarget resolves an archive entry name below dst. Entries are never
// written through a symlink, so no component below dst may be one; links
// created by earlier entries cannot redirect later ones.
func entryTarget(dst, name string) (string, error) {
	local := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if local == "" || local == "." {
		return dst, nil
	}
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}

	current := dst
	for _, part := range strings.Split(filepath.Clean(local), string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: %s passes through symlink %s", ErrUnsafePath, name, current)
		}
	}
	return filepath.Join(dst, local), nil
}
