// Package stage copies the changed files of a new snapshot into a clean
// staging directory, ready to be archived as a patch.
package stage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/xxh3"

	"pulonia/internal/fsutil"
	"pulonia/internal/progress"
	"pulonia/internal/tree"
)

var ErrStagingNotEmpty = errors.New("staging directory is not empty")

// Error aggregates every file that failed to stage.
type Error struct {
	Failures []*tree.IOError
	Total    int
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("failed to stage %d of %d files: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}

type Result struct {
	Staged   []string
	Failures []*tree.IOError // Path is the relative path that failed
}

type Stager struct {
	Logger *slog.Logger
	// Verify re-reads every copy and compares its fingerprint with the source.
	Verify bool
	// ProgressLabel enables a terminal progress bar when non-empty.
	ProgressLabel string
}

// Stage copies newRoot/<path> to stagingDir/<path> for every path, creating
// parent directories as needed. stagingDir must be absent or empty.
//
// A failing file does not stop the pass: the remaining files are still
// staged and the failures are returned together as an *Error alongside the
// Result.
func (s *Stager) Stage(newRoot string, paths []string, stagingDir string) (*Result, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := prepare(stagingDir); err != nil {
		return nil, err
	}

	result := &Result{
		Staged:   make([]string, 0, len(paths)),
		Failures: make([]*tree.IOError, 0),
	}

	var bar *progress.Bar
	if s.ProgressLabel != "" {
		bar = progress.New(s.ProgressLabel, int64(len(paths)))
	}

	for _, rel := range paths {
		if err := s.stageFile(newRoot, rel, stagingDir); err != nil {
			logger.Error("failed to stage file", "path", rel, "error", err)
			result.Failures = append(result.Failures, &tree.IOError{Path: rel, Op: "stage", Err: err})
		} else {
			logger.Debug("staged file", "path", rel)
			result.Staged = append(result.Staged, rel)
		}
		bar.SetDirectory(filepath.Dir(rel))
		bar.Increment()
	}
	bar.Finish()

	logger.Info("staging complete", "staged", len(result.Staged), "failed", len(result.Failures), "dir", stagingDir)

	if len(result.Failures) > 0 {
		return result, &Error{Failures: result.Failures, Total: len(paths)}
	}
	return result, nil
}

func prepare(stagingDir string) error {
	empty, err := fsutil.IsEmptyDir(stagingDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(stagingDir, 0755); err != nil {
			return fmt.Errorf("failed to create staging directory: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to inspect staging directory: %w", err)
	case !empty:
		return fmt.Errorf("%w: %s", ErrStagingNotEmpty, stagingDir)
	}
	return nil
}

func (s *Stager) stageFile(newRoot, rel, stagingDir string) error {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return fmt.Errorf("path escapes the snapshot root")
	}

	src := filepath.Join(newRoot, local)
	dst := filepath.Join(stagingDir, local)

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	sum, err := copyFile(src, dst)
	if err != nil {
		return err
	}

	if s.Verify {
		copied, err := fingerprint(dst)
		if err != nil {
			_ = os.Remove(dst)
			return fmt.Errorf("failed to verify copy: %w", err)
		}
		if copied != sum {
			_ = os.Remove(dst)
			return fmt.Errorf("copy does not match source")
		}
	}
	return nil
}

// copyFile copies src to dst, keeping the permission bits, and returns the
// fingerprint of the bytes read from src.
func copyFile(src, dst string) (xxh3.Uint128, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return xxh3.Uint128{}, err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return xxh3.Uint128{}, err
	}
	if !srcInfo.Mode().IsRegular() {
		return xxh3.Uint128{}, fmt.Errorf("not a regular file")
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode().Perm())
	if err != nil {
		return xxh3.Uint128{}, err
	}

	// never leave a truncated copy behind for the archiver
	h := xxh3.New()
	if _, err := io.Copy(dstFile, io.TeeReader(srcFile, h)); err != nil {
		_ = dstFile.Close()
		_ = os.Remove(dst)
		return xxh3.Uint128{}, err
	}
	if err := dstFile.Close(); err != nil {
		_ = os.Remove(dst)
		return xxh3.Uint128{}, err
	}
	return h.Sum128(), nil
}

func fingerprint(path string) (xxh3.Uint128, error) {
	f, err := os.Open(path)
	if err != nil {
		return xxh3.Uint128{}, err
	}
	defer f.Close()

	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return xxh3.Uint128{}, err
	}
	return h.Sum128(), nil
}
