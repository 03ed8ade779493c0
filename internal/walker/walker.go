package walker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"pulonia/internal/hash"
	"pulonia/internal/progress"
)

// ReadDir lists dir and sorts the entries lexicographically by name. The
// order the operating system reports is never relied on.
func ReadDir(dir string) ([]os.DirEntry, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	return entries, nil
}

// Matcher decides which paths are left out of a snapshot.
//
// A pattern ending in "/" names a directory anywhere in the tree. A pattern
// containing "/" is matched against the whole slash-separated relative path
// using doublestar syntax. Any other pattern is matched against the base name.
type Matcher struct {
	patterns []string
}

func NewMatcher(patterns []string) (*Matcher, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(strings.TrimSuffix(p, "/")) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &Matcher{patterns: patterns}, nil
}

// Excluded reports whether rel (slash-separated, relative to the snapshot
// root) should be skipped.
func (m *Matcher) Excluded(rel string, isDir bool) bool {
	if m == nil || rel == "" {
		return false
	}

	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}

	for _, pattern := range m.patterns {
		if dirPattern, ok := strings.CutSuffix(pattern, "/"); ok {
			if !isDir {
				continue
			}
			if matched, _ := doublestar.Match(dirPattern, base); matched {
				return true
			}
			if strings.Contains(dirPattern, "/") {
				if matched, _ := doublestar.Match(dirPattern, rel); matched {
					return true
				}
			}
			continue
		}

		if strings.Contains(pattern, "/") {
			if matched, _ := doublestar.Match(pattern, rel); matched {
				return true
			}
			continue
		}
		if matched, _ := doublestar.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// HashError records a file that could not be hashed.
type HashError struct {
	Path string
	Err  error
}

func (e *HashError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *HashError) Unwrap() error { return e.Err }

type HashResult struct {
	Hashes map[string]string // path -> hash
	Errors []*HashError      // sorted by path
}

type Options struct {
	Workers int
	// FailFast stops at the first unreadable file and returns its error.
	// Otherwise failures are collected in HashResult.Errors.
	FailFast bool
	Progress *progress.Bar
}

// HashFiles hashes files concurrently. Results are keyed by path, so the
// order in which workers finish has no effect on the caller.
func HashFiles(ctx context.Context, files []string, opts Options) (*HashResult, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	result := &HashResult{
		Hashes: make(map[string]string, len(files)),
		Errors: make([]*HashError, 0),
	}

	if len(files) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, path := range files {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			sum, err := hash.HashFile(path)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				hashErr := &HashError{Path: path, Err: err}
				if opts.FailFast {
					return hashErr
				}
				result.Errors = append(result.Errors, hashErr)
				return nil
			}

			result.Hashes[path] = sum
			if opts.Progress != nil {
				opts.Progress.SetDirectory(filepath.Dir(path))
				opts.Progress.Increment()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].Path < result.Errors[j].Path
	})

	return result, nil
}
