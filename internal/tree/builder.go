package tree

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"pulonia/internal/hash"
	"pulonia/internal/progress"
	"pulonia/internal/walker"
)

// Builder scans a directory into a Tree.
type Builder struct {
	// Exclude holds walker.Matcher patterns, relative to the snapshot root.
	Exclude []string
	// Workers bounds concurrent file hashing.
	Workers int
	// SkipUnreadable leaves files that cannot be read out of the tree
	// instead of failing the build.
	SkipUnreadable bool
	// ProgressLabel enables a terminal progress bar when non-empty.
	ProgressLabel string
	Logger        *slog.Logger

	newBar func(label string, total int64) *progress.Bar
}

// Build snapshots rootPath. A regular file becomes a single FileKind node.
// A directory is listed in canonical order, every file under it is hashed,
// and directory hashes are folded once all file hashes are known, so the
// result does not depend on the order hashing finishes.
func (b *Builder) Build(ctx context.Context, rootPath string) (*Tree, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, lerr := os.Lstat(absRoot); lerr == nil {
				return nil, &UnsupportedPathError{Path: absRoot, Reason: "broken symlink"}
			}
			return nil, &NotFoundError{Path: absRoot}
		}
		return nil, &IOError{Path: absRoot, Op: "stat", Err: err}
	}

	name := filepath.Base(absRoot)

	switch {
	case info.Mode().IsRegular():
		sum, err := hash.HashFile(absRoot)
		if err != nil {
			return nil, &IOError{Path: absRoot, Op: "hash", Err: err}
		}
		return &Tree{
			Root:     &Node{Name: name, Kind: FileKind, Hash: sum},
			RootPath: absRoot,
		}, nil

	case info.IsDir():
		matcher, err := walker.NewMatcher(b.Exclude)
		if err != nil {
			return nil, err
		}

		s := &scanner{
			matcher:   matcher,
			logger:    logger,
			pending:   make(map[string]*Node),
			ancestors: make(map[string]bool),
		}
		root, err := s.dir(absRoot, "", name)
		if err != nil {
			return nil, err
		}

		logger.Debug("scanned snapshot", "root", absRoot, "files", len(s.order))

		var bar *progress.Bar
		if b.ProgressLabel != "" {
			newBar := b.newBar
			if newBar == nil {
				newBar = progress.New
			}
			bar = newBar(b.ProgressLabel, int64(len(s.order)))
		}

		result, err := walker.HashFiles(ctx, s.order, walker.Options{
			Workers:  b.Workers,
			FailFast: !b.SkipUnreadable,
			Progress: bar,
		})
		bar.Finish()
		if err != nil {
			var hashErr *walker.HashError
			if errors.As(err, &hashErr) {
				return nil, &IOError{Path: hashErr.Path, Op: "hash", Err: hashErr.Err}
			}
			return nil, err
		}

		unreadable := make([]string, 0, len(result.Errors))
		for _, hashErr := range result.Errors {
			logger.Warn("skipping unreadable file", "path", hashErr.Path, "error", hashErr.Err)
			if rel, err := filepath.Rel(absRoot, hashErr.Path); err == nil {
				unreadable = append(unreadable, filepath.ToSlash(rel))
			}
		}
		for path, node := range s.pending {
			node.Hash = result.Hashes[path]
		}

		prune(root)
		seal(root)

		return &Tree{Root: root, RootPath: absRoot, Unreadable: unreadable}, nil

	default:
		return nil, &UnsupportedPathError{Path: absRoot, Reason: "not a regular file or directory (" + info.Mode().Type().String() + ")"}
	}
}

type scanner struct {
	matcher   *walker.Matcher
	logger    *slog.Logger
	pending   map[string]*Node // absolute path -> file node awaiting its hash
	order     []string
	ancestors map[string]bool // resolved directories on the current descent
}

func (s *scanner) dir(path, rel, name string) (*Node, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "resolve", Err: err}
	}
	if s.ancestors[resolved] {
		return nil, &UnsupportedPathError{Path: path, Reason: "symlink cycle"}
	}
	s.ancestors[resolved] = true
	defer delete(s.ancestors, resolved)

	entries, err := walker.ReadDir(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read directory", Err: err}
	}

	node := &Node{Name: name, Kind: DirKind, Children: make([]*Node, 0, len(entries))}
	for _, entry := range entries {
		childPath := filepath.Join(path, entry.Name())
		childRel := entry.Name()
		if rel != "" {
			childRel = rel + "/" + entry.Name()
		}

		// Stat follows symlinks: a link to a file is snapshotted as that file.
		info, err := os.Stat(childPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("skipping broken symlink", "path", childPath)
				continue
			}
			return nil, &IOError{Path: childPath, Op: "stat", Err: err}
		}

		switch {
		case info.Mode().IsRegular():
			if s.matcher.Excluded(childRel, false) {
				s.logger.Debug("excluded", "path", childRel)
				continue
			}
			child := &Node{Name: entry.Name(), Kind: FileKind}
			s.pending[childPath] = child
			s.order = append(s.order, childPath)
			node.Children = append(node.Children, child)

		case info.IsDir():
			if s.matcher.Excluded(childRel, true) {
				s.logger.Debug("excluded", "path", childRel+"/")
				continue
			}
			child, err := s.dir(childPath, childRel, entry.Name())
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)

		default:
			s.logger.Warn("skipping unsupported entry", "path", childPath, "mode", info.Mode().Type().String())
		}
	}
	return node, nil
}

// prune drops file nodes that never received a hash.
func prune(n *Node) {
	kept := n.Children[:0]
	for _, child := range n.Children {
		switch child.Kind {
		case FileKind:
			if child.Hash == "" {
				continue
			}
		case DirKind:
			prune(child)
		}
		kept = append(kept, child)
	}
	n.Children = kept
}

// seal assigns every directory its hash: the fold of all descendant file
// hashes in canonical order. It returns those file hashes.
func seal(n *Node) []string {
	if n.Kind == FileKind {
		return []string{n.Hash}
	}

	var digests []string
	for _, child := range n.Children {
		digests = append(digests, seal(child)...)
	}
	n.Hash = hash.HashChildren(digests)
	return digests
}
