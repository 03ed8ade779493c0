package tree

import (
	"path/filepath"
	"strings"
)

// Kind tags a Node as a file or a directory.
type Kind int

const (
	FileKind Kind = iota
	DirKind
)

func (k Kind) String() string {
	switch k {
	case FileKind:
		return "file"
	case DirKind:
		return "dir"
	default:
		return "unknown"
	}
}

// Node is one entry of a snapshot. Directory hashes are derived from the
// descendant file hashes and are never assigned independently.
type Node struct {
	Name     string
	Kind     Kind
	Hash     string
	Children []*Node // DirKind only, sorted by Name
}

func (n *Node) IsDir() bool {
	return n.Kind == DirKind
}

// Tree is a snapshot of one filesystem path. It is read-only once built.
type Tree struct {
	Root     *Node
	RootPath string
	// Unreadable lists files left out because they could not be read,
	// relative to RootPath and sorted. Only set when the builder skips them.
	Unreadable []string
}

// SourceDir is the directory flattened paths are relative to. A single-file
// snapshot flattens to its own name, so its parent is the source.
func (t *Tree) SourceDir() string {
	if t.Root != nil && t.Root.IsDir() {
		return t.RootPath
	}
	return filepath.Dir(t.RootPath)
}

// Entry is the flattened projection of one file in a snapshot.
type Entry struct {
	Path string // slash-separated, relative to the snapshot root
	Hash string
}

// Flatten walks the tree depth-first and returns one Entry per file, in
// canonical order. Directories contribute no entries. A snapshot whose root
// is a single file yields that file under its own name.
func (t *Tree) Flatten() []Entry {
	if t == nil || t.Root == nil {
		return nil
	}

	var entries []Entry
	switch t.Root.Kind {
	case FileKind:
		entries = append(entries, Entry{Path: t.Root.Name, Hash: t.Root.Hash})
	case DirKind:
		var walk func(n *Node, prefix []string)
		walk = func(n *Node, prefix []string) {
			for _, child := range n.Children {
				segments := append(prefix, child.Name)
				switch child.Kind {
				case FileKind:
					entries = append(entries, Entry{Path: strings.Join(segments, "/"), Hash: child.Hash})
				case DirKind:
					walk(child, segments[:len(segments):len(segments)])
				}
			}
		}
		walk(t.Root, nil)
	}
	return entries
}

// FileMap returns the flattened entries keyed by relative path.
func (t *Tree) FileMap() map[string]string {
	entries := t.Flatten()
	files := make(map[string]string, len(entries))
	for _, e := range entries {
		files[e.Path] = e.Hash
	}
	return files
}

// fileDigests returns the hashes of every file under n in canonical order.
func fileDigests(n *Node, out []string) []string {
	switch n.Kind {
	case FileKind:
		return append(out, n.Hash)
	case DirKind:
		for _, child := range n.Children {
			out = fileDigests(child, out)
		}
	}
	return out
}
