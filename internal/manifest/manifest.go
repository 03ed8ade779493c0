// Package manifest builds and serializes migration manifests: the record of
// which paths a patch updates and which it deletes.
//
// The wire form is
//
//	{
//	  "version": "1.0",
//	  "update": {"<segment>": {"hash": "<hex>"} | {"<segment>": ...}},
//	  "deleted": ["<relative/path>", ...]
//	}
//
// A leaf is an object whose only key is "hash" with a string value. Every
// other object is a path segment whose keys are its children.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"pulonia/internal/compare"
	"pulonia/internal/fsutil"
	"pulonia/internal/tree"
)

// Version identifies the manifest schema.
const Version = "1.0"

var ErrUnsupportedVersion = errors.New("unsupported manifest version")

// Entry is a node of the update tree: a leaf carrying a file hash, or a
// path segment holding children.
type Entry struct {
	Hash     string
	Children map[string]*Entry // nil for leaves
}

func (e *Entry) IsLeaf() bool {
	return e.Children == nil
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	if e.IsLeaf() {
		return json.Marshal(struct {
			Hash string `json:"hash"`
		}{e.Hash})
	}
	return json.Marshal(e.Children)
}

type Manifest struct {
	Version string
	Update  map[string]*Entry
	Deleted []string
}

func New() *Manifest {
	return &Manifest{
		Version: Version,
		Update:  make(map[string]*Entry),
		Deleted: make([]string, 0),
	}
}

// IsEmpty reports whether the manifest describes no change at all. Callers
// use it to skip patch generation.
func (m *Manifest) IsEmpty() bool {
	return len(m.Update) == 0 && len(m.Deleted) == 0
}

// Build folds a diff result into a manifest. Added and Modified paths become
// update leaves; Deleted paths are listed verbatim in path order.
func Build(result *compare.Result) (*Manifest, error) {
	m := New()
	for _, change := range result.Changed() {
		if err := m.Insert(change.Path, change.NewHash); err != nil {
			return nil, err
		}
	}
	for _, change := range result.Deleted {
		m.Deleted = append(m.Deleted, change.Path)
	}
	return m, nil
}

// Insert adds a leaf for path, creating intermediate segments on demand.
func (m *Manifest) Insert(path, hash string) error {
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return fmt.Errorf("invalid update path %q: empty segment", path)
		}
	}

	level := m.Update
	for i, segment := range segments {
		last := i == len(segments)-1
		existing, ok := level[segment]

		if last {
			if ok && !existing.IsLeaf() {
				return fmt.Errorf("update path %q conflicts with a directory", path)
			}
			level[segment] = &Entry{Hash: hash}
			return nil
		}

		if !ok {
			existing = &Entry{Children: make(map[string]*Entry)}
			level[segment] = existing
		} else if existing.IsLeaf() {
			return fmt.Errorf("update path %q conflicts with file %q", path, strings.Join(segments[:i+1], "/"))
		}
		level = existing.Children
	}
	return nil
}

// Flatten returns the update tree as slash-joined path -> hash.
func (m *Manifest) Flatten() map[string]string {
	files := make(map[string]string)
	var walk func(level map[string]*Entry, prefix string)
	walk = func(level map[string]*Entry, prefix string) {
		for name, entry := range level {
			path := name
			if prefix != "" {
				path = prefix + "/" + name
			}
			if entry.IsLeaf() {
				files[path] = entry.Hash
				continue
			}
			walk(entry.Children, path)
		}
	}
	walk(m.Update, "")
	return files
}

// UpdatePaths returns the flattened update paths in lexicographic order.
func (m *Manifest) UpdatePaths() []string {
	files := m.Flatten()
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

type wireManifest struct {
	Version string            `json:"version"`
	Update  map[string]*Entry `json:"update"`
	Deleted []string          `json:"deleted"`
}

// Marshal renders the manifest as indented JSON. Object keys are sorted, so
// equal manifests serialize to identical bytes.
func (m *Manifest) Marshal() ([]byte, error) {
	wire := wireManifest{Version: m.Version, Update: m.Update, Deleted: m.Deleted}
	if wire.Update == nil {
		wire.Update = map[string]*Entry{}
	}
	if wire.Deleted == nil {
		wire.Deleted = []string{}
	}

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteFile writes the manifest atomically, so a failed run never leaves a
// partial manifest at path.
func (m *Manifest) WriteFile(path string) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}

func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tree.IOError{Path: path, Op: "read", Err: err}
	}
	return Decode(data)
}

// Decode parses a manifest, rejecting unknown versions and any update node
// that is neither a leaf nor a non-empty segment.
func Decode(data []byte) (*Manifest, error) {
	var raw struct {
		Version *string                    `json:"version"`
		Update  map[string]json.RawMessage `json:"update"`
		Deleted []json.RawMessage          `json:"deleted"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &tree.MalformedTreeError{Path: "$", Reason: err.Error()}
	}
	if raw.Version == nil {
		return nil, fmt.Errorf("%w: missing version", ErrUnsupportedVersion)
	}
	if *raw.Version != Version {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, *raw.Version)
	}

	if raw.Update == nil {
		return nil, &tree.MalformedTreeError{Path: "update", Reason: "missing update object"}
	}
	if raw.Deleted == nil {
		return nil, &tree.MalformedTreeError{Path: "deleted", Reason: "missing deleted list"}
	}

	m := New()
	for name, value := range raw.Update {
		if name == "" || strings.Contains(name, "/") {
			return nil, &tree.MalformedTreeError{Path: "update", Reason: fmt.Sprintf("invalid segment %q", name)}
		}
		entry, err := decodeEntry(value, "update/"+name)
		if err != nil {
			return nil, err
		}
		m.Update[name] = entry
	}

	updated := m.Flatten()
	seen := make(map[string]bool, len(raw.Deleted))
	for i, value := range raw.Deleted {
		var path string
		if err := json.Unmarshal(value, &path); err != nil || path == "" {
			return nil, &tree.MalformedTreeError{Path: fmt.Sprintf("deleted[%d]", i), Reason: "entry is not a non-empty string"}
		}
		if _, ok := updated[path]; ok {
			return nil, &tree.MalformedTreeError{Path: fmt.Sprintf("deleted[%d]", i), Reason: fmt.Sprintf("%q is both updated and deleted", path)}
		}
		if seen[path] {
			return nil, &tree.MalformedTreeError{Path: fmt.Sprintf("deleted[%d]", i), Reason: fmt.Sprintf("%q listed twice", path)}
		}
		seen[path] = true
		m.Deleted = append(m.Deleted, path)
	}

	return m, nil
}

func decodeEntry(raw json.RawMessage, at string) (*Entry, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, &tree.MalformedTreeError{Path: at, Reason: "node is not an object"}
	}

	// {"hash": "<hex>"} is a leaf; {"hash": {...}} is a segment named "hash"
	if rawHash, ok := obj["hash"]; ok && len(obj) == 1 {
		var h string
		if err := json.Unmarshal(rawHash, &h); err == nil {
			if h == "" {
				return nil, &tree.MalformedTreeError{Path: at, Reason: "empty hash"}
			}
			return &Entry{Hash: h}, nil
		}
	}

	if len(obj) == 0 {
		return nil, &tree.MalformedTreeError{Path: at, Reason: "segment has neither hash nor children"}
	}

	entry := &Entry{Children: make(map[string]*Entry, len(obj))}
	for name, value := range obj {
		if name == "" || strings.Contains(name, "/") {
			return nil, &tree.MalformedTreeError{Path: at, Reason: fmt.Sprintf("invalid segment %q", name)}
		}
		child, err := decodeEntry(value, at+"/"+name)
		if err != nil {
			return nil, err
		}
		entry.Children[name] = child
	}
	return entry, nil
}
