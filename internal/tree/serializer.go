package tree

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"pulonia/internal/fsutil"
	"pulonia/internal/hash"
)

// Document is the persisted form of a snapshot, kept for inspection and for
// comparing a directory against an earlier scan.
//
// The tree is encoded one node per single-key object:
//
//	{"<name>": {"hash": "<hex>", "child": [{"<childName>": {...}}, ...]}}
//
// Files carry only "hash". This differs from the manifest's update tree,
// which nests path segments directly and has no "child" arrays.
type Document struct {
	Generator string
	Created   time.Time
	Root      string
	IndexRoot string
	Tree      *Tree
}

type serializedTree struct {
	Generator string          `json:"generator"`
	Created   time.Time       `json:"created"`
	Root      string          `json:"root"`
	IndexRoot string          `json:"index_root,omitempty"`
	Tree      json.RawMessage `json:"tree"`
}

type nodeBody struct {
	Hash  string                   `json:"hash"`
	Child *[]map[string]*nodeBody `json:"child,omitempty"`
}

func NewDocument(t *Tree) *Document {
	return &Document{
		Generator: "pulonia",
		Created:   time.Now().UTC(),
		Root:      t.RootPath,
		Tree:      t,
	}
}

func encodeNode(n *Node) map[string]*nodeBody {
	body := &nodeBody{Hash: n.Hash}
	if n.Kind == DirKind {
		// an empty directory still carries "child": [] so it never reads as a file
		children := make([]map[string]*nodeBody, 0, len(n.Children))
		for _, child := range n.Children {
			children = append(children, encodeNode(child))
		}
		body.Child = &children
	}
	return map[string]*nodeBody{n.Name: body}
}

// EncodeNode renders n and its subtree in the snapshot node format.
func EncodeNode(n *Node) ([]byte, error) {
	return json.Marshal(encodeNode(n))
}

func Encode(doc *Document) ([]byte, error) {
	if doc.Tree == nil || doc.Tree.Root == nil {
		return nil, fmt.Errorf("document has no tree")
	}

	rawTree, err := EncodeNode(doc.Tree.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree: %w", err)
	}

	serialized := serializedTree{
		Generator: doc.Generator,
		Created:   doc.Created,
		Root:      doc.Root,
		IndexRoot: doc.IndexRoot,
		Tree:      rawTree,
	}

	data, err := json.MarshalIndent(serialized, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return append(data, '\n'), nil
}

func Save(doc *Document, path string) error {
	data, err := Encode(doc)
	if err != nil {
		return err
	}

	if err := fsutil.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Path: path, Op: "read", Err: err}
	}
	return Decode(data)
}

// Decode parses a snapshot document. Nodes are validated strictly: anything
// that is neither a well-formed file nor a well-formed directory, or a
// directory whose hash does not match its contents, is a MalformedTreeError.
func Decode(data []byte) (*Document, error) {
	var serialized serializedTree
	if err := json.Unmarshal(data, &serialized); err != nil {
		return nil, &MalformedTreeError{Path: "$", Reason: err.Error()}
	}
	if len(serialized.Tree) == 0 || string(serialized.Tree) == "null" {
		return nil, &MalformedTreeError{Path: "$", Reason: "missing tree"}
	}

	root, err := DecodeNode(serialized.Tree)
	if err != nil {
		return nil, err
	}

	return &Document{
		Generator: serialized.Generator,
		Created:   serialized.Created,
		Root:      serialized.Root,
		IndexRoot: serialized.IndexRoot,
		Tree:      &Tree{Root: root, RootPath: serialized.Root},
	}, nil
}

// DecodeNode parses a single node in the snapshot node format.
func DecodeNode(raw json.RawMessage) (*Node, error) {
	return decodeNode(raw, "$")
}

func decodeNode(raw json.RawMessage, at string) (*Node, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil || wrapper == nil {
		return nil, &MalformedTreeError{Path: at, Reason: "node is not an object"}
	}
	if len(wrapper) != 1 {
		return nil, &MalformedTreeError{Path: at, Reason: fmt.Sprintf("node must have exactly one name key, found %d", len(wrapper))}
	}

	var name string
	var rawBody json.RawMessage
	for k, v := range wrapper {
		name, rawBody = k, v
	}

	here := at + "/" + name
	// any name a POSIX directory can hold is accepted, backslashes included
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return nil, &MalformedTreeError{Path: here, Reason: fmt.Sprintf("invalid node name %q", name)}
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &body); err != nil || body == nil {
		return nil, &MalformedTreeError{Path: here, Reason: "node body is not an object"}
	}
	for key := range body {
		if key != "hash" && key != "child" {
			return nil, &MalformedTreeError{Path: here, Reason: fmt.Sprintf("unexpected key %q", key)}
		}
	}

	rawHash, ok := body["hash"]
	if !ok {
		return nil, &MalformedTreeError{Path: here, Reason: "missing hash"}
	}
	var digest string
	if err := json.Unmarshal(rawHash, &digest); err != nil {
		return nil, &MalformedTreeError{Path: here, Reason: "hash is not a string"}
	}
	if !isDigest(digest) {
		return nil, &MalformedTreeError{Path: here, Reason: fmt.Sprintf("hash %q is not a hex digest", digest)}
	}

	rawChild, isDir := body["child"]
	if !isDir {
		return &Node{Name: name, Kind: FileKind, Hash: digest}, nil
	}

	var rawChildren []json.RawMessage
	if err := json.Unmarshal(rawChild, &rawChildren); err != nil || rawChildren == nil {
		return nil, &MalformedTreeError{Path: here, Reason: "child is not an array"}
	}

	node := &Node{Name: name, Kind: DirKind, Hash: digest, Children: make([]*Node, 0, len(rawChildren))}
	seen := make(map[string]bool, len(rawChildren))
	for _, rawChild := range rawChildren {
		child, err := decodeNode(rawChild, here)
		if err != nil {
			return nil, err
		}
		if seen[child.Name] {
			return nil, &MalformedTreeError{Path: here + "/" + child.Name, Reason: "duplicate name"}
		}
		seen[child.Name] = true
		node.Children = append(node.Children, child)
	}

	sort.Slice(node.Children, func(i, j int) bool {
		return node.Children[i].Name < node.Children[j].Name
	})

	if derived := hash.HashChildren(fileDigests(node, nil)); derived != digest {
		return nil, &MalformedTreeError{Path: here, Reason: "directory hash does not match its contents"}
	}

	return node, nil
}

func isDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
