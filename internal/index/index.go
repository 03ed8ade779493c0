// Package index computes a Merkle root over the flattened entries of a
// snapshot and proves that a single (path, hash) pair belongs to it, without
// shipping the rest of the snapshot.
package index

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	merkletree "github.com/txaty/go-merkletree"

	"pulonia/internal/hash"
	"pulonia/internal/tree"
)

type leaf tree.Entry

// Serialize implements merkletree.DataBlock.
func (l leaf) Serialize() ([]byte, error) {
	return []byte(l.Path + "\x00" + l.Hash), nil
}

type Index struct {
	Root    []byte
	entries []tree.Entry // sorted by path
	proofs  []*merkletree.Proof
}

// Proof shows that Entry is a leaf of an index with a given root.
type Proof struct {
	Entry    tree.Entry
	Siblings [][]byte
	Position uint32
}

func config() *merkletree.Config {
	return &merkletree.Config{
		HashFunc: hash.XXHashFunc,
		Mode:     merkletree.ModeProofGen,
	}
}

// Build indexes entries in path order. The Merkle tree needs at least two
// leaves, so an empty index hashes nothing and a single entry is its own root.
func Build(entries []tree.Entry) (*Index, error) {
	sorted := make([]tree.Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Path < sorted[j].Path
	})

	ix := &Index{entries: sorted}

	switch len(sorted) {
	case 0:
		root, err := hash.XXHashFunc(nil)
		if err != nil {
			return nil, err
		}
		ix.Root = root
		return ix, nil
	case 1:
		root, err := leafHash(sorted[0])
		if err != nil {
			return nil, err
		}
		ix.Root = root
		ix.proofs = []*merkletree.Proof{{}}
		return ix, nil
	}

	blocks := make([]merkletree.DataBlock, len(sorted))
	for i, e := range sorted {
		blocks[i] = leaf(e)
	}

	mt, err := merkletree.New(config(), blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}

	ix.Root = mt.Root
	ix.proofs = mt.Proofs
	return ix, nil
}

func (ix *Index) RootHex() string {
	return hex.EncodeToString(ix.Root)
}

func (ix *Index) Len() int {
	return len(ix.entries)
}

// Prove returns the inclusion proof for path.
func (ix *Index) Prove(path string) (*Proof, error) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].Path >= path
	})
	if i == len(ix.entries) || ix.entries[i].Path != path {
		return nil, fmt.Errorf("%s: not in index", path)
	}

	p := ix.proofs[i]
	return &Proof{
		Entry:    ix.entries[i],
		Siblings: p.Siblings,
		Position: p.Path,
	}, nil
}

// Verify checks proof against root.
func Verify(proof *Proof, root []byte) (bool, error) {
	if len(proof.Siblings) == 0 {
		h, err := leafHash(proof.Entry)
		if err != nil {
			return false, err
		}
		return bytes.Equal(h, root), nil
	}

	return merkletree.Verify(leaf(proof.Entry), &merkletree.Proof{
		Siblings: proof.Siblings,
		Path:     proof.Position,
	}, root, config())
}

func leafHash(e tree.Entry) ([]byte, error) {
	data, err := leaf(e).Serialize()
	if err != nil {
		return nil, err
	}
	return hash.XXHashFunc(data)
}
