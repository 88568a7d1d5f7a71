// Package merkle builds binary hash trees over 32-byte leaves and produces
// audit paths for membership proofs. The tree is stored as a linear array; the
// root is the last element. A parent with a single child hashes the child
// concatenated with itself.
package merkle

import (
	"errors"

	"github.com/djkazic/sidechain-go/pkg/util"
)

var ErrLeafNotFound = errors.New("merkle: leaf not found")

// PathNode is one step of an audit path: the sibling hash and whether that
// sibling sits on the left of the concatenation.
type PathNode struct {
	Hash   [32]byte `cbor:"1,keyasint"`
	IsLeft bool     `cbor:"2,keyasint"`
}

// Path is an audit path from a leaf up to the root.
type Path struct {
	Nodes []PathNode `cbor:"1,keyasint"`
}

// Apply hashes the leaf up the path and returns the resulting root.
func (p *Path) Apply(leaf [32]byte) [32]byte {
	h := leaf
	for _, n := range p.Nodes {
		if n.IsLeft {
			h = hashPair(n.Hash, h)
		} else {
			h = hashPair(h, n.Hash)
		}
	}
	return h
}

// Tree is a binary merkle tree over a fixed leaf sequence.
type Tree struct {
	leaves [][32]byte
	nodes  [][32]byte // linear layout, root last
}

func hashPair(left, right [32]byte) [32]byte {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return util.Blake2b256(buf[:])
}

func nextPowerOfTwo(n int) int {
	if n&(n-1) == 0 {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NewTree builds a tree over the given leaves. An empty leaf set yields a tree
// whose root is the zero hash.
func NewTree(leaves [][32]byte) *Tree {
	t := &Tree{leaves: append([][32]byte(nil), leaves...)}
	if len(leaves) == 0 {
		t.nodes = [][32]byte{{}}
		return t
	}

	pot := nextPowerOfTwo(len(leaves))
	nodes := make([][32]byte, 0, 2*pot-1)
	level := append([][32]byte(nil), leaves...)
	nodes = append(nodes, level...)
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		nodes = append(nodes, next...)
		level = next
	}
	t.nodes = nodes
	return t
}

// Root returns the tree root.
func (t *Tree) Root() [32]byte {
	return t.nodes[len(t.nodes)-1]
}

// Leaves returns the leaf sequence the tree was built over.
func (t *Tree) Leaves() [][32]byte {
	return t.leaves
}

// PathForLeaf returns the audit path for the first leaf equal to the given
// hash.
func (t *Tree) PathForLeaf(leaf [32]byte) (*Path, error) {
	for i, l := range t.leaves {
		if l == leaf {
			return t.PathForIndex(i)
		}
	}
	return nil, ErrLeafNotFound
}

// PathForIndex returns the audit path for the leaf at the given index.
func (t *Tree) PathForIndex(idx int) (*Path, error) {
	if idx < 0 || idx >= len(t.leaves) {
		return nil, ErrLeafNotFound
	}

	path := &Path{}
	level := append([][32]byte(nil), t.leaves...)
	pos := idx
	for len(level) > 1 {
		sib := pos ^ 1
		if sib >= len(level) {
			sib = pos // odd tail duplicates itself
		}
		path.Nodes = append(path.Nodes, PathNode{Hash: level[sib], IsLeft: sib < pos})

		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
		pos /= 2
	}
	return path, nil
}
