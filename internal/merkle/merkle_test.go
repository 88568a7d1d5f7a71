package merkle

import (
	"testing"
)

func leaf(b byte) [32]byte {
	var l [32]byte
	l[0] = b
	return l
}

func TestTreeSingleLeaf(t *testing.T) {
	tr := NewTree([][32]byte{leaf(1)})
	if tr.Root() != leaf(1) {
		t.Error("single-leaf root should equal the leaf")
	}
	p, err := tr.PathForLeaf(leaf(1))
	if err != nil {
		t.Fatalf("PathForLeaf: %v", err)
	}
	if len(p.Nodes) != 0 {
		t.Errorf("single-leaf path has %d nodes", len(p.Nodes))
	}
	if p.Apply(leaf(1)) != tr.Root() {
		t.Error("path does not verify")
	}
}

func TestTreePathsVerify(t *testing.T) {
	for _, n := range []int{2, 3, 4, 5, 7, 8} {
		leaves := make([][32]byte, n)
		for i := range leaves {
			leaves[i] = leaf(byte(i + 1))
		}
		tr := NewTree(leaves)
		root := tr.Root()
		for i, l := range leaves {
			p, err := tr.PathForIndex(i)
			if err != nil {
				t.Fatalf("n=%d PathForIndex(%d): %v", n, i, err)
			}
			if p.Apply(l) != root {
				t.Errorf("n=%d leaf %d: path does not verify", n, i)
			}
		}
	}
}

func TestTreeUnknownLeaf(t *testing.T) {
	tr := NewTree([][32]byte{leaf(1), leaf(2)})
	if _, err := tr.PathForLeaf(leaf(9)); err != ErrLeafNotFound {
		t.Errorf("expected ErrLeafNotFound, got %v", err)
	}
	if _, err := tr.PathForIndex(5); err != ErrLeafNotFound {
		t.Errorf("expected ErrLeafNotFound, got %v", err)
	}
}

func TestTreeWrongLeafFailsVerification(t *testing.T) {
	leaves := [][32]byte{leaf(1), leaf(2), leaf(3), leaf(4)}
	tr := NewTree(leaves)
	p, _ := tr.PathForIndex(0)
	if p.Apply(leaf(9)) == tr.Root() {
		t.Error("path verified a leaf that is not in the tree")
	}
}

func TestTreeEmpty(t *testing.T) {
	tr := NewTree(nil)
	if tr.Root() != ([32]byte{}) {
		t.Error("empty tree root should be the zero hash")
	}
}
