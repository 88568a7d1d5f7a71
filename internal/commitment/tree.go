// Package commitment models the main-chain sidechain-transaction commitment
// structure for one main-chain block reference. A Tree is a scoped acquisition:
// every code path that builds one must Close it on all exits, including error
// paths.
package commitment

import (
	"errors"

	"github.com/djkazic/sidechain-go/internal/merkle"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var ErrClosed = errors.New("commitment: tree used after close")

// Tree holds the forward-transfer subtree of one main-chain reference plus the
// sibling commitments needed to anchor it in the block's sidechain commitment
// root.
type Tree struct {
	headerHash [32]byte
	ftTree     *merkle.Tree
	scTree     *merkle.Tree
	closed     bool
}

func ftLeaf(o *types.MainchainOutput) [32]byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, o.Proposition[:]...)
	buf = append(buf, util.Uint64ToBytes(o.Amount)...)
	buf = append(buf, o.TxHash[:]...)
	buf = append(buf, util.Uint32ToBytes(o.TxIndex)...)
	return util.Blake2b256(buf)
}

func derived(tag string, seed [32]byte) [32]byte {
	return util.Blake2b256(append([]byte(tag), seed[:]...))
}

// NewTree builds the commitment structure for one main-chain block reference.
// The forward-transfer subtree has one leaf per forward transfer output, in
// output order, wallet-owned or not.
func NewTree(ref *types.MainchainBlockReferenceData) *Tree {
	var leaves [][32]byte
	for i := range ref.AggregatedOutputs {
		o := &ref.AggregatedOutputs[i]
		if o.Type == types.OutputForwardTransfer {
			leaves = append(leaves, ftLeaf(o))
		}
	}
	t := &Tree{
		headerHash: ref.HeaderHash,
		ftTree:     merkle.NewTree(leaves),
	}
	t.scTree = merkle.NewTree([][32]byte{
		t.ftTree.Root(),
		t.btrCommitment(),
		t.certCommitment(),
		t.scCrCommitment(),
	})
	return t
}

func (t *Tree) btrCommitment() [32]byte  { return derived("btr/", t.headerHash) }
func (t *Tree) certCommitment() [32]byte { return derived("cert/", t.headerHash) }
func (t *Tree) scCrCommitment() [32]byte { return derived("scCr/", t.headerHash) }

// FtMerklePath returns the audit path of the forward transfer at the given
// leaf index within the reference's forward-transfer subtree.
func (t *Tree) FtMerklePath(leafIdx int) (*merkle.Path, error) {
	if t.closed {
		return nil, ErrClosed
	}
	return t.ftTree.PathForIndex(leafIdx)
}

// ScCommitmentMerklePath returns the path of the forward-transfer subtree root
// within the sidechain commitment structure.
func (t *Tree) ScCommitmentMerklePath() (*merkle.Path, error) {
	if t.closed {
		return nil, ErrClosed
	}
	return t.scTree.PathForIndex(0)
}

// Commitments returns the sibling commitments anchoring the forward-transfer
// subtree.
func (t *Tree) Commitments() (btr, cert, scCr [32]byte, err error) {
	if t.closed {
		return [32]byte{}, [32]byte{}, [32]byte{}, ErrClosed
	}
	return t.btrCommitment(), t.certCommitment(), t.scCrCommitment(), nil
}

// Close releases the tree. Further use fails with ErrClosed.
func (t *Tree) Close() {
	t.closed = true
}

// Closed reports whether the tree has been released.
func (t *Tree) Closed() bool {
	return t.closed
}
