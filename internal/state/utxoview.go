package state

import (
	"sort"

	"github.com/djkazic/sidechain-go/internal/merkle"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

// UtxoMerkleTreeView is a point-in-time merkle view over the state's coin box
// set, handed to the wallet by value on the last block of a withdrawal epoch.
type UtxoMerkleTreeView struct {
	tree  *merkle.Tree
	index map[[32]byte]int // box id -> leaf index
}

func utxoLeaf(box *types.Box) [32]byte {
	id := box.ID()
	buf := make([]byte, 0, 64)
	buf = append(buf, id[:]...)
	buf = append(buf, box.CustomFieldsHash[:]...)
	return util.Blake2b256(buf)
}

func newUtxoMerkleTreeView(boxes []types.Box) *UtxoMerkleTreeView {
	sort.Slice(boxes, func(i, j int) bool {
		a, b := boxes[i].ID(), boxes[j].ID()
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	v := &UtxoMerkleTreeView{index: make(map[[32]byte]int, len(boxes))}
	leaves := make([][32]byte, len(boxes))
	for i := range boxes {
		leaves[i] = utxoLeaf(&boxes[i])
		v.index[boxes[i].ID()] = i
	}
	v.tree = merkle.NewTree(leaves)
	return v
}

// Root returns the view's merkle root.
func (v *UtxoMerkleTreeView) Root() [32]byte {
	return v.tree.Root()
}

// MerklePath returns the audit path for the given box id.
func (v *UtxoMerkleTreeView) MerklePath(boxID [32]byte) (*merkle.Path, error) {
	idx, ok := v.index[boxID]
	if !ok {
		return nil, merkle.ErrLeafNotFound
	}
	return v.tree.PathForIndex(idx)
}
