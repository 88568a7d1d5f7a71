package state

import (
	"fmt"

	"github.com/djkazic/sidechain-go/internal/types"
)

// BoxChanges is the box delta one block induces: boxes created by its
// transactions and forward transfers, and box ids its transactions open.
type BoxChanges struct {
	ToAppend []types.Box
	ToRemove [][32]byte
}

// ExtractChanges derives a block's box changes. This is the change-extraction
// contract the wallet consumes as well; it never touches state storage.
//
// A box id appearing in both the append and remove sets of one block is
// rejected.
func ExtractChanges(block *types.Block) (*BoxChanges, error) {
	changes := &BoxChanges{}
	removed := make(map[[32]byte]struct{})

	for _, tx := range block.Transactions {
		for _, id := range tx.BoxIDsToOpen() {
			if _, ok := removed[id]; ok {
				return nil, fmt.Errorf("box %x opened twice in block", id[:8])
			}
			removed[id] = struct{}{}
			changes.ToRemove = append(changes.ToRemove, id)
		}
		for _, box := range tx.NewBoxes() {
			changes.ToAppend = append(changes.ToAppend, *box)
		}
	}

	for i := range block.MainchainBlockReferencesData {
		ref := &block.MainchainBlockReferencesData[i]
		for j := range ref.AggregatedOutputs {
			out := &ref.AggregatedOutputs[j]
			if out.Type == types.OutputForwardTransfer {
				changes.ToAppend = append(changes.ToAppend, out.Box())
			}
		}
	}

	for i := range changes.ToAppend {
		id := changes.ToAppend[i].ID()
		if _, ok := removed[id]; ok {
			return nil, fmt.Errorf("box %x in both append and remove sets", id[:8])
		}
	}
	return changes, nil
}
