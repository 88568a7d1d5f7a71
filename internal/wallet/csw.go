package wallet

import (
	"fmt"

	"github.com/djkazic/sidechain-go/internal/commitment"
	"github.com/djkazic/sidechain-go/internal/state"
	"github.com/djkazic/sidechain-go/internal/types"
)

// computeCswData materializes the block's ceased-sidechain-withdrawal
// evidence: one UTXO entry per currently-held coin box when the epoch-end
// merkle view is present, plus one forward-transfer entry per wallet-owned FT
// in the block's main-chain references.
func (w *Wallet) computeCswData(block *types.Block, utxoView *state.UtxoMerkleTreeView) (*types.EpochCswData, error) {
	out := &types.EpochCswData{}

	if utxoView != nil {
		boxes, err := w.AllBoxes()
		if err != nil {
			return nil, err
		}
		for i := range boxes {
			box := &boxes[i].Box
			if !box.IsCoin() {
				continue
			}
			path, err := utxoView.MerklePath(box.ID())
			if err != nil {
				return nil, fmt.Errorf("utxo merkle path for box %x: %w", box.ID(), err)
			}
			out.Utxo = append(out.Utxo, types.UtxoCswData{
				BoxID:            box.ID(),
				Proposition:      box.Proposition,
				Value:            box.Value,
				Nonce:            box.Nonce,
				CustomFieldsHash: box.CustomFieldsHash,
				UtxoMerklePath:   path,
			})
		}
	}

	pubKeys := w.secrets.PublicImages()
	for i := range block.MainchainBlockReferencesData {
		ref := &block.MainchainBlockReferencesData[i]
		entries, err := w.ftCswForReference(ref, pubKeys)
		if err != nil {
			return nil, err
		}
		out.Ft = append(out.Ft, entries...)
	}
	return out, nil
}

// ftCswForReference walks one main-chain reference's aggregated outputs. The
// leaf index increments for every forward transfer output, wallet-owned or
// not; sidechain creation outputs are skipped entirely. The commitment tree is
// a scoped acquisition, released on every exit.
func (w *Wallet) ftCswForReference(ref *types.MainchainBlockReferenceData, pubKeys map[types.Proposition]struct{}) (_ []types.FtCswData, err error) {
	ct := commitment.NewTree(ref)
	defer ct.Close()

	var out []types.FtCswData
	leafIdx := 0
	for j := range ref.AggregatedOutputs {
		o := &ref.AggregatedOutputs[j]
		if o.Type != types.OutputForwardTransfer {
			continue
		}
		idx := leafIdx
		leafIdx++

		if _, mine := pubKeys[o.Proposition]; !mine {
			continue
		}

		ftPath, err := ct.FtMerklePath(idx)
		if err != nil {
			return nil, err
		}
		scPath, err := ct.ScCommitmentMerklePath()
		if err != nil {
			return nil, err
		}
		btr, cert, scCr, err := ct.Commitments()
		if err != nil {
			return nil, err
		}

		box := o.Box()
		out = append(out, types.FtCswData{
			BoxID:                  box.ID(),
			Amount:                 o.Amount,
			Proposition:            o.Proposition,
			McReturnAddress:        o.McReturnAddress,
			TxHash:                 o.TxHash,
			TxIndex:                o.TxIndex,
			LeafIndex:              uint32(idx),
			ScCommitmentMerklePath: scPath,
			BtrCommitment:          btr,
			CertCommitment:         cert,
			ScCrCommitment:         scCr,
			FtMerklePath:           ftPath,
		})
	}
	return out, nil
}
