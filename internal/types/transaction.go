package types

import (
	"github.com/djkazic/sidechain-go/pkg/util"
)

// Transaction spends a set of boxes and creates new ones.
type Transaction struct {
	InputIDs [][32]byte `cbor:"1,keyasint"`
	Outputs  []Box      `cbor:"2,keyasint"`
	Fee      uint64     `cbor:"3,keyasint"`

	id *[32]byte
}

// Serialize returns the canonical byte form used for id derivation.
func (tx *Transaction) Serialize() []byte {
	out := util.WriteCompactSize(uint64(len(tx.InputIDs)))
	for _, in := range tx.InputIDs {
		out = append(out, in[:]...)
	}
	out = append(out, util.WriteCompactSize(uint64(len(tx.Outputs)))...)
	for i := range tx.Outputs {
		out = append(out, tx.Outputs[i].Serialize()...)
	}
	out = append(out, util.Uint64ToBytes(tx.Fee)...)
	return out
}

// ID returns the transaction id. Cached after first computation.
func (tx *Transaction) ID() [32]byte {
	if tx.id != nil {
		return *tx.id
	}
	h := util.Blake2b256(tx.Serialize())
	tx.id = &h
	return h
}

// BoxIDsToOpen lists the box ids this transaction spends.
func (tx *Transaction) BoxIDsToOpen() [][32]byte {
	return tx.InputIDs
}

// NewBoxes returns pointers to the boxes this transaction creates.
func (tx *Transaction) NewBoxes() []*Box {
	out := make([]*Box, len(tx.Outputs))
	for i := range tx.Outputs {
		out[i] = &tx.Outputs[i]
	}
	return out
}
