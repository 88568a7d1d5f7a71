package types

import (
	"github.com/djkazic/sidechain-go/pkg/util"
)

// MainchainOutputType discriminates sidechain-related main-chain outputs.
type MainchainOutputType uint8

const (
	OutputSidechainCreation MainchainOutputType = 1
	OutputForwardTransfer   MainchainOutputType = 2
)

// MainchainOutput is one sidechain-related output of a main-chain transaction,
// as carried inside an aggregated transaction.
type MainchainOutput struct {
	Type            MainchainOutputType `cbor:"1,keyasint"`
	Proposition     Proposition         `cbor:"2,keyasint"`
	Amount          uint64              `cbor:"3,keyasint"`
	McReturnAddress [20]byte            `cbor:"4,keyasint"`
	TxHash          [32]byte            `cbor:"5,keyasint"`
	TxIndex         uint32              `cbor:"6,keyasint"`
}

// Box materializes a forward transfer as a coin box. The nonce is derived from
// the originating main-chain transaction so re-derivation is stable.
func (o *MainchainOutput) Box() Box {
	seed := append(append([]byte(nil), o.TxHash[:]...), util.Uint32ToBytes(o.TxIndex)...)
	nonceHash := util.Blake2b256(seed)
	nonce, _, _ := util.ReadUint64(nonceHash[:8])
	return Box{
		Type:        BoxTypeCoin,
		Proposition: o.Proposition,
		Value:       o.Amount,
		Nonce:       nonce,
	}
}

// MainchainBlockReferenceData is the sidechain-relevant payload of one observed
// main-chain block: the outputs of its sidechain-related aggregated
// transaction, if any.
type MainchainBlockReferenceData struct {
	HeaderHash        [32]byte          `cbor:"1,keyasint"`
	AggregatedOutputs []MainchainOutput `cbor:"2,keyasint,omitempty"`
}
