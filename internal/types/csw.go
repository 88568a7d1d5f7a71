package types

import (
	"github.com/djkazic/sidechain-go/internal/merkle"
)

// UtxoCswData is the ceased-sidechain-withdrawal evidence for one coin box the
// wallet holds at the end of a withdrawal epoch.
type UtxoCswData struct {
	BoxID            [32]byte     `cbor:"1,keyasint"`
	Proposition      Proposition  `cbor:"2,keyasint"`
	Value            uint64       `cbor:"3,keyasint"`
	Nonce            uint64       `cbor:"4,keyasint"`
	CustomFieldsHash [32]byte     `cbor:"5,keyasint"`
	UtxoMerklePath   *merkle.Path `cbor:"6,keyasint"`
}

// FtCswData is the ceased-sidechain-withdrawal evidence for one wallet-owned
// forward transfer. LeafIndex is the forward transfer's position among ALL
// forward transfer outputs of its aggregated transaction, wallet-owned or not.
type FtCswData struct {
	BoxID                  [32]byte     `cbor:"1,keyasint"`
	Amount                 uint64       `cbor:"2,keyasint"`
	Proposition            Proposition  `cbor:"3,keyasint"`
	McReturnAddress        [20]byte     `cbor:"4,keyasint"`
	TxHash                 [32]byte     `cbor:"5,keyasint"`
	TxIndex                uint32       `cbor:"6,keyasint"`
	LeafIndex              uint32       `cbor:"7,keyasint"`
	ScCommitmentMerklePath *merkle.Path `cbor:"8,keyasint"`
	BtrCommitment          [32]byte     `cbor:"9,keyasint"`
	CertCommitment         [32]byte     `cbor:"10,keyasint"`
	ScCrCommitment         [32]byte     `cbor:"11,keyasint"`
	FtMerklePath           *merkle.Path `cbor:"12,keyasint"`
}

// EpochCswData is the per-withdrawal-epoch CSW record the wallet persists.
type EpochCswData struct {
	Utxo []UtxoCswData `cbor:"1,keyasint,omitempty"`
	Ft   []FtCswData   `cbor:"2,keyasint,omitempty"`
}
