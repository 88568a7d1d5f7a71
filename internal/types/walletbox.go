package types

// WalletBox is a box tracked by the wallet, with the transaction that created
// it and the timestamp of the enclosing block. Fee-payment boxes have no
// creating transaction.
type WalletBox struct {
	Box            Box       `cbor:"1,keyasint"`
	CreatingTxID   *[32]byte `cbor:"2,keyasint,omitempty"`
	BlockTimestamp uint64    `cbor:"3,keyasint"`
}
