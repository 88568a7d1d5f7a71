package types

import (
	"time"

	"github.com/djkazic/sidechain-go/pkg/util"
)

// BlockHeader identifies a sidechain block and links it to its parent.
type BlockHeader struct {
	Version           uint32      `cbor:"1,keyasint"`
	ParentID          [32]byte    `cbor:"2,keyasint"`
	Timestamp         uint64      `cbor:"3,keyasint"`
	ForgerProposition Proposition `cbor:"4,keyasint"`
	TxMerkleRoot      [32]byte    `cbor:"5,keyasint"`
}

// Serialize serializes the header to its fixed 108-byte wire form.
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, 0, 108)
	buf = append(buf, util.Uint32ToBytes(h.Version)...)
	buf = append(buf, h.ParentID[:]...)
	buf = append(buf, util.Uint64ToBytes(h.Timestamp)...)
	buf = append(buf, h.ForgerProposition[:]...)
	buf = append(buf, h.TxMerkleRoot[:]...)
	return buf
}

// Hash computes the double-SHA256 hash of the serialized header.
func (h *BlockHeader) Hash() [32]byte {
	return util.DoubleSHA256(h.Serialize())
}

// Block is a sidechain block: header, transactions, and data carried over from
// observed main-chain blocks.
type Block struct {
	Header                       BlockHeader
	Transactions                 []*Transaction
	MainchainBlockReferencesData []MainchainBlockReferenceData

	id *[32]byte
}

// ID returns the block id (header hash). Cached after first computation.
func (b *Block) ID() [32]byte {
	if b.id != nil {
		return *b.id
	}
	h := b.Header.Hash()
	b.id = &h
	return h
}

// ParentID returns the parent block id.
func (b *Block) ParentID() [32]byte {
	return b.Header.ParentID
}

// Timestamp returns the block timestamp.
func (b *Block) Timestamp() uint64 {
	return b.Header.Timestamp
}

// Time returns the block timestamp as a time.Time.
func (b *Block) Time() time.Time {
	return time.Unix(int64(b.Header.Timestamp), 0)
}

// IDHex returns the block id as a human-readable hex string (reversed, Bitcoin
// display order).
func (b *Block) IDHex() string {
	return util.HashToHex(b.ID())
}
