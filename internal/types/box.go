package types

import (
	"github.com/djkazic/sidechain-go/pkg/util"
)

// BoxType discriminates the kinds of on-chain outputs.
type BoxType uint8

const (
	BoxTypeCoin   BoxType = 1
	BoxTypeForger BoxType = 2
	BoxTypeCustom BoxType = 3
)

// Box is an unspent output owned by a Proposition. Forger boxes additionally
// carry a block-sign proposition and a VRF key.
type Box struct {
	Type        BoxType     `cbor:"1,keyasint"`
	Proposition Proposition `cbor:"2,keyasint"`
	Value       uint64      `cbor:"3,keyasint"`
	Nonce       uint64      `cbor:"4,keyasint"`

	// Forger box fields.
	BlockSignProposition Proposition  `cbor:"5,keyasint,omitempty"`
	VrfPublicKey         VrfPublicKey `cbor:"6,keyasint,omitempty"`

	// Application-defined payload digest, part of the CSW evidence for coin
	// boxes.
	CustomFieldsHash [32]byte `cbor:"7,keyasint,omitempty"`

	id *[32]byte
}

// Serialize returns the canonical byte form used for id derivation.
func (b *Box) Serialize() []byte {
	out := []byte{byte(b.Type)}
	out = append(out, b.Proposition[:]...)
	out = append(out, util.Uint64ToBytes(b.Value)...)
	out = append(out, util.Uint64ToBytes(b.Nonce)...)
	if b.Type == BoxTypeForger {
		out = append(out, b.BlockSignProposition[:]...)
		out = append(out, b.VrfPublicKey[:]...)
	}
	out = append(out, b.CustomFieldsHash[:]...)
	return out
}

// ID returns the box's unique 32-byte id. Cached after first computation.
func (b *Box) ID() [32]byte {
	if b.id != nil {
		return *b.id
	}
	h := util.Blake2b256(b.Serialize())
	b.id = &h
	return h
}

// IsCoin reports whether the box is a plain coin box.
func (b *Box) IsCoin() bool {
	return b.Type == BoxTypeCoin
}

// IsForger reports whether the box entitles its owner to forge blocks.
func (b *Box) IsForger() bool {
	return b.Type == BoxTypeForger
}

// ForgingStakeInfo summarizes a forger box's stake for the epoch stake tree.
func (b *Box) ForgingStakeInfo() ForgingStakeInfo {
	return ForgingStakeInfo{
		BlockSignProposition: b.BlockSignProposition,
		VrfPublicKey:         b.VrfPublicKey,
		StakeAmount:          b.Value,
	}
}

// ForgingStakeInfo is the (stake, signing key, VRF key) summary hashed into an
// epoch's forging-stake merkle tree.
type ForgingStakeInfo struct {
	BlockSignProposition Proposition  `cbor:"1,keyasint"`
	VrfPublicKey         VrfPublicKey `cbor:"2,keyasint"`
	StakeAmount          uint64       `cbor:"3,keyasint"`
}

// Hash returns the stake tree leaf hash for this entry.
func (f ForgingStakeInfo) Hash() [32]byte {
	buf := make([]byte, 0, 72)
	buf = append(buf, f.BlockSignProposition[:]...)
	buf = append(buf, f.VrfPublicKey[:]...)
	buf = append(buf, util.Uint64ToBytes(f.StakeAmount)...)
	return util.Blake2b256(buf)
}
