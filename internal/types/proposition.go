package types

import (
	"github.com/djkazic/sidechain-go/pkg/util"
)

// Proposition is a public-key-like identifier an output is locked to.
type Proposition [32]byte

// Hex returns the proposition as a hex string.
func (p Proposition) Hex() string {
	return util.BytesToHex(p[:])
}

// VrfPublicKey is the VRF key a forger box carries.
type VrfPublicKey [32]byte
