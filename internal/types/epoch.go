package types

import (
	"github.com/djkazic/sidechain-go/internal/merkle"
)

// WithdrawalEpochInfo locates a block inside its withdrawal epoch.
type WithdrawalEpochInfo struct {
	Epoch int32 `cbor:"1,keyasint"`
	Index int32 `cbor:"2,keyasint"`
}

// ConsensusEpochInfo is the forging-stake snapshot of one consensus epoch.
type ConsensusEpochInfo struct {
	Epoch            int32
	ForgingStakeTree *merkle.Tree
	ForgersStake     uint64
}

// FullConsensusEpochInfo pairs the stake snapshot with the epoch nonce history
// derives.
type FullConsensusEpochInfo struct {
	StakeInfo ConsensusEpochInfo
	Nonce     [32]byte
}

// ForgingStakeMerklePathInfo is a stake entry together with its audit path in
// the epoch's forging-stake tree.
type ForgingStakeMerklePathInfo struct {
	StakeInfo ForgingStakeInfo `cbor:"1,keyasint"`
	Path      *merkle.Path     `cbor:"2,keyasint"`
}
