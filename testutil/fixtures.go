package testutil

import (
	"github.com/djkazic/sidechain-go/internal/secrets"
	"github.com/djkazic/sidechain-go/internal/types"
)

// SampleSecret creates a deterministic secret from a seed byte.
func SampleSecret(seed byte) *secrets.Secret {
	var s secrets.Secret
	for i := range s.PrivateKeyBytes {
		s.PrivateKeyBytes[i] = seed
	}
	return &s
}

// SampleCoinBox creates a coin box.
func SampleCoinBox(p types.Proposition, value, nonce uint64) types.Box {
	return types.Box{Type: types.BoxTypeCoin, Proposition: p, Value: value, Nonce: nonce}
}

// SampleForgerBox creates a forger box delegated to blockSign.
func SampleForgerBox(owner, blockSign types.Proposition, value, nonce uint64) types.Box {
	return types.Box{
		Type:                 types.BoxTypeForger,
		Proposition:          owner,
		Value:                value,
		Nonce:                nonce,
		BlockSignProposition: blockSign,
	}
}

// SampleBlock creates a block on the given parent.
func SampleBlock(parent [32]byte, timestamp uint64, txs ...*types.Transaction) *types.Block {
	return &types.Block{
		Header: types.BlockHeader{
			Version:   1,
			ParentID:  parent,
			Timestamp: timestamp,
		},
		Transactions: txs,
	}
}

// SampleChain creates a linear chain of empty blocks, 30 seconds apart,
// starting at the given timestamp with a zero-parent genesis.
func SampleChain(count int, startTime uint64) []*types.Block {
	blocks := make([]*types.Block, count)
	var parent [32]byte
	for i := 0; i < count; i++ {
		b := SampleBlock(parent, startTime+uint64(i)*30)
		blocks[i] = b
		parent = b.ID()
	}
	return blocks
}

// FundingTransaction creates a transaction with no inputs paying the given
// boxes. Useful to seed a test chain with spendable outputs.
func FundingTransaction(fee uint64, outputs ...types.Box) *types.Transaction {
	return &types.Transaction{Outputs: outputs, Fee: fee}
}

// SpendingTransaction creates a transaction opening the given box ids and
// paying the given outputs.
func SpendingTransaction(inputs [][32]byte, fee uint64, outputs ...types.Box) *types.Transaction {
	return &types.Transaction{InputIDs: inputs, Outputs: outputs, Fee: fee}
}
