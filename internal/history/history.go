// Package history maintains the ordered block graph and the best-chain
// pointer. Appending a block yields a ProgressInfo describing what the
// coordinator must roll back and apply; the best-block write in
// ReportModifierIsValid is the atomic crossing point restart recovery keys on.
package history

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var (
	ErrUnknownParent = errors.New("history: parent block not found")
	ErrUnknownBlock  = errors.New("history: block not found")
)

var (
	bestKey     = []byte("best")
	blockPrefix = []byte("b/")
	chainPrefix = []byte("c/")
	feePrefix   = []byte("fp/")
	epochPrefix = []byte("e/")
)

// ProgressInfo describes the delta between the current best chain and a newly
// offered block.
type ProgressInfo struct {
	BranchPoint          *[32]byte
	ToRemove             []*types.Block
	ToApply              []*types.Block
	ToDownload           [][32]byte
	ChainSwitchingNeeded bool
}

type blockRecord struct {
	Block   *types.Block `cbor:"1,keyasint"`
	Height  uint64       `cbor:"2,keyasint"`
	Invalid bool         `cbor:"3,keyasint"`
}

type epochRecord struct {
	StakeRoot  [32]byte `cbor:"1,keyasint"`
	TotalStake uint64   `cbor:"2,keyasint"`
	Nonce      [32]byte `cbor:"3,keyasint"`
}

// History is the block graph over two versioned stores: the block store and
// the consensus-data store.
type History struct {
	store     *storage.VersionedStore
	consensus *storage.VersionedStore
	logger    *zap.Logger
}

// New wires a history over its stores.
func New(store, consensus *storage.VersionedStore, logger *zap.Logger) *History {
	return &History{store: store, consensus: consensus, logger: logger}
}

func blockKey(id [32]byte) []byte {
	return append(append([]byte(nil), blockPrefix...), id[:]...)
}

func chainKey(height uint64) []byte {
	return append(append([]byte(nil), chainPrefix...), util.Uint64ToBytes(height)...)
}

// record fetches a stored block record.
func (h *History) record(id [32]byte) (*blockRecord, bool, error) {
	raw, ok, err := h.store.Get(blockKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec blockRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode block record: %w", err)
	}
	return &rec, true, nil
}

// Contains reports whether the block id is stored.
func (h *History) Contains(id [32]byte) bool {
	_, ok, err := h.record(id)
	return err == nil && ok
}

// Block returns a stored block.
func (h *History) Block(id [32]byte) (*types.Block, bool, error) {
	rec, ok, err := h.record(id)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec.Block, true, nil
}

// Height returns a stored block's height.
func (h *History) Height(id [32]byte) (uint64, bool, error) {
	rec, ok, err := h.record(id)
	if err != nil || !ok {
		return 0, false, err
	}
	return rec.Height, true, nil
}

// BestBlockID returns the best-chain tip.
func (h *History) BestBlockID() ([32]byte, bool) {
	raw, ok, err := h.store.Get(bestKey)
	if err != nil || !ok || len(raw) != 32 {
		return [32]byte{}, false
	}
	var id [32]byte
	copy(id[:], raw)
	return id, true
}

func (h *History) bestHeight() uint64 {
	best, ok := h.BestBlockID()
	if !ok {
		return 0
	}
	height, _, _ := h.Height(best)
	return height
}

// IsInActiveChain reports whether the block id lies on the current best chain.
func (h *History) IsInActiveChain(id [32]byte) bool {
	height, ok, err := h.Height(id)
	if err != nil || !ok {
		return false
	}
	if height > h.bestHeight() {
		return false
	}
	raw, ok, err := h.store.Get(chainKey(height))
	if err != nil || !ok || len(raw) != 32 {
		return false
	}
	var at [32]byte
	copy(at[:], raw)
	return at == id
}

// Append stores the block and computes the ProgressInfo the coordinator must
// act on. The parent must already be stored (except for the genesis block).
func (h *History) Append(block *types.Block) (*ProgressInfo, error) {
	id := block.ID()

	var height uint64
	genesis := h.store.IsEmpty()
	if genesis {
		height = 1
	} else {
		parentRec, ok, err := h.record(block.ParentID())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownParent, block.ParentID())
		}
		if parentRec.Invalid {
			return nil, fmt.Errorf("history: parent %x is invalid", block.ParentID())
		}
		height = parentRec.Height + 1
	}

	raw, err := cbor.Marshal(&blockRecord{Block: block, Height: height})
	if err != nil {
		return nil, err
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return nil, err
	}
	err = h.store.Update(version, []storage.Entry{{Key: blockKey(id), Value: raw}}, nil)
	if err != nil {
		return nil, err
	}

	best, hasBest := h.BestBlockID()
	if genesis || !hasBest {
		return &ProgressInfo{ToApply: []*types.Block{block}}, nil
	}
	if block.ParentID() == best {
		return &ProgressInfo{ToApply: []*types.Block{block}}, nil
	}

	// Side block. Switch only when the fork is strictly better.
	if height <= h.bestHeight() {
		h.logger.Debug("stored side block",
			zap.String("block", util.HashToHex(id)),
			zap.Uint64("height", height))
		return &ProgressInfo{}, nil
	}

	// Walk the fork back to the active chain.
	branch, forkPath, err := h.forkPath(block)
	if err != nil {
		return nil, err
	}
	toRemove, err := h.activeSuffixAfter(branch)
	if err != nil {
		return nil, err
	}
	h.logger.Info("chain switch needed",
		zap.String("branch_point", util.HashToHex(branch)),
		zap.Int("to_remove", len(toRemove)),
		zap.Int("to_apply", len(forkPath)))
	return &ProgressInfo{
		BranchPoint:          &branch,
		ToRemove:             toRemove,
		ToApply:              forkPath,
		ChainSwitchingNeeded: true,
	}, nil
}

// forkPath walks from the block back to the first active-chain ancestor,
// returning that ancestor and the fork blocks oldest-first.
func (h *History) forkPath(block *types.Block) ([32]byte, []*types.Block, error) {
	var path []*types.Block
	cur := block
	for {
		path = append([]*types.Block{cur}, path...)
		parent := cur.ParentID()
		if h.IsInActiveChain(parent) {
			return parent, path, nil
		}
		rec, ok, err := h.record(parent)
		if err != nil {
			return [32]byte{}, nil, err
		}
		if !ok {
			return [32]byte{}, nil, fmt.Errorf("%w: %x", ErrUnknownParent, parent)
		}
		cur = rec.Block
	}
}

// activeSuffixAfter returns the active-chain blocks above the branch point,
// oldest-first.
func (h *History) activeSuffixAfter(branch [32]byte) ([]*types.Block, error) {
	branchHeight, ok, err := h.Height(branch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: branch point", ErrUnknownBlock)
	}
	var out []*types.Block
	for height := branchHeight + 1; height <= h.bestHeight(); height++ {
		raw, ok, err := h.store.Get(chainKey(height))
		if err != nil {
			return nil, err
		}
		if !ok || len(raw) != 32 {
			break
		}
		var id [32]byte
		copy(id[:], raw)
		block, ok, err := h.Block(id)
		if err != nil || !ok {
			return nil, fmt.Errorf("active chain block at height %d missing", height)
		}
		out = append(out, block)
	}
	return out, nil
}

// ReportModifierIsValid flips the best-block pointer to the given block and
// indexes it into the active chain. This is the last write of a block
// application, the atomic crossing point visible to future restarts.
func (h *History) ReportModifierIsValid(block *types.Block) error {
	id := block.ID()
	height, ok, err := h.Height(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownBlock, id)
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return err
	}
	err = h.store.Update(version, []storage.Entry{
		{Key: chainKey(height), Value: append([]byte(nil), id[:]...)},
		{Key: bestKey, Value: append([]byte(nil), id[:]...)},
	}, nil)
	if err != nil {
		return err
	}
	h.logger.Debug("best block advanced",
		zap.String("block", util.HashToHex(id)),
		zap.Uint64("height", height))
	return nil
}

// ReportModifierIsInvalid marks the block invalid and returns the alternative
// ProgressInfo: the former best chain when a switch was in flight, empty
// otherwise.
func (h *History) ReportModifierIsInvalid(block *types.Block, pi *ProgressInfo) (*ProgressInfo, error) {
	id := block.ID()
	rec, ok, err := h.record(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownBlock, id)
	}
	rec.Invalid = true
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return nil, err
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return nil, err
	}
	if err := h.store.Update(version, []storage.Entry{{Key: blockKey(id), Value: raw}}, nil); err != nil {
		return nil, err
	}
	h.logger.Warn("block marked invalid", zap.String("block", util.HashToHex(id)))

	if pi != nil && pi.ChainSwitchingNeeded && len(pi.ToRemove) > 0 {
		return &ProgressInfo{
			BranchPoint:          pi.BranchPoint,
			ToApply:              pi.ToRemove,
			ChainSwitchingNeeded: true,
		}, nil
	}
	return &ProgressInfo{}, nil
}

// ChainBack walks parent links from the given block until the predicate holds,
// returning the path oldest-first with the satisfying ancestor at its head.
// Returns nil if no ancestor satisfies the predicate.
func (h *History) ChainBack(from [32]byte, pred func([32]byte) bool, limit int) [][32]byte {
	path := [][32]byte{}
	cur := from
	for steps := 0; steps < limit; steps++ {
		path = append([][32]byte{cur}, path...)
		if pred(cur) {
			return path
		}
		rec, ok, err := h.record(cur)
		if err != nil || !ok {
			return nil
		}
		parent := rec.Block.ParentID()
		if parent == ([32]byte{}) {
			if pred(parent) {
				return append([][32]byte{parent}, path...)
			}
			return nil
		}
		cur = parent
	}
	return nil
}

// CalculateEpochNonce derives the consensus nonce for an epoch from the
// current best block.
func (h *History) CalculateEpochNonce(epoch int32) [32]byte {
	best, _ := h.BestBlockID()
	seed := append(append([]byte("nonce/"), util.Uint32ToBytes(uint32(epoch))...), best[:]...)
	return util.Blake2b256(seed)
}

// ApplyFullConsensusEpochInfo stores an epoch's stake snapshot and nonce in
// the consensus-data store.
func (h *History) ApplyFullConsensusEpochInfo(info types.FullConsensusEpochInfo) error {
	rec := epochRecord{
		StakeRoot:  info.StakeInfo.ForgingStakeTree.Root(),
		TotalStake: info.StakeInfo.ForgersStake,
		Nonce:      info.Nonce,
	}
	raw, err := cbor.Marshal(&rec)
	if err != nil {
		return err
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return err
	}
	key := append(append([]byte(nil), epochPrefix...), util.Uint32ToBytes(uint32(info.StakeInfo.Epoch))...)
	return h.consensus.Update(version, []storage.Entry{{Key: key, Value: raw}}, nil)
}

// UpdateFeePaymentsInfo attaches a block's withdrawal-epoch fee payments to
// the consensus-data store.
func (h *History) UpdateFeePaymentsInfo(blockID [32]byte, payments []types.Box) error {
	raw, err := cbor.Marshal(payments)
	if err != nil {
		return err
	}
	version, err := storage.RandomVersion()
	if err != nil {
		return err
	}
	key := append(append([]byte(nil), feePrefix...), blockID[:]...)
	return h.consensus.Update(version, []storage.Entry{{Key: key, Value: raw}}, nil)
}

// FeePaymentsInfo returns the fee payments recorded for a block.
func (h *History) FeePaymentsInfo(blockID [32]byte) ([]types.Box, bool, error) {
	key := append(append([]byte(nil), feePrefix...), blockID[:]...)
	raw, ok, err := h.consensus.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	var payments []types.Box
	if err := cbor.Unmarshal(raw, &payments); err != nil {
		return nil, false, fmt.Errorf("decode fee payments: %w", err)
	}
	return payments, true, nil
}
