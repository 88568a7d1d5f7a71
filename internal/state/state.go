// Package state validates blocks against UTXO rules and maintains the box set
// across three versioned stores: the base store (boxes, epoch metadata, fee
// records), the forger-stake store, and the UTXO merkle root store. The base
// store is written last and acts as the subsystem's commit point.
package state

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/merkle"
	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var (
	ErrInconsistentStorage = errors.New("state: storages not consistent")
	ErrUnknownParent       = errors.New("state: block parent does not match state tip")
	ErrMissingInput        = errors.New("state: input box not found")
)

var (
	metaKey   = []byte("m")
	boxPrefix = []byte("b/")
	feePrefix = []byte("f/")
	rootKey   = []byte("root")
)

// Params are the chain constants the state interprets blocks with.
type Params struct {
	WithdrawalEpochLength    int32
	ConsensusSecondsPerEpoch uint64
}

// DefaultParams returns the regtest-ish defaults used by tests.
func DefaultParams() Params {
	return Params{WithdrawalEpochLength: 10, ConsensusSecondsPerEpoch: 7200}
}

type meta struct {
	Tip              [32]byte                  `cbor:"1,keyasint"`
	WithdrawalEpoch  types.WithdrawalEpochInfo `cbor:"2,keyasint"`
	ConsensusEpoch   int32                     `cbor:"3,keyasint"`
	Timestamp        uint64                    `cbor:"4,keyasint"`
	GenesisTimestamp uint64                    `cbor:"5,keyasint"`
}

type feeInfo struct {
	Forger types.Proposition `cbor:"1,keyasint"`
	Fee    uint64            `cbor:"2,keyasint"`
}

// State owns the box set and epoch bookkeeping.
type State struct {
	base         *storage.VersionedStore
	forgerStakes *storage.VersionedStore
	utxoMerkle   *storage.VersionedStore
	app          ApplicationState
	params       Params
	logger       *zap.Logger
}

// New wires a state over its three stores.
func New(base, forgerStakes, utxoMerkle *storage.VersionedStore, app ApplicationState, params Params, logger *zap.Logger) *State {
	if app == nil {
		app = NopApplicationState{}
	}
	return &State{
		base:         base,
		forgerStakes: forgerStakes,
		utxoMerkle:   utxoMerkle,
		app:          app,
		params:       params,
		logger:       logger,
	}
}

// Version returns the state's current version (the last applied block id).
func (s *State) Version() ([32]byte, bool) {
	return s.base.LastVersionID()
}

func boxKey(id [32]byte) []byte {
	return append(append([]byte(nil), boxPrefix...), id[:]...)
}

func feeKey(epoch int32) []byte {
	return append(append([]byte(nil), feePrefix...), util.Uint32ToBytes(uint32(epoch))...)
}

func (s *State) loadMeta() (*meta, error) {
	raw, ok, err := s.base.Get(metaKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &meta{}, nil
	}
	var m meta
	if err := cbor.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode state meta: %w", err)
	}
	return &m, nil
}

func (s *State) consensusEpochOf(m *meta, ts uint64) int32 {
	genesis := m.GenesisTimestamp
	if genesis == 0 || ts < genesis {
		return 1
	}
	return 1 + int32((ts-genesis)/s.params.ConsensusSecondsPerEpoch)
}

// IsSwitchingConsensusEpoch reports whether the block opens a consensus epoch
// newer than the state's current one.
func (s *State) IsSwitchingConsensusEpoch(block *types.Block) (bool, error) {
	if s.base.IsEmpty() {
		return false, nil
	}
	m, err := s.loadMeta()
	if err != nil {
		return false, err
	}
	return s.consensusEpochOf(m, block.Timestamp()) > m.ConsensusEpoch, nil
}

// GetBox returns the box with the given id from the current box set.
func (s *State) GetBox(id [32]byte) (*types.Box, bool, error) {
	raw, ok, err := s.base.Get(boxKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var box types.Box
	if err := cbor.Unmarshal(raw, &box); err != nil {
		return nil, false, fmt.Errorf("decode box: %w", err)
	}
	return &box, true, nil
}

// BoxExists reports whether the box id is in the current box set.
func (s *State) BoxExists(id [32]byte) (bool, error) {
	_, ok, err := s.base.Get(boxKey(id))
	return ok, err
}

func (s *State) allBoxes() ([]types.Box, error) {
	entries, err := s.base.GetAll()
	if err != nil {
		return nil, err
	}
	var out []types.Box
	for _, e := range entries {
		if len(e.Key) != len(boxPrefix)+32 || string(e.Key[:len(boxPrefix)]) != string(boxPrefix) {
			continue
		}
		var box types.Box
		if err := cbor.Unmarshal(e.Value, &box); err != nil {
			return nil, fmt.Errorf("decode box: %w", err)
		}
		out = append(out, box)
	}
	return out, nil
}

// ApplyModifier validates the block against the current box set and applies
// its changes across the state's stores under version block.ID().
func (s *State) ApplyModifier(block *types.Block) error {
	version := block.ID()

	changes, err := ExtractChanges(block)
	if err != nil {
		return err
	}

	m, err := s.loadMeta()
	if err != nil {
		return err
	}
	if !s.base.IsEmpty() && block.ParentID() != m.Tip {
		return fmt.Errorf("%w: parent %x, tip %x", ErrUnknownParent, block.ParentID(), m.Tip)
	}

	// Every opened box must exist, and removed forger boxes must leave the
	// stake store as well.
	var removedForgers [][]byte
	for _, id := range changes.ToRemove {
		box, ok, err := s.GetBox(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %x", ErrMissingInput, id[:8])
		}
		if box.IsForger() {
			removedForgers = append(removedForgers, append([]byte(nil), id[:]...))
		}
	}

	if err := s.app.ValidateBlock(block); err != nil {
		return fmt.Errorf("application state rejected block: %w", err)
	}
	if err := s.app.OnApplyChanges(version, changes.ToAppend, changes.ToRemove); err != nil {
		return fmt.Errorf("application state apply hook: %w", err)
	}

	// Epoch bookkeeping.
	newMeta := &meta{Tip: version, Timestamp: block.Timestamp()}
	if s.base.IsEmpty() {
		newMeta.GenesisTimestamp = block.Timestamp()
		newMeta.WithdrawalEpoch = types.WithdrawalEpochInfo{Epoch: 0, Index: 1}
	} else {
		newMeta.GenesisTimestamp = m.GenesisTimestamp
		next := m.WithdrawalEpoch.Index + 1
		if next > s.params.WithdrawalEpochLength {
			newMeta.WithdrawalEpoch = types.WithdrawalEpochInfo{Epoch: m.WithdrawalEpoch.Epoch + 1, Index: 1}
		} else {
			newMeta.WithdrawalEpoch = types.WithdrawalEpochInfo{Epoch: m.WithdrawalEpoch.Epoch, Index: next}
		}
	}
	newMeta.ConsensusEpoch = s.consensusEpochOf(newMeta, block.Timestamp())

	metaBytes, err := cbor.Marshal(newMeta)
	if err != nil {
		return err
	}

	// Fee record for the block's withdrawal epoch.
	var fees []feeInfo
	if raw, ok, err := s.base.Get(feeKey(newMeta.WithdrawalEpoch.Epoch)); err != nil {
		return err
	} else if ok {
		if err := cbor.Unmarshal(raw, &fees); err != nil {
			return fmt.Errorf("decode fee record: %w", err)
		}
	}
	var blockFee uint64
	for _, tx := range block.Transactions {
		blockFee += tx.Fee
	}
	fees = append(fees, feeInfo{Forger: block.Header.ForgerProposition, Fee: blockFee})
	feeBytes, err := cbor.Marshal(fees)
	if err != nil {
		return err
	}

	// The last block of a withdrawal epoch materializes the epoch's fee
	// payments into the box set.
	var feeBoxes []types.Box
	if newMeta.WithdrawalEpoch.Index == s.params.WithdrawalEpochLength {
		feeBoxes = feePaymentBoxes(fees, newMeta.WithdrawalEpoch.Epoch)
	}

	// Forger-stake store delta.
	var stakePuts []storage.Entry
	for i := range changes.ToAppend {
		box := &changes.ToAppend[i]
		if !box.IsForger() {
			continue
		}
		raw, err := cbor.Marshal(box.ForgingStakeInfo())
		if err != nil {
			return err
		}
		id := box.ID()
		stakePuts = append(stakePuts, storage.Entry{Key: id[:], Value: raw})
	}
	if err := s.forgerStakes.Update(version, stakePuts, removedForgers); err != nil {
		return err
	}

	// UTXO merkle root over the post-apply coin box set.
	current, err := s.allBoxes()
	if err != nil {
		return err
	}
	removedSet := make(map[[32]byte]struct{}, len(changes.ToRemove))
	for _, id := range changes.ToRemove {
		removedSet[id] = struct{}{}
	}
	var coins []types.Box
	for i := range current {
		if _, gone := removedSet[current[i].ID()]; gone {
			continue
		}
		if current[i].IsCoin() {
			coins = append(coins, current[i])
		}
	}
	for i := range changes.ToAppend {
		if changes.ToAppend[i].IsCoin() {
			coins = append(coins, changes.ToAppend[i])
		}
	}
	coins = append(coins, feeBoxes...)
	root := newUtxoMerkleTreeView(coins).Root()
	if err := s.utxoMerkle.Update(version, []storage.Entry{{Key: rootKey, Value: root[:]}}, nil); err != nil {
		return err
	}

	// Base store last: its version is the subsystem's commit point.
	puts := make([]storage.Entry, 0, len(changes.ToAppend)+len(feeBoxes)+2)
	for i := range changes.ToAppend {
		raw, err := cbor.Marshal(&changes.ToAppend[i])
		if err != nil {
			return err
		}
		id := changes.ToAppend[i].ID()
		puts = append(puts, storage.Entry{Key: boxKey(id), Value: raw})
	}
	for i := range feeBoxes {
		raw, err := cbor.Marshal(&feeBoxes[i])
		if err != nil {
			return err
		}
		id := feeBoxes[i].ID()
		puts = append(puts, storage.Entry{Key: boxKey(id), Value: raw})
	}
	puts = append(puts,
		storage.Entry{Key: metaKey, Value: metaBytes},
		storage.Entry{Key: feeKey(newMeta.WithdrawalEpoch.Epoch), Value: feeBytes},
	)
	deletes := make([][]byte, 0, len(changes.ToRemove))
	for _, id := range changes.ToRemove {
		deletes = append(deletes, boxKey(id))
	}
	if err := s.base.Update(version, puts, deletes); err != nil {
		return err
	}

	s.logger.Debug("applied modifier to state",
		zap.String("block", util.HashToHex(version)),
		zap.Int("appended", len(changes.ToAppend)),
		zap.Int("removed", len(changes.ToRemove)))
	return nil
}

// Rollback restores all state stores to the given version, reverse of the
// update order.
func (s *State) Rollback(to [32]byte) error {
	if err := s.base.Rollback(to); err != nil {
		return fmt.Errorf("rollback state base: %w", err)
	}
	if err := s.utxoMerkle.Rollback(to); err != nil {
		return fmt.Errorf("rollback utxo merkle store: %w", err)
	}
	if err := s.forgerStakes.Rollback(to); err != nil {
		return fmt.Errorf("rollback forger stakes: %w", err)
	}
	if err := s.app.OnRollback(to); err != nil {
		return fmt.Errorf("application state rollback hook: %w", err)
	}
	return nil
}

// GetWithdrawalEpochInfo returns the current withdrawal epoch position.
func (s *State) GetWithdrawalEpochInfo() (types.WithdrawalEpochInfo, error) {
	m, err := s.loadMeta()
	if err != nil {
		return types.WithdrawalEpochInfo{}, err
	}
	return m.WithdrawalEpoch, nil
}

// IsWithdrawalEpochLastIndex reports whether the state sits on the last block
// of its withdrawal epoch.
func (s *State) IsWithdrawalEpochLastIndex() (bool, error) {
	m, err := s.loadMeta()
	if err != nil {
		return false, err
	}
	return m.WithdrawalEpoch.Index == s.params.WithdrawalEpochLength, nil
}

// feePaymentBoxes aggregates fee records into one coin box per forger, in
// first-forged order, with a nonce derived from the epoch and forger so that
// re-derivation is stable.
func feePaymentBoxes(fees []feeInfo, epoch int32) []types.Box {
	totals := make(map[types.Proposition]uint64)
	var order []types.Proposition
	for _, f := range fees {
		if _, seen := totals[f.Forger]; !seen {
			order = append(order, f.Forger)
		}
		totals[f.Forger] += f.Fee
	}

	var out []types.Box
	for _, forger := range order {
		if totals[forger] == 0 {
			continue
		}
		seed := append(append([]byte("fee/"), util.Uint32ToBytes(uint32(epoch))...), forger[:]...)
		nonceHash := util.Blake2b256(seed)
		nonce, _, _ := util.ReadUint64(nonceHash[:8])
		out = append(out, types.Box{
			Type:        types.BoxTypeCoin,
			Proposition: forger,
			Value:       totals[forger],
			Nonce:       nonce,
		})
	}
	return out
}

// GetFeePayments returns the epoch's fee payment boxes.
func (s *State) GetFeePayments(epoch int32) ([]types.Box, error) {
	raw, ok, err := s.base.Get(feeKey(epoch))
	if err != nil || !ok {
		return nil, err
	}
	var fees []feeInfo
	if err := cbor.Unmarshal(raw, &fees); err != nil {
		return nil, fmt.Errorf("decode fee record: %w", err)
	}
	return feePaymentBoxes(fees, epoch), nil
}

// GetCurrentConsensusEpochInfo returns the last block of the current epoch and
// the forging-stake snapshot computed from the stake store.
func (s *State) GetCurrentConsensusEpochInfo() ([32]byte, *types.ConsensusEpochInfo, error) {
	m, err := s.loadMeta()
	if err != nil {
		return [32]byte{}, nil, err
	}

	entries, err := s.forgerStakes.GetAll()
	if err != nil {
		return [32]byte{}, nil, err
	}
	var total uint64
	leaves := make([][32]byte, 0, len(entries))
	for _, e := range entries {
		var info types.ForgingStakeInfo
		if err := cbor.Unmarshal(e.Value, &info); err != nil {
			return [32]byte{}, nil, fmt.Errorf("decode stake info: %w", err)
		}
		leaves = append(leaves, info.Hash())
		total += info.StakeAmount
	}
	sort.Slice(leaves, func(i, j int) bool {
		for k := range leaves[i] {
			if leaves[i][k] != leaves[j][k] {
				return leaves[i][k] < leaves[j][k]
			}
		}
		return false
	})

	return m.Tip, &types.ConsensusEpochInfo{
		Epoch:            m.ConsensusEpoch,
		ForgingStakeTree: merkle.NewTree(leaves),
		ForgersStake:     total,
	}, nil
}

// UtxoMerkleTreeView builds a merkle view over the current coin box set.
func (s *State) UtxoMerkleTreeView() (*UtxoMerkleTreeView, error) {
	boxes, err := s.allBoxes()
	if err != nil {
		return nil, err
	}
	var coins []types.Box
	for i := range boxes {
		if boxes[i].IsCoin() {
			coins = append(coins, boxes[i])
		}
	}
	return newUtxoMerkleTreeView(coins), nil
}

// EnsureStorageConsistencyAfterRestore verifies the three state stores agree
// on a version after an ungraceful shutdown. A sub-store that leads the base
// store by exactly one version is rolled back; any other configuration fails.
func (s *State) EnsureStorageConsistencyAfterRestore() error {
	v, ok := s.base.LastVersionID()
	if !ok {
		if !s.forgerStakes.IsEmpty() || !s.utxoMerkle.IsEmpty() {
			return fmt.Errorf("%w: base store empty but sub-stores are not", ErrInconsistentStorage)
		}
		return nil
	}

	for name, sub := range map[string]*storage.VersionedStore{
		"forger stakes": s.forgerStakes,
		"utxo merkle":   s.utxoMerkle,
	} {
		last, ok := sub.LastVersionID()
		if ok && last == v {
			continue
		}
		recent := sub.RollbackVersions(2)
		if len(recent) == 2 && recent[1] == v {
			if err := sub.Rollback(v); err != nil {
				return fmt.Errorf("roll back %s store: %w", name, err)
			}
			s.logger.Info("rolled back leading state sub-store", zap.String("store", name))
			continue
		}
		return fmt.Errorf("%w: %s store at unreconcilable version", ErrInconsistentStorage, name)
	}

	if !s.app.CheckStoragesVersion(v) {
		return fmt.Errorf("%w: application state at different version", ErrInconsistentStorage)
	}
	return nil
}
