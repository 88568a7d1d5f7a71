// Package wallet tracks the boxes, transactions, forging stakes, and
// ceased-sidechain-withdrawal evidence belonging to the node's secrets. Four
// versioned stores advance in lockstep with the chain; the secret store is
// versionless and survives every rollback.
package wallet

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/secrets"
	"github.com/djkazic/sidechain-go/internal/state"
	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var ErrInconsistentStorage = errors.New("wallet: storages not consistent")

var (
	forgerBoxPrefix   = []byte("b/")
	forgerEpochPrefix = []byte("e/")
)

// Wallet owns the four chain-versioned wallet stores plus the secret store.
type Wallet struct {
	boxStore    *storage.VersionedStore // box id -> WalletBox
	txStore     *storage.VersionedStore // tx id -> Transaction
	forgerStore *storage.VersionedStore // b/<box id> -> Box, e/<epoch> -> stake paths
	cswStore    *storage.VersionedStore // epoch -> EpochCswData
	secrets     *secrets.Store
	app         ApplicationWallet
	logger      *zap.Logger
}

// New wires a wallet over its stores.
func New(boxStore, txStore, forgerStore, cswStore *storage.VersionedStore, sec *secrets.Store, app ApplicationWallet, logger *zap.Logger) *Wallet {
	if app == nil {
		app = NopApplicationWallet{}
	}
	return &Wallet{
		boxStore:    boxStore,
		txStore:     txStore,
		forgerStore: forgerStore,
		cswStore:    cswStore,
		secrets:     sec,
		app:         app,
		logger:      logger,
	}
}

// Version returns the wallet's current version (its box store's last version).
func (w *Wallet) Version() ([32]byte, bool) {
	return w.boxStore.LastVersionID()
}

// Secrets exposes the wallet's secret store.
func (w *Wallet) Secrets() *secrets.Store {
	return w.secrets
}

// AddSecret notifies the application wallet and stores a new secret.
func (w *Wallet) AddSecret(sec *secrets.Secret) error {
	if err := w.app.OnAddSecret(sec); err != nil {
		return fmt.Errorf("application wallet rejected secret: %w", err)
	}
	return w.secrets.Add(sec)
}

// RemoveSecret notifies the application wallet and removes the secret for the
// proposition.
func (w *Wallet) RemoveSecret(p types.Proposition) error {
	if err := w.app.OnRemoveSecret(p); err != nil {
		return fmt.Errorf("application wallet rejected secret removal: %w", err)
	}
	return w.secrets.Remove(p)
}

func forgerBoxKey(id [32]byte) []byte {
	return append(append([]byte(nil), forgerBoxPrefix...), id[:]...)
}

func forgerEpochKey(epoch int32) []byte {
	return append(append([]byte(nil), forgerEpochPrefix...), util.Uint32ToBytes(uint32(epoch))...)
}

func cswEpochKey(epoch int32) []byte {
	return util.Uint32ToBytes(uint32(epoch))
}

// ScanPersistent applies a block's box deltas across the four wallet stores
// under version block.ID(). Fee payment boxes and the UTXO merkle view are
// present only on the last block of a withdrawal epoch.
func (w *Wallet) ScanPersistent(block *types.Block, withdrawalEpoch int32, feePayments []types.Box, utxoView *state.UtxoMerkleTreeView) error {
	version := block.ID()

	changes, err := state.ExtractChanges(block)
	if err != nil {
		return err
	}

	// Map every box id a transaction opens or creates to that transaction.
	boxTx := make(map[[32]byte]*types.Transaction)
	for _, tx := range block.Transactions {
		for _, id := range tx.BoxIDsToOpen() {
			boxTx[id] = tx
		}
		for _, box := range tx.NewBoxes() {
			boxTx[box.ID()] = tx
		}
	}

	newBoxes := append(append([]types.Box(nil), changes.ToAppend...), feePayments...)
	pubKeys := w.secrets.PublicImages()

	var walletBoxes []types.WalletBox
	var delegatedForgers []types.Box
	for i := range newBoxes {
		box := newBoxes[i]
		if _, mine := pubKeys[box.Proposition]; mine {
			wb := types.WalletBox{Box: box, BlockTimestamp: block.Timestamp()}
			if tx, ok := boxTx[box.ID()]; ok {
				txID := tx.ID()
				wb.CreatingTxID = &txID
			}
			walletBoxes = append(walletBoxes, wb)
		}
		if box.IsForger() {
			if _, mine := pubKeys[box.BlockSignProposition]; mine {
				delegatedForgers = append(delegatedForgers, box)
			}
		}
	}
	boxIDsToRemove := changes.ToRemove

	// The application hook runs before any store write; its failure aborts the
	// whole scan with nothing persisted.
	if err := w.app.OnChangeBoxes(version, walletBoxes, boxIDsToRemove); err != nil {
		return fmt.Errorf("application wallet change hook: %w", err)
	}

	// Transactions referenced by any appended wallet box or removed box id.
	var txs []*types.Transaction
	seenTx := make(map[[32]byte]struct{})
	collect := func(tx *types.Transaction) {
		id := tx.ID()
		if _, ok := seenTx[id]; ok {
			return
		}
		seenTx[id] = struct{}{}
		txs = append(txs, tx)
	}
	for i := range walletBoxes {
		if walletBoxes[i].CreatingTxID != nil {
			collect(boxTx[walletBoxes[i].Box.ID()])
		}
	}
	for _, id := range boxIDsToRemove {
		if tx, ok := boxTx[id]; ok {
			collect(tx)
		}
	}

	// Store updates, in order: wallet-box, wallet-tx, forger-box, CSW data.
	boxPuts := make([]storage.Entry, 0, len(walletBoxes))
	for i := range walletBoxes {
		raw, err := cbor.Marshal(&walletBoxes[i])
		if err != nil {
			return err
		}
		id := walletBoxes[i].Box.ID()
		boxPuts = append(boxPuts, storage.Entry{Key: append([]byte(nil), id[:]...), Value: raw})
	}
	boxDeletes := make([][]byte, 0, len(boxIDsToRemove))
	for _, id := range boxIDsToRemove {
		boxDeletes = append(boxDeletes, append([]byte(nil), id[:]...))
	}
	if err := w.boxStore.Update(version, boxPuts, boxDeletes); err != nil {
		return err
	}

	txPuts := make([]storage.Entry, 0, len(txs))
	for _, tx := range txs {
		raw, err := cbor.Marshal(tx)
		if err != nil {
			return err
		}
		id := tx.ID()
		txPuts = append(txPuts, storage.Entry{Key: append([]byte(nil), id[:]...), Value: raw})
	}
	if err := w.txStore.Update(version, txPuts, nil); err != nil {
		return err
	}

	forgerPuts := make([]storage.Entry, 0, len(delegatedForgers))
	for i := range delegatedForgers {
		raw, err := cbor.Marshal(&delegatedForgers[i])
		if err != nil {
			return err
		}
		forgerPuts = append(forgerPuts, storage.Entry{Key: forgerBoxKey(delegatedForgers[i].ID()), Value: raw})
	}
	forgerDeletes := make([][]byte, 0, len(boxIDsToRemove))
	for _, id := range boxIDsToRemove {
		forgerDeletes = append(forgerDeletes, forgerBoxKey(id))
	}
	if err := w.forgerStore.Update(version, forgerPuts, forgerDeletes); err != nil {
		return err
	}

	cswRecord, err := w.computeCswData(block, utxoView)
	if err != nil {
		return err
	}
	var existing types.EpochCswData
	if raw, ok, err := w.cswStore.Get(cswEpochKey(withdrawalEpoch)); err != nil {
		return err
	} else if ok {
		if err := cbor.Unmarshal(raw, &existing); err != nil {
			return fmt.Errorf("decode csw record: %w", err)
		}
	}
	existing.Utxo = append(existing.Utxo, cswRecord.Utxo...)
	existing.Ft = append(existing.Ft, cswRecord.Ft...)
	cswBytes, err := cbor.Marshal(&existing)
	if err != nil {
		return err
	}
	if err := w.cswStore.Update(version, []storage.Entry{{Key: cswEpochKey(withdrawalEpoch), Value: cswBytes}}, nil); err != nil {
		return err
	}

	w.logger.Debug("wallet scanned block",
		zap.String("block", util.HashToHex(version)),
		zap.Int("boxes_added", len(walletBoxes)),
		zap.Int("boxes_removed", len(boxIDsToRemove)))
	return nil
}

// Rollback restores the four wallet stores to the given version, reverse of
// the update order, then notifies the application wallet. The secret store is
// untouched.
func (w *Wallet) Rollback(to [32]byte) error {
	if err := w.cswStore.Rollback(to); err != nil {
		return fmt.Errorf("rollback csw store: %w", err)
	}
	if err := w.forgerStore.Rollback(to); err != nil {
		return fmt.Errorf("rollback forger store: %w", err)
	}
	if err := w.txStore.Rollback(to); err != nil {
		return fmt.Errorf("rollback tx store: %w", err)
	}
	if err := w.boxStore.Rollback(to); err != nil {
		return fmt.Errorf("rollback box store: %w", err)
	}
	if err := w.app.OnRollback(to); err != nil {
		return fmt.Errorf("application wallet rollback hook: %w", err)
	}
	return nil
}

// ApplyConsensusEpochInfo records, for every forger box the wallet knows, its
// audit path in the epoch's forging-stake tree. Forger boxes without a leaf in
// the tree are silently omitted. The write advances the forger store one
// version ahead of the other wallet stores until the next block lands.
func (w *Wallet) ApplyConsensusEpochInfo(info *types.ConsensusEpochInfo) error {
	boxes, err := w.forgerBoxes()
	if err != nil {
		return err
	}

	var paths []types.ForgingStakeMerklePathInfo
	for i := range boxes {
		stake := boxes[i].ForgingStakeInfo()
		path, err := info.ForgingStakeTree.PathForLeaf(stake.Hash())
		if err != nil {
			continue
		}
		paths = append(paths, types.ForgingStakeMerklePathInfo{StakeInfo: stake, Path: path})
	}

	raw, err := cbor.Marshal(paths)
	if err != nil {
		return err
	}
	root := info.ForgingStakeTree.Root()
	seed := append(append([]byte("consensusEpochInfo/"), util.Uint32ToBytes(uint32(info.Epoch))...), root[:]...)
	version := util.Blake2b256(seed)
	if err := w.forgerStore.Update(version, []storage.Entry{{Key: forgerEpochKey(info.Epoch), Value: raw}}, nil); err != nil {
		return err
	}

	w.logger.Debug("stored forging stake paths",
		zap.Int32("epoch", info.Epoch),
		zap.Int("paths", len(paths)))
	return nil
}

// ForgingStakeMerklePathInfo returns the stored stake paths usable for forging
// in the requested epoch. Forging in epoch N uses the snapshot of epoch N-2;
// epochs 1 and 2 both read epoch 1, the genesis snapshot.
func (w *Wallet) ForgingStakeMerklePathInfo(requestedEpoch int32) ([]types.ForgingStakeMerklePathInfo, bool, error) {
	storedEpoch := requestedEpoch - 2
	if requestedEpoch <= 2 {
		storedEpoch = 1
	}
	raw, ok, err := w.forgerStore.Get(forgerEpochKey(storedEpoch))
	if err != nil || !ok {
		return nil, false, err
	}
	var paths []types.ForgingStakeMerklePathInfo
	if err := cbor.Unmarshal(raw, &paths); err != nil {
		return nil, false, fmt.Errorf("decode stake paths: %w", err)
	}
	return paths, true, nil
}

// CswData returns the stored CSW evidence for a withdrawal epoch.
func (w *Wallet) CswData(epoch int32) (*types.EpochCswData, bool, error) {
	raw, ok, err := w.cswStore.Get(cswEpochKey(epoch))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.EpochCswData
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode csw record: %w", err)
	}
	return &rec, true, nil
}

// AllBoxes returns every wallet box currently tracked.
func (w *Wallet) AllBoxes() ([]types.WalletBox, error) {
	entries, err := w.boxStore.GetAll()
	if err != nil {
		return nil, err
	}
	out := make([]types.WalletBox, 0, len(entries))
	for _, e := range entries {
		var wb types.WalletBox
		if err := cbor.Unmarshal(e.Value, &wb); err != nil {
			return nil, fmt.Errorf("decode wallet box: %w", err)
		}
		out = append(out, wb)
	}
	return out, nil
}

func (w *Wallet) forgerBoxes() ([]types.Box, error) {
	entries, err := w.forgerStore.GetAll()
	if err != nil {
		return nil, err
	}
	var out []types.Box
	for _, e := range entries {
		if len(e.Key) != len(forgerBoxPrefix)+32 || string(e.Key[:len(forgerBoxPrefix)]) != string(forgerBoxPrefix) {
			continue
		}
		var box types.Box
		if err := cbor.Unmarshal(e.Value, &box); err != nil {
			return nil, fmt.Errorf("decode forger box: %w", err)
		}
		out = append(out, box)
	}
	return out, nil
}

// EnsureStorageConsistencyAfterRestore verifies the wallet's chain-versioned
// stores agree after an ungraceful shutdown. The forger store may lead the
// others by exactly one version, the consensus-epoch-switch write; every other
// configuration is fatal.
func (w *Wallet) EnsureStorageConsistencyAfterRestore() error {
	v, ok := w.boxStore.LastVersionID()
	if !ok {
		if !w.txStore.IsEmpty() || !w.cswStore.IsEmpty() || !w.forgerStore.IsEmpty() {
			return fmt.Errorf("%w: box store empty but others are not", ErrInconsistentStorage)
		}
		return nil
	}

	txV, txOK := w.txStore.LastVersionID()
	cswV, cswOK := w.cswStore.LastVersionID()
	if !txOK || txV != v || !cswOK || cswV != v || !w.app.CheckStoragesVersion(v) {
		return ErrInconsistentStorage
	}

	forgerV, forgerOK := w.forgerStore.LastVersionID()
	if forgerOK && forgerV == v {
		return nil
	}

	recent := w.forgerStore.RollbackVersions(2)
	if len(recent) == 2 && recent[1] == v {
		if w.forgerStore.NumberOfVersions() == 2 {
			// Genesis plus the first consensus-info write; the leading entry
			// must be retained.
			return nil
		}
		if err := w.forgerStore.Rollback(v); err != nil {
			return fmt.Errorf("roll back leading forger store: %w", err)
		}
		w.logger.Info("rolled back leading wallet forger store", zap.String("to", util.HashToHex(v)))
		return nil
	}
	return fmt.Errorf("%w: forger store at unreconcilable version", ErrInconsistentStorage)
}
