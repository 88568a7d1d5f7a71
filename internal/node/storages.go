package node

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/config"
	"github.com/djkazic/sidechain-go/internal/history"
	"github.com/djkazic/sidechain-go/internal/mempool"
	"github.com/djkazic/sidechain-go/internal/secrets"
	"github.com/djkazic/sidechain-go/internal/state"
	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/wallet"
)

// storeNames are the independent persistent stores, one logical store each.
var storeNames = []string{
	"history",
	"consensus",
	"state",
	"state-forger",
	"utxo-merkle",
	"wallet-box",
	"wallet-tx",
	"forger-info",
	"csw",
	"secrets",
}

// Storages is the opened set of persistent stores plus the datadir lock.
type Storages struct {
	View   NodeView
	stores map[string]*storage.VersionedStore
	lock   *flock.Flock
}

// OpenStorages locks the data directory and opens every persistent store,
// wiring the node view's subsystems over them.
func OpenStorages(cfg *config.Config, appState state.ApplicationState, appWallet wallet.ApplicationWallet, logger *zap.Logger) (*Storages, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("data dir %s is in use by another instance", cfg.DataDir)
	}

	s := &Storages{stores: make(map[string]*storage.VersionedStore, len(storeNames)), lock: lock}
	for _, name := range storeNames {
		vs, err := openStore(cfg, name, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.stores[name] = vs
	}

	secretStore, err := secrets.NewStore(s.stores["secrets"], logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	params := state.Params{
		WithdrawalEpochLength:    cfg.Chain.WithdrawalEpochLength,
		ConsensusSecondsPerEpoch: cfg.Chain.ConsensusSecondsPerEpoch,
	}
	s.View = NodeView{
		History: history.New(s.stores["history"], s.stores["consensus"], logger),
		State:   state.New(s.stores["state"], s.stores["state-forger"], s.stores["utxo-merkle"], appState, params, logger),
		Wallet: wallet.New(s.stores["wallet-box"], s.stores["wallet-tx"], s.stores["forger-info"],
			s.stores["csw"], secretStore, appWallet, logger),
		Pool: mempool.New(logger),
	}
	logger.Info("storages opened",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("data_dir", cfg.DataDir))
	return s, nil
}

func openStore(cfg *config.Config, name string, logger *zap.Logger) (*storage.VersionedStore, error) {
	var (
		be  storage.Backend
		err error
	)
	switch cfg.Storage.Backend {
	case "leveldb":
		be, err = storage.NewLevelDBBackend(filepath.Join(cfg.DataDir, name), logger)
	default:
		be, err = storage.NewBoltBackend(filepath.Join(cfg.DataDir, name+".db"), logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	vs, err := storage.Open(be, cfg.Storage.MaxHistory, logger)
	if err != nil {
		be.Close()
		return nil, fmt.Errorf("load %s store: %w", name, err)
	}
	return vs, nil
}

// Close releases every store and the datadir lock.
func (s *Storages) Close() error {
	var firstErr error
	for name, vs := range s.stores {
		if err := vs.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s store: %w", name, err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unlock data dir: %w", err)
		}
	}
	return firstErr
}
