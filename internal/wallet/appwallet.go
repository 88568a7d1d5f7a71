package wallet

import (
	"github.com/djkazic/sidechain-go/internal/secrets"
	"github.com/djkazic/sidechain-go/internal/types"
)

// ApplicationWallet is the user-extension hook notified around wallet
// mutations. All methods are permitted to fail; a failure from OnChangeBoxes
// aborts the enclosing block application before any wallet store is written.
type ApplicationWallet interface {
	OnAddSecret(secret *secrets.Secret) error
	OnRemoveSecret(p types.Proposition) error
	OnChangeBoxes(version [32]byte, boxesToUpdate []types.WalletBox, boxIDsToRemove [][32]byte) error
	OnRollback(version [32]byte) error
	CheckStoragesVersion(version [32]byte) bool
}

// NopApplicationWallet ignores every notification.
type NopApplicationWallet struct{}

func (NopApplicationWallet) OnAddSecret(*secrets.Secret) error { return nil }

func (NopApplicationWallet) OnRemoveSecret(types.Proposition) error { return nil }

func (NopApplicationWallet) OnChangeBoxes([32]byte, []types.WalletBox, [][32]byte) error { return nil }

func (NopApplicationWallet) OnRollback([32]byte) error { return nil }

func (NopApplicationWallet) CheckStoragesVersion([32]byte) bool { return true }
