package state

import (
	"github.com/djkazic/sidechain-go/internal/types"
)

// ApplicationState is the user-extension hook the state consults around block
// application. Implementations may reject blocks and maintain their own
// storages, which must follow the state's version.
type ApplicationState interface {
	ValidateBlock(block *types.Block) error
	OnApplyChanges(version [32]byte, newBoxes []types.Box, removedIDs [][32]byte) error
	OnRollback(version [32]byte) error
	CheckStoragesVersion(version [32]byte) bool
}

// NopApplicationState accepts everything and tracks nothing.
type NopApplicationState struct{}

func (NopApplicationState) ValidateBlock(*types.Block) error { return nil }

func (NopApplicationState) OnApplyChanges([32]byte, []types.Box, [][32]byte) error { return nil }

func (NopApplicationState) OnRollback([32]byte) error { return nil }

func (NopApplicationState) CheckStoragesVersion([32]byte) bool { return true }
