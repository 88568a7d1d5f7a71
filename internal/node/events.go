package node

// Event types published by the coordinator event loop.

// SemanticallySuccessfulModifier signals that a block was applied across
// state, wallet, and history.
type SemanticallySuccessfulModifier struct {
	BlockID [32]byte
}

// SyntacticallyFailedModification signals that a block was rejected before any
// state change (history refused to append it).
type SyntacticallyFailedModification struct {
	BlockID [32]byte
	Err     error
}

// SemanticallyFailedModification signals that state validation rejected a
// block.
type SemanticallyFailedModification struct {
	BlockID [32]byte
	Err     error
}

// RollbackFailed signals an unrecoverable rollback failure; the coordinator
// refuses further requests after publishing it.
type RollbackFailed struct {
	Err error
}

// DownloadRequested asks the block-fetching layer for missing blocks.
type DownloadRequested struct {
	BlockIDs [][32]byte
}
