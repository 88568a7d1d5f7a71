package commitment

import (
	"testing"

	"github.com/djkazic/sidechain-go/internal/types"
)

func sampleRef() *types.MainchainBlockReferenceData {
	return &types.MainchainBlockReferenceData{
		HeaderHash: [32]byte{0xaa},
		AggregatedOutputs: []types.MainchainOutput{
			{Type: types.OutputSidechainCreation, Proposition: types.Proposition{9}},
			{Type: types.OutputForwardTransfer, Proposition: types.Proposition{1}, Amount: 10, TxHash: [32]byte{1}},
			{Type: types.OutputForwardTransfer, Proposition: types.Proposition{2}, Amount: 20, TxHash: [32]byte{1}, TxIndex: 1},
		},
	}
}

func TestTree_FtPathsSkipSidechainCreations(t *testing.T) {
	ct := NewTree(sampleRef())
	defer ct.Close()

	// Two FT leaves: indexes 0 and 1; index 2 is out of range.
	if _, err := ct.FtMerklePath(0); err != nil {
		t.Errorf("FtMerklePath(0): %v", err)
	}
	if _, err := ct.FtMerklePath(1); err != nil {
		t.Errorf("FtMerklePath(1): %v", err)
	}
	if _, err := ct.FtMerklePath(2); err == nil {
		t.Error("expected error for leaf index past the FT count")
	}
}

func TestTree_ScCommitmentPath(t *testing.T) {
	ct := NewTree(sampleRef())
	defer ct.Close()

	path, err := ct.ScCommitmentMerklePath()
	if err != nil {
		t.Fatalf("ScCommitmentMerklePath: %v", err)
	}
	if len(path.Nodes) == 0 {
		t.Error("commitment path should not be empty")
	}
	if _, _, _, err := ct.Commitments(); err != nil {
		t.Errorf("Commitments: %v", err)
	}
}

func TestTree_UseAfterClose(t *testing.T) {
	ct := NewTree(sampleRef())
	ct.Close()
	if !ct.Closed() {
		t.Fatal("Closed() false after Close")
	}
	if _, err := ct.FtMerklePath(0); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, err := ct.ScCommitmentMerklePath(); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if _, _, _, err := ct.Commitments(); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTree_EmptyReference(t *testing.T) {
	ct := NewTree(&types.MainchainBlockReferenceData{HeaderHash: [32]byte{0xbb}})
	defer ct.Close()
	if _, err := ct.FtMerklePath(0); err == nil {
		t.Error("expected error for FT path on a reference without forward transfers")
	}
}
