package state

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/storage"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/testutil"
)

func openStore(t *testing.T, dir, name string) *storage.VersionedStore {
	t.Helper()
	be, err := storage.NewBoltBackend(filepath.Join(dir, name+".db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	vs, err := storage.Open(be, 0, zap.NewNop())
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	t.Cleanup(func() { vs.Close() })
	return vs
}

func newTestState(t *testing.T, params Params) *State {
	t.Helper()
	dir := t.TempDir()
	return New(
		openStore(t, dir, "state"),
		openStore(t, dir, "forger"),
		openStore(t, dir, "utxo"),
		nil,
		params,
		zap.NewNop(),
	)
}

func testParams() Params {
	return Params{WithdrawalEpochLength: 3, ConsensusSecondsPerEpoch: 100}
}

func TestState_ApplyGenesis(t *testing.T) {
	st := newTestState(t, testParams())

	prop := types.Proposition{1}
	genesis := testutil.SampleBlock([32]byte{}, 1000,
		testutil.FundingTransaction(0, testutil.SampleCoinBox(prop, 100, 1)))

	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("ApplyModifier(genesis): %v", err)
	}
	v, ok := st.Version()
	if !ok || v != genesis.ID() {
		t.Error("state version should be the genesis id")
	}
	we, err := st.GetWithdrawalEpochInfo()
	if err != nil || we.Epoch != 0 || we.Index != 1 {
		t.Errorf("withdrawal epoch after genesis = %+v, %v", we, err)
	}

	box := testutil.SampleCoinBox(prop, 100, 1)
	ok, err = st.BoxExists(box.ID())
	if err != nil || !ok {
		t.Error("genesis output not in box set")
	}
}

func TestState_RejectsWrongParent(t *testing.T) {
	st := newTestState(t, testParams())
	genesis := testutil.SampleBlock([32]byte{}, 1000)
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	stranger := testutil.SampleBlock([32]byte{0xff}, 1030)
	if err := st.ApplyModifier(stranger); !errors.Is(err, ErrUnknownParent) {
		t.Errorf("expected ErrUnknownParent, got %v", err)
	}
}

func TestState_RejectsMissingInput(t *testing.T) {
	st := newTestState(t, testParams())
	genesis := testutil.SampleBlock([32]byte{}, 1000)
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	bogus := [32]byte{0xde, 0xad}
	spend := testutil.SpendingTransaction([][32]byte{bogus}, 1)
	block := testutil.SampleBlock(genesis.ID(), 1030, spend)
	if err := st.ApplyModifier(block); !errors.Is(err, ErrMissingInput) {
		t.Errorf("expected ErrMissingInput, got %v", err)
	}
	// Nothing persisted: version unchanged.
	v, _ := st.Version()
	if v != genesis.ID() {
		t.Error("failed apply must not advance the state version")
	}
}

func TestState_SpendMovesBoxSet(t *testing.T) {
	st := newTestState(t, testParams())
	prop := types.Proposition{1}
	funded := testutil.SampleCoinBox(prop, 100, 1)
	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, funded))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	change := testutil.SampleCoinBox(prop, 90, 2)
	spend := testutil.SpendingTransaction([][32]byte{funded.ID()}, 10, change)
	block := testutil.SampleBlock(genesis.ID(), 1030, spend)
	if err := st.ApplyModifier(block); err != nil {
		t.Fatalf("spend block: %v", err)
	}

	if ok, _ := st.BoxExists(funded.ID()); ok {
		t.Error("spent box still in box set")
	}
	if ok, _ := st.BoxExists(change.ID()); !ok {
		t.Error("change box missing from box set")
	}
}

func TestState_WithdrawalEpochProgression(t *testing.T) {
	st := newTestState(t, testParams()) // epoch length 3

	var parent [32]byte
	ts := uint64(1000)
	for i := 0; i < 4; i++ {
		b := testutil.SampleBlock(parent, ts)
		if err := st.ApplyModifier(b); err != nil {
			t.Fatalf("block %d: %v", i, err)
		}
		parent = b.ID()
		ts += 30

		we, _ := st.GetWithdrawalEpochInfo()
		last, _ := st.IsWithdrawalEpochLastIndex()
		switch i {
		case 0, 1:
			if we.Epoch != 0 || last {
				t.Errorf("block %d: epoch = %+v, last = %v", i, we, last)
			}
		case 2:
			if we.Epoch != 0 || we.Index != 3 || !last {
				t.Errorf("block %d: expected last index of epoch 0, got %+v", i, we)
			}
		case 3:
			if we.Epoch != 1 || we.Index != 1 || last {
				t.Errorf("block %d: expected first index of epoch 1, got %+v", i, we)
			}
		}
	}
}

func TestState_FeePayments(t *testing.T) {
	st := newTestState(t, testParams())
	forgerA := types.Proposition{0xa}
	forgerB := types.Proposition{0xb}

	prop := types.Proposition{1}
	boxes := []types.Box{
		testutil.SampleCoinBox(prop, 100, 1),
		testutil.SampleCoinBox(prop, 100, 2),
	}

	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, boxes[0], boxes[1]))
	genesis.Header.ForgerProposition = forgerA
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	// forgerA earns 10 in block 2, forgerB earns 5 in block 3.
	b2 := testutil.SampleBlock(genesis.ID(), 1030,
		testutil.SpendingTransaction([][32]byte{boxes[0].ID()}, 10))
	b2.Header.ForgerProposition = forgerA
	if err := st.ApplyModifier(b2); err != nil {
		t.Fatalf("b2: %v", err)
	}
	b3 := testutil.SampleBlock(b2.ID(), 1060,
		testutil.SpendingTransaction([][32]byte{boxes[1].ID()}, 5))
	b3.Header.ForgerProposition = forgerB
	if err := st.ApplyModifier(b3); err != nil {
		t.Fatalf("b3: %v", err)
	}

	payments, err := st.GetFeePayments(0)
	if err != nil {
		t.Fatalf("GetFeePayments: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("got %d fee payments, want 2", len(payments))
	}
	if payments[0].Proposition != forgerA || payments[0].Value != 10 {
		t.Errorf("forgerA payment = %+v", payments[0])
	}
	if payments[1].Proposition != forgerB || payments[1].Value != 5 {
		t.Errorf("forgerB payment = %+v", payments[1])
	}
}

func TestState_ConsensusEpochSwitchDetection(t *testing.T) {
	st := newTestState(t, testParams()) // 100 seconds per epoch

	genesis := testutil.SampleBlock([32]byte{}, 1000)
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	sameEpoch := testutil.SampleBlock(genesis.ID(), 1050)
	if sw, _ := st.IsSwitchingConsensusEpoch(sameEpoch); sw {
		t.Error("block inside the epoch should not switch")
	}
	nextEpoch := testutil.SampleBlock(genesis.ID(), 1150)
	if sw, _ := st.IsSwitchingConsensusEpoch(nextEpoch); !sw {
		t.Error("block past the epoch boundary should switch")
	}
}

func TestState_ConsensusEpochInfoTracksForgerStakes(t *testing.T) {
	st := newTestState(t, testParams())
	owner := types.Proposition{1}
	signer := types.Proposition{2}
	forgerBox := testutil.SampleForgerBox(owner, signer, 500, 1)

	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, forgerBox))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	tip, info, err := st.GetCurrentConsensusEpochInfo()
	if err != nil {
		t.Fatalf("GetCurrentConsensusEpochInfo: %v", err)
	}
	if tip != genesis.ID() {
		t.Error("epoch info tip should be the state version")
	}
	if info.ForgersStake != 500 {
		t.Errorf("total stake = %d, want 500", info.ForgersStake)
	}
	stake := forgerBox.ForgingStakeInfo()
	if _, err := info.ForgingStakeTree.PathForLeaf(stake.Hash()); err != nil {
		t.Error("forger stake leaf missing from epoch tree")
	}
}

func TestState_RollbackRestoresBoxSet(t *testing.T) {
	st := newTestState(t, testParams())
	prop := types.Proposition{1}
	funded := testutil.SampleCoinBox(prop, 100, 1)
	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, funded))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	spend := testutil.SpendingTransaction([][32]byte{funded.ID()}, 10)
	block := testutil.SampleBlock(genesis.ID(), 1030, spend)
	if err := st.ApplyModifier(block); err != nil {
		t.Fatalf("spend block: %v", err)
	}

	if err := st.Rollback(genesis.ID()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	v, _ := st.Version()
	if v != genesis.ID() {
		t.Error("version after rollback mismatch")
	}
	if ok, _ := st.BoxExists(funded.ID()); !ok {
		t.Error("rollback did not restore the spent box")
	}
}

func TestState_RollbackUnknownVersionFails(t *testing.T) {
	st := newTestState(t, testParams())
	genesis := testutil.SampleBlock([32]byte{}, 1000)
	_ = st.ApplyModifier(genesis)
	if err := st.Rollback([32]byte{0xff}); err == nil {
		t.Error("expected rollback to unknown version to fail")
	}
}

func TestState_UtxoMerkleTreeViewPaths(t *testing.T) {
	st := newTestState(t, testParams())
	prop := types.Proposition{1}
	a := testutil.SampleCoinBox(prop, 100, 1)
	b := testutil.SampleCoinBox(prop, 200, 2)
	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, a, b))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	view, err := st.UtxoMerkleTreeView()
	if err != nil {
		t.Fatalf("UtxoMerkleTreeView: %v", err)
	}
	for _, box := range []types.Box{a, b} {
		path, err := view.MerklePath(box.ID())
		if err != nil {
			t.Fatalf("MerklePath: %v", err)
		}
		if path.Apply(utxoLeaf(&box)) != view.Root() {
			t.Error("utxo path does not verify against the view root")
		}
	}
	if _, err := view.MerklePath([32]byte{0xee}); err == nil {
		t.Error("expected error for box outside the view")
	}
}

func TestState_RestoreRollsBackLeadingSubStore(t *testing.T) {
	dir := t.TempDir()
	base := openStore(t, dir, "state")
	forger := openStore(t, dir, "forger")
	utxo := openStore(t, dir, "utxo")
	st := New(base, forger, utxo, nil, testParams(), zap.NewNop())

	genesis := testutil.SampleBlock([32]byte{}, 1000)
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	// Simulate a crash that advanced the forger sub-store but not the base.
	extra := [32]byte{0x99}
	if err := forger.Update(extra, nil, nil); err != nil {
		t.Fatalf("extra update: %v", err)
	}

	if err := st.EnsureStorageConsistencyAfterRestore(); err != nil {
		t.Fatalf("EnsureStorageConsistencyAfterRestore: %v", err)
	}
	last, _ := forger.LastVersionID()
	if last != genesis.ID() {
		t.Error("leading sub-store was not rolled back")
	}
}

func TestState_RestoreFailsOnUnreconcilableSubStore(t *testing.T) {
	dir := t.TempDir()
	base := openStore(t, dir, "state")
	forger := openStore(t, dir, "forger")
	utxo := openStore(t, dir, "utxo")
	st := New(base, forger, utxo, nil, testParams(), zap.NewNop())

	genesis := testutil.SampleBlock([32]byte{}, 1000)
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	// Two extra versions: not reconcilable by a single-step rollback.
	_ = forger.Update([32]byte{0x98}, nil, nil)
	_ = forger.Update([32]byte{0x99}, nil, nil)

	if err := st.EnsureStorageConsistencyAfterRestore(); !errors.Is(err, ErrInconsistentStorage) {
		t.Errorf("expected ErrInconsistentStorage, got %v", err)
	}
}

func TestExtractChanges_RejectsOverlap(t *testing.T) {
	prop := types.Proposition{1}
	box := testutil.SampleCoinBox(prop, 50, 1)
	// A transaction that both creates and opens the same box id.
	tx := &types.Transaction{
		InputIDs: [][32]byte{box.ID()},
		Outputs:  []types.Box{box},
	}
	block := testutil.SampleBlock([32]byte{}, 1000, tx)
	if _, err := ExtractChanges(block); err == nil {
		t.Error("expected overlap between append and remove sets to be rejected")
	}
}

func TestExtractChanges_ForwardTransfers(t *testing.T) {
	block := testutil.SampleBlock([32]byte{}, 1000)
	block.MainchainBlockReferencesData = []types.MainchainBlockReferenceData{{
		HeaderHash: [32]byte{0xaa},
		AggregatedOutputs: []types.MainchainOutput{
			{Type: types.OutputSidechainCreation, Proposition: types.Proposition{9}},
			{Type: types.OutputForwardTransfer, Proposition: types.Proposition{1}, Amount: 10, TxHash: [32]byte{1}},
		},
	}}
	changes, err := ExtractChanges(block)
	if err != nil {
		t.Fatalf("ExtractChanges: %v", err)
	}
	if len(changes.ToAppend) != 1 {
		t.Fatalf("appended %d boxes, want 1 (sidechain creation skipped)", len(changes.ToAppend))
	}
	if changes.ToAppend[0].Value != 10 {
		t.Error("forward transfer box value mismatch")
	}
}
