package mempool

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/state"
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

func newTestState(t *testing.T) *state.State {
	dir := t.TempDir()
	return state.New(openStore(t, dir, "s"), openStore(t, dir, "sf"), openStore(t, dir, "su"),
		nil, state.Params{WithdrawalEpochLength: 10, ConsensusSecondsPerEpoch: 100}, zap.NewNop())
}

func TestPool_PutTakeRemove(t *testing.T) {
	p := New(zap.NewNop())

	tx1 := testutil.FundingTransaction(1, testutil.SampleCoinBox(types.Proposition{1}, 10, 1))
	tx2 := testutil.FundingTransaction(2, testutil.SampleCoinBox(types.Proposition{2}, 20, 2))
	if err := p.Put(tx1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(tx2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(tx1); err != ErrTxExists {
		t.Errorf("expected ErrTxExists, got %v", err)
	}
	if p.Size() != 2 {
		t.Errorf("Size = %d", p.Size())
	}

	got := p.Take(5)
	if len(got) != 2 || got[0].ID() != tx1.ID() {
		t.Error("Take should preserve insertion order")
	}

	p.Remove(tx1.ID())
	if p.Contains(tx1.ID()) || p.Size() != 1 {
		t.Error("Remove did not drop the transaction")
	}
}

func TestPool_UpdateAfterApply(t *testing.T) {
	st := newTestState(t)
	prop := types.Proposition{1}
	funded := testutil.SampleCoinBox(prop, 100, 1)
	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, funded))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	p := New(zap.NewNop())
	spend := testutil.SpendingTransaction([][32]byte{funded.ID()}, 1)
	stale := testutil.SpendingTransaction([][32]byte{{0xde, 0xad}}, 1)
	_ = p.Put(spend)
	_ = p.Put(stale)

	// A block including spend is applied: spend leaves, stale is dropped for
	// missing inputs.
	applied := testutil.SampleBlock(genesis.ID(), 1030, spend)
	if err := st.ApplyModifier(applied); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p.UpdateAfterApply(nil, []*types.Block{applied}, st)

	if p.Contains(spend.ID()) {
		t.Error("applied transaction still pooled")
	}
	if p.Contains(stale.ID()) {
		t.Error("transaction with missing inputs still pooled")
	}
}

func TestPool_RolledBackTransactionsReturn(t *testing.T) {
	st := newTestState(t)
	prop := types.Proposition{1}
	funded := testutil.SampleCoinBox(prop, 100, 1)
	genesis := testutil.SampleBlock([32]byte{}, 1000, testutil.FundingTransaction(0, funded))
	if err := st.ApplyModifier(genesis); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	spend := testutil.SpendingTransaction([][32]byte{funded.ID()}, 1)
	removed := testutil.SampleBlock(genesis.ID(), 1030, spend)

	p := New(zap.NewNop())
	// The block carrying spend was rolled back and nothing re-applied it:
	// the transaction returns to the pool (its input exists again).
	p.UpdateAfterApply([]*types.Block{removed}, nil, st)
	if !p.Contains(spend.ID()) {
		t.Error("rolled-back transaction should return to the pool")
	}

	// If a new branch re-applied it, it must not return.
	p2 := New(zap.NewNop())
	p2.UpdateAfterApply([]*types.Block{removed}, []*types.Block{removed}, st)
	if p2.Contains(spend.ID()) {
		t.Error("re-applied transaction should not return to the pool")
	}
}
