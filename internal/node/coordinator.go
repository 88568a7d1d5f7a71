// Package node hosts the node view coordinator: the single-consumer actor that
// owns the (history, state, wallet, memory pool) quadruple, applies blocks
// atomically across them, rolls back on forks, and recovers consistent
// versions after an ungraceful shutdown.
package node

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/djkazic/sidechain-go/internal/history"
	"github.com/djkazic/sidechain-go/internal/mempool"
	"github.com/djkazic/sidechain-go/internal/metrics"
	"github.com/djkazic/sidechain-go/internal/secrets"
	"github.com/djkazic/sidechain-go/internal/state"
	"github.com/djkazic/sidechain-go/internal/types"
	"github.com/djkazic/sidechain-go/internal/wallet"
	"github.com/djkazic/sidechain-go/pkg/util"
)

var (
	// ErrHalted is returned once the coordinator has published RollbackFailed
	// and refuses to serve further requests.
	ErrHalted = errors.New("node: coordinator halted after rollback failure")

	ErrInconsistentOnRestart = errors.New("node: storages unreconcilable on restart")
)

// NodeView is the quadruple the coordinator owns exclusively.
type NodeView struct {
	History *history.History
	State   *state.State
	Wallet  *wallet.Wallet
	Pool    *mempool.MemoryPool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithEventHandler installs a synchronous event sink.
func WithEventHandler(fn func(any)) Option {
	return func(c *Coordinator) { c.publish = fn }
}

// WithDownloadLimiter overrides the download-request rate limiter.
func WithDownloadLimiter(l *rate.Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// Coordinator serializes all node-view mutations through one consumer
// goroutine. Requests are queued and served one at a time; inside a block
// application no suspension occurs.
type Coordinator struct {
	view     NodeView
	logger   *zap.Logger
	publish  func(any)
	limiter  *rate.Limiter
	requests chan func()
	halted   bool
}

// New creates a coordinator over the given node view.
func New(view NodeView, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		view:     view,
		logger:   logger,
		publish:  func(any) {},
		limiter:  rate.NewLimiter(10, 20),
		requests: make(chan func(), 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes queued requests until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.requests:
			fn()
		}
	}
}

// do enqueues a closure and waits for it to run.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	wrapped := func() {
		if c.halted {
			done <- ErrHalted
			return
		}
		done <- fn()
	}
	select {
	case c.requests <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ApplyBlock submits a block for application.
func (c *Coordinator) ApplyBlock(ctx context.Context, block *types.Block) error {
	return c.do(ctx, func() error { return c.pmodModify(block) })
}

// GetDataFromCurrentNodeView runs a read-only function against the current
// quadruple and replies with its result.
func (c *Coordinator) GetDataFromCurrentNodeView(ctx context.Context, fn func(NodeView) (any, error)) (any, error) {
	var out any
	err := c.do(ctx, func() error {
		var err error
		out, err = fn(c.view)
		return err
	})
	return out, err
}

// ApplyFunctionOnNodeView runs a function against the current quadruple.
func (c *Coordinator) ApplyFunctionOnNodeView(ctx context.Context, fn func(NodeView) (any, error)) (any, error) {
	return c.GetDataFromCurrentNodeView(ctx, fn)
}

// ApplyBiFunctionOnNodeView runs a two-argument function against the current
// quadruple.
func (c *Coordinator) ApplyBiFunctionOnNodeView(ctx context.Context, fn func(NodeView, any) (any, error), arg any) (any, error) {
	return c.GetDataFromCurrentNodeView(ctx, func(v NodeView) (any, error) {
		return fn(v, arg)
	})
}

// LocallyGeneratedSecret stores a locally generated secret in the wallet.
func (c *Coordinator) LocallyGeneratedSecret(ctx context.Context, sec *secrets.Secret) error {
	return c.do(ctx, func() error { return c.view.Wallet.AddSecret(sec) })
}

// pmodModify applies one block across the node view. Re-submitting a block
// already present in history is a no-op.
func (c *Coordinator) pmodModify(block *types.Block) error {
	id := block.ID()
	if c.view.History.Contains(id) {
		c.logger.Debug("ignoring known block", zap.String("block", util.HashToHex(id)))
		return nil
	}

	pi, err := c.view.History.Append(block)
	if err != nil {
		metrics.BlocksRejected.Inc()
		c.publish(SyntacticallyFailedModification{BlockID: id, Err: err})
		return fmt.Errorf("append block %s: %w", util.HashToHex(id), err)
	}

	if len(pi.ToApply) == 0 {
		c.emitDownloadRequests(pi.ToDownload)
		return nil
	}
	if pi.ChainSwitchingNeeded {
		metrics.ChainSwitches.Inc()
	}

	applied, err := c.updateStateAndWallet(pi, nil)
	if err != nil {
		return err
	}

	c.view.Pool.UpdateAfterApply(pi.ToRemove, applied, c.view.State)
	metrics.MempoolSize.Set(float64(c.view.Pool.Size()))

	for _, m := range applied {
		metrics.BlocksApplied.Inc()
		c.publish(SemanticallySuccessfulModifier{BlockID: m.ID()})
	}
	return nil
}

// updateStateAndWallet rolls back to the branch point when a chain switch is
// needed, applies the progress info's blocks, and recurses into the
// alternative progress info when a block turns out invalid.
func (c *Coordinator) updateStateAndWallet(pi *history.ProgressInfo, suffixApplied []*types.Block) ([]*types.Block, error) {
	stateVersion, hasState := c.view.State.Version()
	if pi.ChainSwitchingNeeded && pi.BranchPoint != nil && (!hasState || stateVersion != *pi.BranchPoint) {
		branch := *pi.BranchPoint
		metrics.RollbacksTotal.Inc()
		if err := c.view.Wallet.Rollback(branch); err != nil {
			c.halt(err)
			return nil, fmt.Errorf("rollback wallet to branch point: %w", err)
		}
		if err := c.view.State.Rollback(branch); err != nil {
			c.halt(err)
			return nil, fmt.Errorf("rollback state to branch point: %w", err)
		}
		suffixApplied = trimChainSuffix(suffixApplied, branch)
	}

	applied, failedMod, altPI, err := c.applyStateAndWallet(pi, suffixApplied)
	if err != nil {
		return nil, err
	}
	if failedMod != nil {
		if altPI != nil && (len(altPI.ToApply) > 0 || altPI.ChainSwitchingNeeded) {
			return c.updateStateAndWallet(altPI, applied)
		}
		return applied, nil
	}
	return applied, nil
}

// trimChainSuffix keeps the suffix entries at or after the rollback point.
func trimChainSuffix(suffix []*types.Block, point [32]byte) []*types.Block {
	for i, m := range suffix {
		if m.ID() == point {
			return append([]*types.Block(nil), suffix[i:]...)
		}
	}
	return nil
}

// applyStateAndWallet applies each block of the progress info in order:
// consensus-epoch handling, state, wallet, and finally the history best-block
// write — the atomic crossing point.
func (c *Coordinator) applyStateAndWallet(pi *history.ProgressInfo, suffix []*types.Block) ([]*types.Block, *types.Block, *history.ProgressInfo, error) {
	for _, m := range pi.ToApply {
		switching, err := c.view.State.IsSwitchingConsensusEpoch(m)
		if err != nil {
			return suffix, nil, nil, err
		}
		if switching {
			if err := c.applyConsensusEpochSwitch(); err != nil {
				return suffix, nil, nil, err
			}
		}

		if err := c.view.State.ApplyModifier(m); err != nil {
			metrics.BlocksRejected.Inc()
			c.publish(SemanticallyFailedModification{BlockID: m.ID(), Err: err})
			altPI, invErr := c.view.History.ReportModifierIsInvalid(m, pi)
			if invErr != nil {
				return suffix, nil, nil, fmt.Errorf("report invalid block: %w", invErr)
			}
			return suffix, m, altPI, nil
		}

		lastIndex, err := c.view.State.IsWithdrawalEpochLastIndex()
		if err != nil {
			return suffix, nil, nil, err
		}
		weInfo, err := c.view.State.GetWithdrawalEpochInfo()
		if err != nil {
			return suffix, nil, nil, err
		}
		var feePayments []types.Box
		var utxoView *state.UtxoMerkleTreeView
		if lastIndex {
			if feePayments, err = c.view.State.GetFeePayments(weInfo.Epoch); err != nil {
				return suffix, nil, nil, err
			}
			if err = c.view.History.UpdateFeePaymentsInfo(m.ID(), feePayments); err != nil {
				return suffix, nil, nil, err
			}
			if utxoView, err = c.view.State.UtxoMerkleTreeView(); err != nil {
				return suffix, nil, nil, err
			}
		}

		if err := c.view.Wallet.ScanPersistent(m, weInfo.Epoch, feePayments, utxoView); err != nil {
			return suffix, nil, nil, fmt.Errorf("wallet scan of %s: %w", util.HashToHex(m.ID()), err)
		}

		// Last write: flips the best-block pointer.
		if err := c.view.History.ReportModifierIsValid(m); err != nil {
			return suffix, nil, nil, fmt.Errorf("report valid block: %w", err)
		}
		suffix = append(suffix, m)
	}
	return suffix, nil, nil, nil
}

// applyConsensusEpochSwitch snapshots the closing epoch's forging stake from
// the current state into history and the wallet. The wallet's forger store now
// leads state by one version until the epoch-opening block lands.
func (c *Coordinator) applyConsensusEpochSwitch() error {
	lastBlockInEpoch, epochInfo, err := c.view.State.GetCurrentConsensusEpochInfo()
	if err != nil {
		return err
	}
	nonce := c.view.History.CalculateEpochNonce(epochInfo.Epoch + 1)
	if err := c.view.History.ApplyFullConsensusEpochInfo(types.FullConsensusEpochInfo{
		StakeInfo: *epochInfo,
		Nonce:     nonce,
	}); err != nil {
		return err
	}
	if err := c.view.Wallet.ApplyConsensusEpochInfo(epochInfo); err != nil {
		return err
	}
	c.logger.Info("consensus epoch switch",
		zap.Int32("closing_epoch", epochInfo.Epoch),
		zap.String("last_block", util.HashToHex(lastBlockInEpoch)))
	return nil
}

// emitDownloadRequests publishes a rate-limited download request for missing
// blocks.
func (c *Coordinator) emitDownloadRequests(ids [][32]byte) {
	if len(ids) == 0 {
		return
	}
	if !c.limiter.Allow() {
		c.logger.Debug("download request suppressed by rate limit", zap.Int("blocks", len(ids)))
		return
	}
	c.publish(DownloadRequested{BlockIDs: ids})
}

// halt publishes RollbackFailed and refuses further requests.
func (c *Coordinator) halt(err error) {
	c.halted = true
	metrics.RollbackFailures.Inc()
	c.publish(RollbackFailed{Err: err})
	c.logger.Error("rollback failed, coordinator halted", zap.Error(err))
}

// CheckAndRecoverStorages reconciles the quadruple's versions after a restart.
// History's best-block write is the atomic crossing point: when history has
// not recorded a block, state and wallet may have crossed over and must
// retreat.
func (c *Coordinator) CheckAndRecoverStorages() error {
	historyVersion, hasHistory := c.view.History.BestBlockID()
	stateVersion, hasState := c.view.State.Version()

	if !hasHistory {
		if hasState {
			return fmt.Errorf("%w: state has version but history has no best block", ErrInconsistentOnRestart)
		}
		c.logger.Info("fresh node, nothing to recover")
		return nil
	}

	if err := c.view.State.EnsureStorageConsistencyAfterRestore(); err != nil {
		return err
	}
	stateVersion, hasState = c.view.State.Version()
	if !hasState {
		return fmt.Errorf("%w: history has best block but state is empty", ErrInconsistentOnRestart)
	}

	if historyVersion == stateVersion {
		if err := c.view.Wallet.EnsureStorageConsistencyAfterRestore(); err != nil {
			return err
		}
		walletVersion, ok := c.view.Wallet.Version()
		if !ok || walletVersion != historyVersion {
			// Wallet precedes history in the update order, so this is never
			// expected.
			return fmt.Errorf("%w: state and history agree but wallet differs", ErrInconsistentOnRestart)
		}
		c.logger.Info("storages consistent after restart",
			zap.String("version", util.HashToHex(historyVersion)))
		return nil
	}

	nonChainSuffix := c.view.History.ChainBack(stateVersion, c.view.History.IsInActiveChain, math.MaxInt32)
	if len(nonChainSuffix) == 0 {
		return fmt.Errorf("%w: state version %s unreachable from active chain",
			ErrInconsistentOnRestart, util.HashToHex(stateVersion))
	}
	rollbackTo := nonChainSuffix[0]
	c.logger.Info("state crossed over history, retreating",
		zap.String("state", util.HashToHex(stateVersion)),
		zap.String("to", util.HashToHex(rollbackTo)))

	metrics.RollbacksTotal.Inc()
	if err := c.view.Wallet.Rollback(rollbackTo); err != nil {
		c.halt(err)
		return fmt.Errorf("recovery rollback of wallet: %w", err)
	}
	if err := c.view.State.Rollback(rollbackTo); err != nil {
		c.halt(err)
		return fmt.Errorf("recovery rollback of state: %w", err)
	}
	return nil
}
