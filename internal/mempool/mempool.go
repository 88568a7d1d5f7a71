// Package mempool holds transactions waiting for inclusion in a block.
package mempool

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/djkazic/sidechain-go/internal/state"
	"github.com/djkazic/sidechain-go/internal/types"
)

var ErrTxExists = errors.New("mempool: transaction already present")

// MemoryPool is an insertion-ordered transaction pool.
type MemoryPool struct {
	mu     sync.RWMutex
	txs    map[[32]byte]*types.Transaction
	order  [][32]byte
	logger *zap.Logger
}

// New creates an empty pool.
func New(logger *zap.Logger) *MemoryPool {
	return &MemoryPool{txs: make(map[[32]byte]*types.Transaction), logger: logger}
}

// Put adds a transaction.
func (p *MemoryPool) Put(tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := tx.ID()
	if _, ok := p.txs[id]; ok {
		return ErrTxExists
	}
	p.txs[id] = tx
	p.order = append(p.order, id)
	return nil
}

// Remove drops a transaction by id.
func (p *MemoryPool) Remove(id [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(id)
}

func (p *MemoryPool) removeLocked(id [32]byte) {
	if _, ok := p.txs[id]; !ok {
		return
	}
	delete(p.txs, id)
	for i, k := range p.order {
		if k == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether a transaction is pooled.
func (p *MemoryPool) Contains(id [32]byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.txs[id]
	return ok
}

// Take returns up to n transactions in insertion order.
func (p *MemoryPool) Take(n int) []*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n > len(p.order) {
		n = len(p.order)
	}
	out := make([]*types.Transaction, 0, n)
	for _, id := range p.order[:n] {
		out = append(out, p.txs[id])
	}
	return out
}

// Size returns the number of pooled transactions.
func (p *MemoryPool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// UpdateAfterApply reconciles the pool after a chain update: transactions from
// rolled-back blocks return to the pool, transactions included in applied
// blocks leave it, and anything whose inputs the new state no longer holds is
// dropped.
func (p *MemoryPool) UpdateAfterApply(removed, applied []*types.Block, st *state.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	appliedTx := make(map[[32]byte]struct{})
	for _, b := range applied {
		for _, tx := range b.Transactions {
			appliedTx[tx.ID()] = struct{}{}
		}
	}

	for _, b := range removed {
		for _, tx := range b.Transactions {
			id := tx.ID()
			if _, ok := appliedTx[id]; ok {
				continue
			}
			if _, ok := p.txs[id]; ok {
				continue
			}
			p.txs[id] = tx
			p.order = append(p.order, id)
		}
	}

	for id := range appliedTx {
		p.removeLocked(id)
	}

	var stale [][32]byte
	for id, tx := range p.txs {
		for _, in := range tx.BoxIDsToOpen() {
			ok, err := st.BoxExists(in)
			if err != nil || !ok {
				stale = append(stale, id)
				break
			}
		}
	}
	for _, id := range stale {
		p.removeLocked(id)
	}

	p.logger.Debug("mempool updated",
		zap.Int("size", len(p.order)),
		zap.Int("dropped_stale", len(stale)))
}
