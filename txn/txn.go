// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package txn implements copy-on-write transactions over a block manager
// and a space map.
//
// Blocks reachable from the last committed root are never written in
// place: Shadow copies them to a fresh block the first time a transaction
// touches them. Commit persists the new blocks before the superblock.
package txn

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/spacemap"
	"go.uber.org/zap"
)

type BlockID = pdata.BlockID

type Manager struct {
	bm     *block.Manager
	sm     *spacemap.SpaceMap
	logger *zap.Logger

	mu      sync.Mutex
	shadows map[BlockID]struct{}
}

func New(bm *block.Manager, sm *spacemap.SpaceMap, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bm:      bm,
		sm:      sm,
		logger:  logger,
		shadows: make(map[BlockID]struct{}),
	}
}

func (tm *Manager) BlockManager() *block.Manager {
	return tm.bm
}

func (tm *Manager) SpaceMap() *spacemap.SpaceMap {
	return tm.sm
}

func (tm *Manager) BlockSize() int {
	return tm.bm.BlockSize()
}

func (tm *Manager) isShadow(b BlockID) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	_, ok := tm.shadows[b]
	return ok
}

func (tm *Manager) addShadow(b BlockID) {
	tm.mu.Lock()
	tm.shadows[b] = struct{}{}
	tm.mu.Unlock()
}

// NewBlock allocates a zeroed block, write-locked.
func (tm *Manager) NewBlock(ctx context.Context, v pdata.Validator) (blk *block.Block, err error) {
	b, err := tm.sm.NewBlock()
	if err != nil {
		return
	}
	if blk, err = tm.bm.WriteLockZero(ctx, b, v); err != nil {
		err = errors.CombineErrors(err, tm.sm.Dec(b))
		return
	}
	tm.addShadow(b)
	return
}

// Shadow returns a write-locked block holding the contents of orig that
// may be modified without disturbing the committed state.
//
// When orig was shared (reference count above one) inc is true and the
// caller must take a reference on everything the copy points to.
func (tm *Manager) Shadow(ctx context.Context, orig BlockID, v pdata.Validator) (blk *block.Block, inc bool, err error) {
	count, err := tm.sm.Count(orig)
	if err != nil {
		return
	}
	if count == 0 {
		err = errors.AssertionFailedf("shadow of free block %d", orig)
		return
	}
	inc = count > 1

	if !inc && tm.isShadow(orig) {
		blk, err = tm.bm.WriteLock(ctx, orig, v)
		return
	}

	b, err := tm.sm.NewBlock()
	if err != nil {
		return
	}
	undo := func() error {
		return errors.CombineErrors(tm.sm.Inc(orig), tm.sm.Dec(b))
	}
	if err = tm.sm.Dec(orig); err != nil {
		err = errors.CombineErrors(err, tm.sm.Dec(b))
		return
	}

	src, err := tm.bm.ReadLock(ctx, orig, v)
	if err != nil {
		err = errors.CombineErrors(err, undo())
		return
	}
	blk, err = tm.bm.WriteLockZero(ctx, b, v)
	if err != nil {
		tm.bm.Unlock(src)
		err = errors.CombineErrors(err, undo())
		return
	}
	copy(blk.Data(), src.Data())
	tm.bm.Unlock(src)
	tm.addShadow(b)
	return
}

func (tm *Manager) ReadLock(ctx context.Context, b BlockID, v pdata.Validator) (*block.Block, error) {
	return tm.bm.ReadLock(ctx, b, v)
}

func (tm *Manager) Unlock(blk *block.Block) {
	tm.bm.Unlock(blk)
}

func (tm *Manager) Inc(b BlockID) error {
	return tm.sm.Inc(b)
}

func (tm *Manager) Dec(b BlockID) error {
	return tm.sm.Dec(b)
}

func (tm *Manager) RefCount(b BlockID) (uint32, error) {
	return tm.sm.Count(b)
}

// Commit writes every block of the transaction, then the write-locked
// superblock, and starts a new transaction.
func (tm *Manager) Commit(ctx context.Context, superblock *block.Block) error {
	if err := tm.bm.FlushAndUnlock(ctx, superblock); err != nil {
		tm.logger.Error("commit failed", zap.Error(err))
		return err
	}
	tm.sm.Commit()
	tm.mu.Lock()
	n := len(tm.shadows)
	clear(tm.shadows)
	tm.mu.Unlock()
	tm.logger.Debug("commit", zap.Int("shadows", n), zap.Uint64("allocated", tm.sm.NrAllocated()))
	return nil
}

// Abort forgets the allocations of the current transaction.
func (tm *Manager) Abort() {
	tm.sm.Rollback()
	tm.mu.Lock()
	clear(tm.shadows)
	tm.mu.Unlock()
	tm.logger.Debug("abort")
}
