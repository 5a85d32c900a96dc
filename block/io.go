// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"go.uber.org/zap"
)

func (manager *Manager) offset(where BlockID) int64 {
	return int64(where) * int64(manager.blockSize)
}

// recycle assigns a free buffer to where and fills it, from the device
// when needRead is set or with zeros otherwise. The returned block is
// clean. A nil block with a nil error means another goroutine cached
// where meanwhile and the caller must look it up again.
//
// The manager mutex must be held; it is released during I/O.
func (manager *Manager) recycle(ctx context.Context, where BlockID, needRead bool, v Validator) (*Block, error) {
	var block *Block
	for {
		quarter := max(1, manager.cacheSize/4)
		if manager.available+manager.writing < quarter && manager.dirty.len > 0 {
			manager.writeDirty(quarter)
		}
		if manager.hash[where] != nil {
			return nil, nil
		}
		if block = manager.findFree(); block != nil {
			break
		}
		if block = manager.failed.front(); block != nil {
			manager.discard(block)
			continue
		}
		err := manager.wait(ctx, func() bool {
			return manager.available > 0 ||
				manager.failed.len > 0 ||
				(manager.dirty.len > 0 && manager.available+manager.writing < quarter)
		})
		if err != nil {
			return nil, err
		}
	}

	block.where = where
	manager.transition(block, StateReading)
	if !needRead {
		clear(block.data)
		manager.transition(block, StateClean)
		return block, nil
	}

	block.done = false
	block.err = nil
	device := manager.device
	manager.mu.Unlock()
	device.SubmitRead(block.data, manager.offset(where), func(err error) {
		manager.mu.Lock()
		defer manager.mu.Unlock()
		block.err = err
		block.done = true
		manager.cond.Broadcast()
	})
	manager.mu.Lock()

	// The read is ours to finish even if ctx is cancelled meanwhile.
	manager.waitIO(func() bool { return block.done })

	if err := block.err; err != nil {
		manager.logger.Error("block read failed", zap.Uint64("block", where), zap.Error(err))
		manager.transition(block, StateError)
		manager.transition(block, StateEmpty)
		return nil, errors.Mark(errors.Wrapf(err, "read block %d", where), pdata.ErrIO)
	}

	manager.transition(block, StateClean)
	if v == nil {
		return block, nil
	}
	if err := v.Check(where, block.data); err != nil {
		manager.logger.Error("block check failed",
			zap.Uint64("block", where),
			zap.String("validator", v.Name()),
			zap.Error(err),
		)
		manager.transition(block, StateEmpty)
		return nil, errors.Wrapf(err, "block %d: %s check", where, v.Name())
	}
	block.validator = v
	return block, nil
}

func (manager *Manager) findFree() *Block {
	if block := manager.empty.front(); block != nil {
		return block
	}
	if block := manager.clean.front(); block != nil {
		manager.transition(block, StateEmpty)
		return block
	}
	return nil
}

// discard drops a block whose write failed. The failure is still reported
// by the next flush.
func (manager *Manager) discard(block *Block) {
	manager.lostWrites++
	if manager.lostErr == nil {
		manager.lostErr = block.err
	}
	manager.transition(block, StateEmpty)
}

type writeRequest struct {
	block     *Block
	where     BlockID
	validator Validator
	flags     IOFlags
}

// writeDirty starts writing up to count dirty blocks, oldest first.
// The manager mutex must be held; it is released while submitting.
func (manager *Manager) writeDirty(count int) {
	var batch []writeRequest
	for ; count > 0; count-- {
		block := manager.dirty.front()
		if block == nil {
			break
		}
		manager.transition(block, StateWriting)
		batch = append(batch, writeRequest{
			block:     block,
			where:     block.where,
			validator: block.validator,
			flags:     block.ioFlags,
		})
	}
	if len(batch) == 0 {
		return
	}

	device := manager.device
	manager.mu.Unlock()
	defer manager.mu.Lock()
	for _, req := range batch {
		if req.validator != nil {
			req.validator.PrepareForWrite(req.where, req.block.data)
		}
		block := req.block
		device.SubmitWrite(block.data, manager.offset(req.where), req.flags, func(err error) {
			manager.writeDone(block, err)
		})
	}
}

func (manager *Manager) writeDone(block *Block, err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if err != nil {
		manager.logger.Error("block write failed", zap.Uint64("block", block.where), zap.Error(err))
		block.err = err
		manager.transition(block, StateError)
		return
	}
	manager.transition(block, StateClean)
}

// Flush writes every dirty block and waits for all writes in flight.
// Write failures recorded since the last flush are reported once, as an
// error matching ErrIO, and then forgotten.
func (manager *Manager) Flush(ctx context.Context) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return pdata.ErrClosed
	}
	return manager.flush(ctx)
}

func (manager *Manager) flush(ctx context.Context) error {
	manager.logger.Debug("flush", zap.Int("dirty", manager.dirty.len), zap.Int("writing", manager.writing))
	manager.writeDirty(manager.dirty.len)
	if err := manager.wait(ctx, func() bool { return manager.writing == 0 }); err != nil {
		return err
	}

	failed := manager.lostWrites
	cause := manager.lostErr
	for block := range manager.failed.each {
		failed++
		if cause == nil {
			cause = block.err
		}
		manager.transition(block, StateEmpty)
	}
	manager.lostWrites = 0
	manager.lostErr = nil
	if failed == 0 {
		return nil
	}
	if cause == nil {
		return errors.Wrapf(pdata.ErrIO, "flush: %d writes failed", failed)
	}
	return errors.Mark(errors.Wrapf(cause, "flush: %d writes failed", failed), pdata.ErrIO)
}

// FlushAndUnlock writes every dirty block, then releases the write-locked
// superblock and writes it with Preflush and FUA, so that it reaches
// stable storage only after everything written before it.
//
// If the first flush fails the superblock stays locked.
func (manager *Manager) FlushAndUnlock(ctx context.Context, superblock *Block) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if superblock.state != StateWriteLocked {
		panic(errors.AssertionFailedf("block(%d): flush and unlock in state %s", superblock.where, superblock.state))
	}
	if err := manager.flush(ctx); err != nil {
		return err
	}
	superblock.ioFlags |= pdata.Preflush | pdata.FUA
	manager.unlock(superblock)
	return manager.flush(ctx)
}
