// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"go.uber.org/zap"
)

const (
	DefaultBlockSize = 4096
	DefaultCacheSize = 128

	minBlockSize = 512
	maxBlockSize = 1 << 20
)

type Options struct {
	// BlockSize is the size of every block in bytes, a power of two.
	BlockSize int

	// CacheSize is the number of block buffers in the pool.
	CacheSize int

	Logger *zap.Logger
}

// Manager caches blocks of a Device in a fixed pool of buffers and hands
// them out under read and write locks.
//
// A single mutex guards every block's bookkeeping; block contents are
// guarded by the lock discipline only. Every state transition broadcasts
// cond, and waiters recheck their predicate after each wake.
type Manager struct {
	mu   sync.Mutex
	cond sync.Cond

	device    Device
	logger    *zap.Logger
	blockSize int
	cacheSize int
	nrBlocks  uint64

	blocks []Block
	hash   map[BlockID]*Block

	empty  list
	clean  list
	dirty  list
	failed list

	available int
	reading   int
	writing   int

	lostWrites int
	lostErr    error
	closed     bool
}

func NewManager(device Device, opt Options) (manager *Manager, err error) {
	blockSize := opt.BlockSize
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize < minBlockSize || blockSize > maxBlockSize || blockSize&(blockSize-1) != 0 {
		err = errors.Wrapf(pdata.ErrInvalidBlockSize, "block size %d", blockSize)
		return
	}
	cacheSize := opt.CacheSize
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}
	if cacheSize < 1 {
		err = errors.Wrapf(pdata.ErrInvalidCacheSize, "cache size %d", cacheSize)
		return
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	manager = &Manager{
		device:    device,
		logger:    logger,
		blockSize: blockSize,
		cacheSize: cacheSize,
		nrBlocks:  uint64(device.Size()) / uint64(blockSize),
		blocks:    make([]Block, cacheSize),
		hash:      make(map[BlockID]*Block, cacheSize),
		available: cacheSize,
	}
	manager.cond.L = &manager.mu

	buf := make([]byte, blockSize*cacheSize)
	for i := range manager.blocks {
		block := &manager.blocks[i]
		block.manager = manager
		block.data = buf[i*blockSize : (i+1)*blockSize : (i+1)*blockSize]
		manager.empty.pushBack(block)
	}
	return
}

func (manager *Manager) BlockSize() int {
	return manager.blockSize
}

func (manager *Manager) CacheSize() int {
	return manager.cacheSize
}

// NrBlocks returns the number of blocks on the current device.
func (manager *Manager) NrBlocks() uint64 {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return manager.nrBlocks
}

// ReadLock returns block where with a shared lock, reading it from the
// device when it is not cached. Many readers may hold the same block.
func (manager *Manager) ReadLock(ctx context.Context, where BlockID, v Validator) (*Block, error) {
	return manager.readLock(ctx, where, v, true)
}

// TryReadLock is ReadLock that fails with ErrWouldBlock instead of waiting.
func (manager *Manager) TryReadLock(where BlockID, v Validator) (*Block, error) {
	return manager.readLock(context.Background(), where, v, false)
}

// WriteLock returns block where with an exclusive lock.
func (manager *Manager) WriteLock(ctx context.Context, where BlockID, v Validator) (*Block, error) {
	return manager.writeLock(ctx, where, v, true, false)
}

// TryWriteLock is WriteLock that fails with ErrWouldBlock instead of waiting.
func (manager *Manager) TryWriteLock(where BlockID, v Validator) (*Block, error) {
	return manager.writeLock(context.Background(), where, v, false, false)
}

// WriteLockZero write-locks block where without reading it; the buffer
// is zero filled.
func (manager *Manager) WriteLockZero(ctx context.Context, where BlockID, v Validator) (*Block, error) {
	return manager.writeLock(ctx, where, v, true, true)
}

func (manager *Manager) readLock(ctx context.Context, where BlockID, v Validator, canBlock bool) (block *Block, err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if err = manager.checkRange(where); err != nil {
		return
	}

	for {
		if block, err = manager.lookup(ctx, where, v, canBlock, true); err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		ready := func() bool { return block.stale(where) || block.readLockable() }
		if !ready() && !canBlock {
			return nil, pdata.ErrWouldBlock
		}
		if err = manager.wait(ctx, ready); err != nil {
			return nil, err
		}
		if !block.stale(where) {
			break
		}
	}

	if err = manager.validate(block, v); err != nil {
		return nil, err
	}
	switch block.state {
	case StateClean:
		manager.transition(block, StateReadLocked)
	case StateDirty:
		manager.transition(block, StateReadLockedDirty)
	}
	block.readLockCount++
	return
}

func (manager *Manager) writeLock(ctx context.Context, where BlockID, v Validator, canBlock, zero bool) (block *Block, err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if err = manager.checkRange(where); err != nil {
		return
	}

	for {
		if block, err = manager.lookup(ctx, where, v, canBlock, !zero); err != nil {
			return nil, err
		}
		if block == nil {
			continue
		}
		ready := func() bool { return block.stale(where) || block.unlocked() }
		if !ready() {
			if !canBlock {
				return nil, pdata.ErrWouldBlock
			}
			block.writeLockPending++
			err = manager.wait(ctx, ready)
			block.writeLockPending--
			manager.cond.Broadcast()
			if err != nil {
				return nil, err
			}
		}
		if !block.stale(where) {
			break
		}
	}

	if zero {
		clear(block.data)
		block.validator = v
	} else if err = manager.validate(block, v); err != nil {
		return nil, err
	}
	manager.transition(block, StateWriteLocked)
	return
}

// lookup finds the cached block for where, loading it on a miss. A nil
// block with a nil error means the caller must retry.
func (manager *Manager) lookup(ctx context.Context, where BlockID, v Validator, canBlock, needRead bool) (*Block, error) {
	if block := manager.hash[where]; block != nil {
		if block.state == StateError {
			manager.discard(block)
			return nil, nil
		}
		return block, nil
	}
	if !canBlock {
		return nil, pdata.ErrWouldBlock
	}
	return manager.recycle(ctx, where, needRead, v)
}

func (manager *Manager) validate(block *Block, v Validator) error {
	if block.validator != nil {
		if v == block.validator {
			return nil
		}
		manager.logger.Error("validator mismatch",
			zap.Uint64("block", block.where),
			zap.String("has", block.validator.Name()),
			zap.String("want", validatorName(v)),
		)
		return errors.Wrapf(pdata.ErrValidatorMismatch, "block %d: has %s, want %s",
			block.where, block.validator.Name(), validatorName(v))
	}
	if v == nil {
		return nil
	}
	if err := v.Check(block.where, block.data); err != nil {
		manager.logger.Error("block check failed",
			zap.Uint64("block", block.where),
			zap.String("validator", v.Name()),
			zap.Error(err),
		)
		return errors.Wrapf(err, "block %d: %s check", block.where, v.Name())
	}
	block.validator = v
	return nil
}

func validatorName(v Validator) string {
	if v == nil {
		return "none"
	}
	return v.Name()
}

// Unlock releases a lock taken by one of the lock calls. A released write
// lock always leaves the block dirty.
func (manager *Manager) Unlock(block *Block) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	manager.unlock(block)
}

func (manager *Manager) unlock(block *Block) {
	switch block.state {
	case StateWriteLocked:
		manager.transition(block, StateDirty)
	case StateReadLocked, StateReadLockedDirty:
		block.readLockCount--
		if block.readLockCount > 0 {
			return
		}
		if block.state == StateReadLocked {
			manager.transition(block, StateClean)
		} else {
			manager.transition(block, StateDirty)
		}
	default:
		panic(errors.AssertionFailedf("block(%d): unlock in state %s", block.where, block.state))
	}
}

func (manager *Manager) checkRange(where BlockID) error {
	if manager.closed {
		return pdata.ErrClosed
	}
	if where >= manager.nrBlocks {
		return errors.Wrapf(pdata.ErrOutOfRange, "block %d of %d", where, manager.nrBlocks)
	}
	return nil
}

// Rebind swaps the backing device once no I/O is in flight. The cache
// contents are kept.
func (manager *Manager) Rebind(ctx context.Context, device Device) error {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return pdata.ErrClosed
	}
	if err := manager.wait(ctx, func() bool { return manager.reading == 0 && manager.writing == 0 }); err != nil {
		return err
	}
	nrBlocks := uint64(device.Size()) / uint64(manager.blockSize)
	if nrBlocks < manager.nrBlocks {
		return errors.Wrapf(pdata.ErrDeviceTooSmall, "%d blocks, need %d", nrBlocks, manager.nrBlocks)
	}
	manager.device = device
	manager.nrBlocks = nrBlocks
	return nil
}

// Close flushes dirty blocks and rejects further requests.
func (manager *Manager) Close(ctx context.Context) (err error) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if manager.closed {
		return pdata.ErrClosed
	}
	err = manager.flush(ctx)
	manager.waitIO(func() bool { return manager.reading == 0 && manager.writing == 0 })
	manager.closed = true
	manager.cond.Broadcast()
	return
}

// State reports the state of the cached block for where.
func (manager *Manager) State(where BlockID) (state State, cached bool) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	block := manager.hash[where]
	if block == nil {
		return StateEmpty, false
	}
	return block.state, true
}

type Stats struct {
	CacheSize  int
	Available  int
	Reading    int
	Writing    int
	Empty      int
	Clean      int
	Dirty      int
	Error      int
	Locked     int
	LostWrites int
}

func (manager *Manager) Stats() (stats Stats) {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	stats = Stats{
		CacheSize:  manager.cacheSize,
		Available:  manager.available,
		Reading:    manager.reading,
		Writing:    manager.writing,
		Empty:      manager.empty.len,
		Clean:      manager.clean.len,
		Dirty:      manager.dirty.len,
		Error:      manager.failed.len,
		LostWrites: manager.lostWrites,
	}
	stats.Locked = stats.CacheSize - stats.Empty - stats.Clean - stats.Dirty - stats.Error - stats.Reading - stats.Writing
	return
}

// Verify checks that every block's state agrees with its list membership,
// its hash entry and the pool counters.
func (manager *Manager) Verify() error {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	var count [len(stateNames)]int
	for i := range manager.blocks {
		block := &manager.blocks[i]
		count[block.state]++

		var want *list
		switch block.state {
		case StateEmpty:
			want = &manager.empty
		case StateClean:
			want = &manager.clean
		case StateDirty:
			want = &manager.dirty
		case StateError:
			want = &manager.failed
		}
		if block.list != want {
			return errors.AssertionFailedf("block(%d): %s on wrong list", block.where, block.state)
		}

		hashed := manager.hash[block.where] == block
		if hashed == (block.state == StateEmpty) {
			return errors.AssertionFailedf("block(%d): %s hashed=%t", block.where, block.state, hashed)
		}

		locked := block.state == StateReadLocked || block.state == StateReadLockedDirty
		if locked != (block.readLockCount > 0) {
			return errors.AssertionFailedf("block(%d): %s with %d readers", block.where, block.state, block.readLockCount)
		}
	}

	switch {
	case count[StateEmpty] != manager.empty.len,
		count[StateClean] != manager.clean.len,
		count[StateDirty] != manager.dirty.len,
		count[StateError] != manager.failed.len:
		return errors.AssertionFailedf("list lengths disagree with states")
	case count[StateReading] != manager.reading:
		return errors.AssertionFailedf("reading %d, counted %d", manager.reading, count[StateReading])
	case count[StateWriting] != manager.writing:
		return errors.AssertionFailedf("writing %d, counted %d", manager.writing, count[StateWriting])
	case count[StateEmpty]+count[StateClean] != manager.available:
		return errors.AssertionFailedf("available %d, counted %d", manager.available, count[StateEmpty]+count[StateClean])
	case len(manager.hash) != len(manager.blocks)-count[StateEmpty]:
		return errors.AssertionFailedf("hash holds %d blocks", len(manager.hash))
	}
	return nil
}
