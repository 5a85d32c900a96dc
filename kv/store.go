// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package kv is a persistent store of fixed-size values addressed by one
// uint64 key per level, kept in a copy-on-write B-tree on a block device.
//
// Readers see the last committed tree and run concurrently with a single
// writer. Every Update either commits as a whole or leaves the store as it
// was.
package kv

import (
	"bytes"
	"context"
	"io"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/btree"
	"github.com/dacapoday/pdata/internal/atom"
	"github.com/dacapoday/pdata/spacemap"
	"github.com/dacapoday/pdata/txn"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type BlockID = pdata.BlockID

const (
	DefaultLevels    = 1
	DefaultValueSize = 8

	// MinCacheSize covers the blocks a single tree operation may hold
	// locked at once.
	MinCacheSize = 16
)

type Config struct {
	BlockSize int `mapstructure:"block_size"`
	CacheSize int `mapstructure:"cache_size"`

	// Levels, ValueSize and MaxEntries shape a new store; Open takes
	// them from the superblock.
	Levels     int `mapstructure:"levels"`
	ValueSize  int `mapstructure:"value_size"`
	MaxEntries int `mapstructure:"max_entries"`

	Logger *zap.Logger `mapstructure:"-"`
}

func (cfg Config) withDefaults() Config {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = block.DefaultBlockSize
	}
	if cfg.CacheSize == 0 {
		cfg.CacheSize = block.DefaultCacheSize
	}
	if cfg.Levels == 0 {
		cfg.Levels = DefaultLevels
	}
	if cfg.ValueSize == 0 {
		cfg.ValueSize = DefaultValueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// state is what readers see: the committed root.
type state struct {
	root  BlockID
	txnID uint64
}

type Store struct {
	device pdata.Device
	bm     *block.Manager
	tm     *txn.Manager
	info   *btree.Info
	logger *zap.Logger

	// sb is the last committed superblock, owned by the writer.
	sb  superblock
	ref atom.Ref[state]
}

func newStore(device pdata.Device, cfg Config) (store *Store, err error) {
	if cfg.CacheSize < MinCacheSize {
		err = errors.Wrapf(pdata.ErrInvalidCacheSize, "cache size %d, need at least %d", cfg.CacheSize, MinCacheSize)
		return
	}
	bm, err := block.NewManager(device, block.Options{
		BlockSize: cfg.BlockSize,
		CacheSize: cfg.CacheSize,
		Logger:    cfg.Logger,
	})
	if err != nil {
		return
	}
	if bm.NrBlocks() < 2 {
		err = errors.Wrapf(pdata.ErrDeviceTooSmall, "%d blocks", bm.NrBlocks())
		return
	}
	store = &Store{
		device: device,
		bm:     bm,
		logger: cfg.Logger,
	}
	return
}

func (store *Store) setup(sm *spacemap.SpaceMap, levels, valueSize, maxEntries int) error {
	store.tm = txn.New(store.bm, sm, store.logger)
	store.info = &btree.Info{
		TM:     store.tm,
		Levels: levels,
		ValueType: btree.ValueType{
			Size:  valueSize,
			Equal: bytes.Equal,
		},
		MaxEntries: maxEntries,
	}
	return store.info.Validate()
}

// Format initializes device with an empty store.
func Format(ctx context.Context, device pdata.Device, cfg Config) (store *Store, err error) {
	cfg = cfg.withDefaults()
	if store, err = newStore(device, cfg); err != nil {
		return
	}

	sm := spacemap.New(store.bm.NrBlocks())
	if err = sm.Inc(superblockLocation); err != nil {
		return nil, err
	}
	if err = store.setup(sm, cfg.Levels, cfg.ValueSize, cfg.MaxEntries); err != nil {
		return nil, err
	}

	root, err := store.info.Empty(ctx)
	if err != nil {
		return nil, err
	}
	store.sb = superblock{
		UUID:       uuid.New(),
		BlockSize:  store.bm.BlockSize(),
		Levels:     cfg.Levels,
		ValueSize:  cfg.ValueSize,
		MaxEntries: cfg.MaxEntries,
		Root:       root,
		NrBlocks:   store.bm.NrBlocks(),
	}
	blk, err := store.bm.WriteLockZero(ctx, superblockLocation, superValidator)
	if err != nil {
		return nil, err
	}
	store.sb.encode(blk.Data())
	if err = store.tm.Commit(ctx, blk); err != nil {
		return nil, err
	}

	store.ref.Load(state{root: root})
	store.logger.Info("formatted",
		zap.Stringer("uuid", store.sb.UUID),
		zap.Uint64("blocks", store.sb.NrBlocks),
		zap.Int("levels", cfg.Levels),
		zap.Int("value_size", cfg.ValueSize))
	return
}

// Open loads the store on device and rebuilds its space map from the
// committed tree.
func Open(ctx context.Context, device pdata.Device, cfg Config) (store *Store, err error) {
	cfg = cfg.withDefaults()
	if store, err = newStore(device, cfg); err != nil {
		return
	}

	blk, err := store.bm.ReadLock(ctx, superblockLocation, superValidator)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "read superblock"), pdata.ErrBadSuperblock)
	}
	sb, err := decodeSuperblock(blk.Data())
	store.bm.Unlock(blk)
	if err != nil {
		return nil, err
	}
	switch {
	case sb.BlockSize != store.bm.BlockSize():
		return nil, errors.Wrapf(pdata.ErrBadSuperblock, "block size %d, opened with %d", sb.BlockSize, store.bm.BlockSize())
	case sb.NrBlocks > store.bm.NrBlocks():
		return nil, errors.Wrapf(pdata.ErrDeviceTooSmall, "%d blocks, superblock has %d", store.bm.NrBlocks(), sb.NrBlocks)
	}
	store.sb = sb

	sm := spacemap.New(store.bm.NrBlocks())
	if err = sm.Inc(superblockLocation); err != nil {
		return nil, err
	}
	if err = store.setup(sm, sb.Levels, sb.ValueSize, sb.MaxEntries); err != nil {
		return nil, errors.Mark(err, pdata.ErrBadSuperblock)
	}
	if err = store.info.Visit(ctx, sb.Root, sm.Inc); err != nil {
		return nil, errors.Wrap(err, "rebuild space map")
	}
	sm.Commit()

	store.ref.Load(state{root: sb.Root, txnID: sb.TxnID})
	store.logger.Info("opened",
		zap.Stringer("uuid", sb.UUID),
		zap.Uint64("txn", sb.TxnID),
		zap.Uint64("allocated", sm.NrAllocated()))
	return
}

func (store *Store) UUID() uuid.UUID {
	return store.sb.UUID
}

func (store *Store) Levels() int {
	return store.info.Levels
}

func (store *Store) ValueSize() int {
	return store.info.ValueType.Size
}

// Get returns the committed value under keys.
func (store *Store) Get(ctx context.Context, keys ...uint64) (value []byte, err error) {
	err = store.ref.View(func(s state) (err error) {
		value, err = store.info.Lookup(ctx, s.root, keys)
		return
	})
	return
}

// Walk calls fn for every committed value in key order.
func (store *Store) Walk(ctx context.Context, fn func(keys []uint64, value []byte) error) error {
	return store.ref.View(func(s state) error {
		return store.info.Walk(ctx, s.root, fn)
	})
}

// Update runs fn in a write transaction. The changes are committed when
// fn returns nil and discarded otherwise.
func (store *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return store.ref.Swap(func(s state) (state, error) {
		tx := &Tx{store: store, root: s.root}
		err := fn(tx)
		if err == nil {
			err = tx.err
		}
		if err != nil {
			store.abort(err)
			return s, err
		}
		if !tx.dirty {
			return s, nil
		}

		next := state{root: tx.root, txnID: s.txnID + 1}
		if err = store.commit(ctx, next); err != nil {
			store.abort(err)
			return s, err
		}
		return next, nil
	})
}

// Set stores value under keys in a transaction of its own.
func (store *Store) Set(ctx context.Context, keys []uint64, value []byte) error {
	return store.Update(ctx, func(tx *Tx) error {
		return tx.Set(ctx, keys, value)
	})
}

// Delete removes the value under keys in a transaction of its own.
func (store *Store) Delete(ctx context.Context, keys ...uint64) error {
	return store.Update(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, keys...)
	})
}

// commit writes the superblock for next after every block of the
// transaction.
func (store *Store) commit(ctx context.Context, next state) error {
	blk, err := store.bm.WriteLock(ctx, superblockLocation, superValidator)
	if err != nil {
		return err
	}
	prev := slices.Clone(blk.Data())

	sb := store.sb
	sb.TxnID, sb.Root, sb.NrBlocks = next.txnID, next.root, store.bm.NrBlocks()
	sb.encode(blk.Data())

	if err = store.tm.Commit(ctx, blk); err != nil {
		// The superblock is still locked when the data blocks failed:
		// put the old contents back.
		if st, _ := store.bm.State(superblockLocation); st == block.StateWriteLocked {
			copy(blk.Data(), prev)
			store.bm.Unlock(blk)
		}
		return err
	}
	store.sb = sb
	return nil
}

func (store *Store) abort(cause error) {
	store.tm.Abort()
	if errors.Is(cause, pdata.ErrNotFound) {
		return
	}
	store.logger.Warn("transaction aborted", zap.Error(cause))
}

// Check verifies the committed tree and that the space map holds exactly
// the references the tree makes.
func (store *Store) Check(ctx context.Context) (stats btree.Stats, err error) {
	err = store.ref.Swap(func(s state) (state, error) {
		var err error
		if stats, err = store.info.Check(ctx, s.root); err != nil {
			return s, err
		}
		return s, store.checkSpaceMap(ctx, s.root)
	})
	if err != nil {
		store.logger.Error("check failed", zap.Error(err))
	}
	return
}

func (store *Store) checkSpaceMap(ctx context.Context, root BlockID) error {
	refs := map[BlockID]uint32{superblockLocation: 1}
	err := store.info.Visit(ctx, root, func(b BlockID) error {
		refs[b]++
		return nil
	})
	if err != nil {
		return err
	}

	sm := store.tm.SpaceMap()
	for b, want := range refs {
		count, err := sm.Count(b)
		if err != nil {
			return err
		}
		if count != want {
			return errors.Newf("space map: block %d has count %d, %d references", b, count, want)
		}
	}
	if allocated := sm.NrAllocated(); allocated != uint64(len(refs)) {
		return errors.Newf("space map: %d blocks allocated, %d referenced", allocated, len(refs))
	}
	return nil
}

// Rebind moves the store to device, which holds the same data and may
// be larger. The extra blocks become free.
func (store *Store) Rebind(ctx context.Context, device pdata.Device) error {
	return store.ref.Swap(func(s state) (state, error) {
		old := store.bm.NrBlocks()
		if err := store.bm.Rebind(ctx, device); err != nil {
			return s, err
		}
		store.tm.SpaceMap().Extend(store.bm.NrBlocks() - old)
		store.device = device
		store.logger.Info("rebound", zap.Uint64("blocks", store.bm.NrBlocks()))
		return s, nil
	})
}

type Stats struct {
	UUID      uuid.UUID
	TxnID     uint64
	Root      BlockID
	NrBlocks  uint64
	Allocated uint64
	Cache     block.Stats
}

func (store *Store) Stats() (stats Stats, err error) {
	err = store.ref.View(func(s state) error {
		sm := store.tm.SpaceMap()
		stats = Stats{
			UUID:      store.sb.UUID,
			TxnID:     s.txnID,
			Root:      s.root,
			NrBlocks:  sm.NrBlocks(),
			Allocated: sm.NrAllocated(),
			Cache:     store.bm.Stats(),
		}
		return nil
	})
	return
}

// Close flushes the cache and closes the device when it is an io.Closer.
func (store *Store) Close(ctx context.Context) error {
	return store.ref.Close(func(state) error {
		err := store.bm.Close(ctx)
		if closer, ok := store.device.(io.Closer); ok {
			err = errors.CombineErrors(err, closer.Close())
		}
		return err
	})
}
