// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package spacemap keeps reference counts for the blocks of a device.
//
// The map is transactional: Commit snapshots the counts and Rollback
// restores the last snapshot. A block is only handed out by NewBlock when
// it is free both now and at the last commit, so blocks released by the
// current transaction stay intact until it commits.
package spacemap

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

type BlockID = pdata.BlockID

// SpaceMap is an in-core reference count table.
// It is safe for concurrent use by multiple goroutines.
type SpaceMap struct {
	mu        sync.Mutex
	counts    []uint32
	committed []uint32
	allocated uint64
	hint      BlockID
}

// New returns a space map of nrBlocks free blocks.
func New(nrBlocks uint64) *SpaceMap {
	return &SpaceMap{
		counts:    make([]uint32, nrBlocks),
		committed: make([]uint32, nrBlocks),
	}
}

func (sm *SpaceMap) NrBlocks() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return uint64(len(sm.counts))
}

func (sm *SpaceMap) NrAllocated() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.allocated
}

func (sm *SpaceMap) NrFree() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return uint64(len(sm.counts)) - sm.allocated
}

func (sm *SpaceMap) check(b BlockID) error {
	if b >= uint64(len(sm.counts)) {
		return errors.Wrapf(pdata.ErrOutOfRange, "space map: block %d of %d", b, len(sm.counts))
	}
	return nil
}

func (sm *SpaceMap) Count(b BlockID) (count uint32, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err = sm.check(b); err != nil {
		return
	}
	count = sm.counts[b]
	return
}

func (sm *SpaceMap) CountIsMoreThanOne(b BlockID) (bool, error) {
	count, err := sm.Count(b)
	return count > 1, err
}

func (sm *SpaceMap) Inc(b BlockID) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.check(b); err != nil {
		return err
	}
	if sm.counts[b] == 0 {
		sm.allocated++
	}
	sm.counts[b]++
	return nil
}

// Dec drops a reference. Dropping the last reference frees the block.
func (sm *SpaceMap) Dec(b BlockID) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.check(b); err != nil {
		return err
	}
	switch sm.counts[b] {
	case 0:
		return errors.AssertionFailedf("space map: dec of free block %d", b)
	case 1:
		sm.allocated--
	}
	sm.counts[b]--
	return nil
}

// NewBlock allocates a block with a reference count of one.
func (sm *SpaceMap) NewBlock() (b BlockID, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	n := BlockID(len(sm.counts))
	for i := BlockID(0); i < n; i++ {
		b = (sm.hint + i) % n
		if sm.counts[b] == 0 && sm.committed[b] == 0 {
			sm.counts[b] = 1
			sm.allocated++
			sm.hint = b + 1
			return
		}
	}
	err = errors.Wrapf(pdata.ErrNoSpace, "space map: %d blocks", n)
	return
}

// Extend adds extra free blocks at the end.
func (sm *SpaceMap) Extend(extra uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.counts = append(sm.counts, make([]uint32, extra)...)
	sm.committed = append(sm.committed, make([]uint32, extra)...)
}

// Commit makes the current counts the rollback point.
func (sm *SpaceMap) Commit() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	copy(sm.committed, sm.counts)
}

// Rollback discards every change since the last commit.
func (sm *SpaceMap) Rollback() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	copy(sm.counts, sm.committed)
	sm.allocated = 0
	for _, count := range sm.counts {
		if count > 0 {
			sm.allocated++
		}
	}
}
