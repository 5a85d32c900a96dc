// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package btree implements persistent, copy-on-write B-trees of uint64
// keys stored in blocks of a transaction manager.
//
// A tree may have several levels: every level but the last maps a key to
// the root of a nested tree, so a lookup takes one key per level. Trees
// are addressed by the block number of their root, and every mutation
// returns a new root. Until the transaction commits, the old root remains
// a valid, unmodified tree.
//
// Example usage:
//
//	info := &btree.Info{TM: tm, Levels: 1, ValueType: btree.ValueType{Size: 8}}
//	root, _ := info.Empty(ctx)
//	root, _, _ = info.Insert(ctx, root, []uint64{42}, value)
//	root, _ = info.Remove(ctx, root, []uint64{42})
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/txn"
)

type BlockID = pdata.BlockID

// ValueType describes the values stored in the leaves of the last level.
// Inc and Dec, when set, are called as values are shared and released;
// they let values reference other reference-counted structures.
type ValueType struct {
	Size  int
	Inc   func(value []byte) error
	Dec   func(value []byte) error
	Equal func(a, b []byte) bool
}

type Info struct {
	TM        *txn.Manager
	Levels    int
	ValueType ValueType

	// MaxEntries caps the number of entries of every node. Zero means as
	// many as fit in a block.
	MaxEntries int
}

// Validate reports whether info describes a usable tree.
func (info *Info) Validate() error {
	switch {
	case info.TM == nil:
		return errors.New("btree: no transaction manager")
	case info.Levels < 1:
		return errors.Newf("btree: %d levels", info.Levels)
	case info.ValueType.Size < 1:
		return errors.Newf("btree: value size %d", info.ValueType.Size)
	case info.MaxEntries != 0 && info.MaxEntries < 3:
		return errors.Newf("btree: max entries %d below 3", info.MaxEntries)
	}
	for _, size := range []int{8, info.ValueType.Size} {
		if max := calcMaxEntries(size, info.TM.BlockSize()); max < 3 {
			return errors.Newf("btree: value size %d leaves room for %d entries", size, max)
		}
	}
	return nil
}

func (info *Info) checkKeys(keys []uint64) error {
	if len(keys) != info.Levels {
		return errors.Newf("btree: %d keys for %d levels", len(keys), info.Levels)
	}
	return nil
}

func calcMaxEntries(valueSize, blockSize int) int {
	total := (blockSize - nodeHeaderSize) / (8 + valueSize)
	return 3 * (total / 3)
}

func (info *Info) maxEntries(valueSize int) int {
	max := calcMaxEntries(valueSize, info.TM.BlockSize())
	if info.MaxEntries > 0 && info.MaxEntries < max {
		max = info.MaxEntries
	}
	return max
}

// valueSize is the size of the leaf values at level.
func (info *Info) valueSize(level int) int {
	if level < info.Levels-1 {
		return 8
	}
	return info.ValueType.Size
}

// levelType returns the value type of the leaves at level. The leaves of
// upper levels hold nested tree roots, shared through the transaction
// manager.
func (info *Info) levelType(level int) *ValueType {
	if level < info.Levels-1 {
		return &ValueType{
			Size:  8,
			Inc:   func(value []byte) error { return info.TM.Inc(le64(value)) },
			Dec:   func(value []byte) error { return info.TM.Dec(le64(value)) },
			Equal: bytes.Equal,
		}
	}
	return &info.ValueType
}

func le64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func le64Bytes(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(make([]byte, 0, 8), v)
}

// Le64Type is a value type for plain 64-bit values.
var Le64Type = ValueType{Size: 8, Equal: bytes.Equal}

// delThreshold is the occupancy at or below which a node is rebalanced
// before an entry is removed from it. It is also the minimum occupancy
// of every node except a level root.
func delThreshold(max int) int {
	return max / 3
}

func mergeThreshold(max int) int {
	return 2*(max/3) + 1
}
