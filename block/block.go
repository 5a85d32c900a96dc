// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package block implements a caching block manager on top of an
// asynchronous block device, together with the devices it runs on.
//
// Callers lease blocks from a Manager with read or write locks and must
// never keep a *Block after unlocking it.
package block

import (
	"fmt"
	"hash/crc32"

	"github.com/dacapoday/pdata"
)

type BlockID = pdata.BlockID
type Device = pdata.Device
type File = pdata.File
type Validator = pdata.Validator
type IOFlags = pdata.IOFlags

// State is the position of a cached block in its life cycle.
type State uint8

const (
	StateEmpty State = iota
	StateClean
	StateReading
	StateWriting
	StateReadLocked
	StateReadLockedDirty
	StateWriteLocked
	StateDirty
	StateError
)

var stateNames = [...]string{
	StateEmpty:           "empty",
	StateClean:           "clean",
	StateReading:         "reading",
	StateWriting:         "writing",
	StateReadLocked:      "read_locked",
	StateReadLockedDirty: "read_locked_dirty",
	StateWriteLocked:     "write_locked",
	StateDirty:           "dirty",
	StateError:           "error",
}

func (state State) String() string {
	if int(state) < len(stateNames) {
		return stateNames[state]
	}
	return fmt.Sprintf("state(%d)", uint8(state))
}

// Block is a cached buffer for one block of the device.
// All fields except data are guarded by the owning manager's mutex.
type Block struct {
	manager *Manager

	where     BlockID
	data      []byte
	state     State
	validator Validator

	readLockCount    int
	writeLockPending int
	ioFlags          IOFlags
	done             bool
	err              error

	list       *list
	prev, next *Block
}

// Where returns the block number.
func (block *Block) Where() BlockID {
	return block.where
}

// Data returns the buffer. It may only be accessed while the block is
// locked: read-only under a read lock, read-write under a write lock.
func (block *Block) Data() []byte {
	return block.data
}

func (block *Block) readLockable() bool {
	if block.writeLockPending > 0 {
		return false
	}
	switch block.state {
	case StateClean, StateDirty, StateReadLocked, StateReadLockedDirty:
		return true
	}
	return false
}

func (block *Block) unlocked() bool {
	return block.state == StateClean || block.state == StateDirty
}

// stale reports whether block no longer caches where, so a waiter must
// look it up again.
func (block *Block) stale(where BlockID) bool {
	return block.where != where || block.state == StateEmpty || block.state == StateError
}

var castagnoliCrcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the checksum used by the on-disk structures of this
// module: CRC32C without final inversion, xored with a per-structure salt.
func Checksum(data []byte, xor uint32) uint32 {
	return ^crc32.Checksum(data, castagnoliCrcTable) ^ xor
}
