// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import "github.com/cockroachdb/errors"

// transition moves block to state next, keeping list membership and the
// pool counters in step. The manager mutex must be held.
//
//	error, clean              -> empty
//	reading, writing, rlocked -> clean
//	empty                     -> reading
//	dirty                     -> writing
//	clean                     -> read_locked
//	dirty                     -> read_locked_dirty
//	dirty, clean              -> write_locked
//	write_locked, rl_dirty    -> dirty
//	writing, reading          -> error
func (manager *Manager) transition(block *Block, next State) {
	prev := block.state
	switch next {
	case StateEmpty:
		switch prev {
		case StateError:
			manager.failed.remove(block)
			manager.available++
		case StateClean:
			manager.clean.remove(block)
		default:
			illegal(block, next)
		}
		delete(manager.hash, block.where)
		manager.empty.pushBack(block)
		block.ioFlags = 0
		block.validator = nil
		block.err = nil

	case StateClean:
		switch prev {
		case StateReading:
			manager.reading--
		case StateWriting:
			manager.writing--
			block.ioFlags = 0
		case StateReadLocked:
		default:
			illegal(block, next)
		}
		manager.clean.pushBack(block)
		manager.available++

	case StateReading:
		if prev != StateEmpty {
			illegal(block, next)
		}
		manager.empty.remove(block)
		manager.hash[block.where] = block
		manager.available--
		manager.reading++

	case StateWriting:
		if prev != StateDirty {
			illegal(block, next)
		}
		manager.dirty.remove(block)
		manager.writing++

	case StateReadLocked:
		if prev != StateClean {
			illegal(block, next)
		}
		manager.clean.remove(block)
		manager.available--

	case StateReadLockedDirty:
		if prev != StateDirty {
			illegal(block, next)
		}
		manager.dirty.remove(block)

	case StateWriteLocked:
		switch prev {
		case StateDirty:
			manager.dirty.remove(block)
		case StateClean:
			manager.clean.remove(block)
			manager.available--
		default:
			illegal(block, next)
		}

	case StateDirty:
		if prev != StateWriteLocked && prev != StateReadLockedDirty {
			illegal(block, next)
		}
		manager.dirty.pushBack(block)

	case StateError:
		switch prev {
		case StateReading:
			manager.reading--
		case StateWriting:
			manager.writing--
		default:
			illegal(block, next)
		}
		manager.failed.pushBack(block)

	default:
		illegal(block, next)
	}

	block.state = next
	manager.cond.Broadcast()
}

func illegal(block *Block, next State) {
	panic(errors.AssertionFailedf("block(%d): illegal transition %s -> %s", block.where, block.state, next))
}
