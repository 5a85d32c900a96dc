// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Empty creates an empty tree and returns its root.
func (info *Info) Empty(ctx context.Context) (root BlockID, err error) {
	return info.empty(ctx, 0)
}

func (info *Info) empty(ctx context.Context, level int) (root BlockID, err error) {
	size := info.valueSize(level)
	n, err := info.newNode(ctx, leafNode, info.maxEntries(size), size)
	if err != nil {
		return
	}
	root = n.where()
	info.release(n)
	return
}

// Insert stores value under keys, one key per level, and returns the new
// root. inserted is false when an existing value was overwritten.
func (info *Info) Insert(ctx context.Context, root BlockID, keys []uint64, value []byte) (newRoot BlockID, inserted bool, err error) {
	if err = info.checkKeys(keys); err != nil {
		return
	}
	if len(value) != info.ValueType.Size {
		err = errors.Newf("btree: value of %d bytes, want %d", len(value), info.ValueType.Size)
		return
	}

	s := &spine{info: info}
	defer s.exit()

	last := info.Levels - 1
	index := 0
	for level := range last {
		if index, err = s.insertRaw(ctx, info.levelType(level), root, keys[level], index); err != nil {
			return
		}
		n := s.current()
		if index >= n.nr() || n.keys[index] != keys[level] {
			var subtree BlockID
			if subtree, err = info.empty(ctx, level+1); err != nil {
				return
			}
			n.insertAt(index, keys[level], le64Bytes(subtree))
		}
		root = n.child(index)
	}

	vt := &info.ValueType
	if index, err = s.insertRaw(ctx, vt, root, keys[last], index); err != nil {
		return
	}
	n := s.current()
	if index >= n.nr() || n.keys[index] != keys[last] {
		inserted = true
		n.insertAt(index, keys[last], value)
	} else {
		old := n.value(index)
		if vt.Dec != nil && (vt.Equal == nil || !vt.Equal(old, value)) {
			if err = vt.Dec(old); err != nil {
				return
			}
		}
		copy(old, value)
	}
	newRoot = s.root
	return
}

// insertRaw descends one level from root towards key, splitting every
// full node on the way, and returns the index in the leaf at which key is
// or belongs. index is the position of root in the parent on the spine.
func (s *spine) insertRaw(ctx context.Context, vt *ValueType, root BlockID, key uint64, index int) (int, error) {
	top := true
	for {
		if err := s.step(ctx, root, vt); err != nil {
			return 0, err
		}
		if parent := s.parent(); parent != nil {
			parent.setChild(index, s.current().where())
		}

		if n := s.current(); n.nr() == n.max {
			var err error
			if top {
				err = s.splitBeneath(ctx)
			} else {
				err = s.splitSibling(ctx, index, key)
			}
			if err != nil {
				return 0, err
			}
		}

		n := s.current()
		index = n.lowerBound(key)
		if n.isLeaf() {
			if index < 0 || n.keys[index] != key {
				index++
			}
			return index, nil
		}
		if index < 0 {
			n.keys[0] = key
			index = 0
		}
		root = n.child(index)
		top = false
	}
}

// splitSibling moves the upper half of the full current node into a new
// right sibling and keeps whichever half key belongs to on the spine.
func (s *spine) splitSibling(ctx context.Context, parentIndex int, key uint64) error {
	left := s.current()
	right, err := s.info.newNode(ctx, left.flags, left.max, left.valueSize)
	if err != nil {
		return err
	}
	shift(&left.node, &right.node, left.nr()-left.nr()/2)

	parent := s.parent()
	parent.setChild(parentIndex, left.where())
	parent.insertAt(parentIndex+1, right.keys[0], le64Bytes(right.where()))

	if key < right.keys[0] {
		s.info.release(right)
	} else {
		s.replace(right)
	}
	return nil
}

// splitBeneath moves the entries of the full level root into two new
// children, leaving the root an internal node pointing at them. The root
// keeps its block so the parent needs no patching.
func (s *spine) splitBeneath(ctx context.Context) error {
	root := s.current()
	left, err := s.info.newNode(ctx, root.flags, root.max, root.valueSize)
	if err != nil {
		return err
	}
	right, err := s.info.newNode(ctx, root.flags, root.max, root.valueSize)
	if err != nil {
		s.info.release(left)
		return err
	}

	nrLeft := root.nr() / 2
	vs := root.valueSize
	left.keys = append(left.keys, root.keys[:nrLeft]...)
	left.values = append(left.values, root.values[:nrLeft*vs]...)
	right.keys = append(right.keys, root.keys[nrLeft:]...)
	right.values = append(right.values, root.values[nrLeft*vs:]...)

	root.node = newNode(internalNode, s.info.maxEntries(8), 8)
	root.insertAt(0, left.keys[0], le64Bytes(left.where()))
	root.insertAt(1, right.keys[0], le64Bytes(right.where()))

	s.info.release(left)
	s.info.release(right)
	return nil
}
