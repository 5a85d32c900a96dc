// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// Lookup returns a copy of the value stored under keys.
func (info *Info) Lookup(ctx context.Context, root BlockID, keys []uint64) (value []byte, err error) {
	if err = info.checkKeys(keys); err != nil {
		return
	}
	for level, key := range keys {
		var n node
		if n, err = info.find(ctx, root, key); err != nil {
			return
		}
		i, ierr := leafIndex(&n, key)
		if ierr != nil {
			err = ierr
			return
		}
		if level == len(keys)-1 {
			value = slices.Clone(n.value(i))
			return
		}
		root = n.child(i)
	}
	return
}

// find returns the leaf of the tree at root that key belongs to. Nodes
// are locked one at a time: blocks reachable from root are never
// modified in place.
func (info *Info) find(ctx context.Context, root BlockID, key uint64) (n node, err error) {
	for {
		if n, err = info.read(ctx, root); err != nil {
			return
		}
		if n.isLeaf() {
			return
		}
		i := n.lowerBound(key)
		if i < 0 {
			err = errors.Wrapf(pdata.ErrNotFound, "btree: key %d", key)
			return
		}
		root = n.child(i)
	}
}

// Walk calls fn for every value in key order, with the keys of every
// level. keys is reused between calls.
func (info *Info) Walk(ctx context.Context, root BlockID, fn func(keys []uint64, value []byte) error) error {
	keys := make([]uint64, info.Levels)
	return info.walk(ctx, root, 0, keys, fn)
}

func (info *Info) walk(ctx context.Context, b BlockID, level int, keys []uint64, fn func([]uint64, []byte) error) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(err, pdata.ErrInterrupted)
	}
	n, err := info.read(ctx, b)
	if err != nil {
		return err
	}
	for i := range n.nr() {
		switch {
		case !n.isLeaf():
			err = info.walk(ctx, n.child(i), level, keys, fn)
		case level < info.Levels-1:
			keys[level] = n.keys[i]
			err = info.walk(ctx, n.child(i), level+1, keys, fn)
		default:
			keys[level] = n.keys[i]
			err = fn(keys, n.value(i))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Visit calls fn once for every reference to a node of the tree at root,
// including nested trees. Nodes shared by several parents are reported
// once per parent but descended into only once, so the calls count the
// references held on every block.
func (info *Info) Visit(ctx context.Context, root BlockID, fn func(b BlockID) error) error {
	seen := make(map[BlockID]struct{})
	return info.visit(ctx, root, 0, seen, fn)
}

func (info *Info) visit(ctx context.Context, b BlockID, level int, seen map[BlockID]struct{}, fn func(BlockID) error) error {
	if err := fn(b); err != nil {
		return err
	}
	if _, ok := seen[b]; ok {
		return nil
	}
	seen[b] = struct{}{}

	n, err := info.read(ctx, b)
	if err != nil {
		return err
	}
	if n.isLeaf() && level == info.Levels-1 {
		return nil
	}
	next := level
	if n.isLeaf() {
		next++
	}
	for i := range n.nr() {
		if err = info.visit(ctx, n.child(i), next, seen, fn); err != nil {
			return err
		}
	}
	return nil
}

// Del drops a reference to the tree at root. Nodes no longer referenced
// are freed together with what they point to.
func (info *Info) Del(ctx context.Context, root BlockID) error {
	return info.del(ctx, root, 0)
}

func (info *Info) del(ctx context.Context, b BlockID, level int) error {
	count, err := info.TM.RefCount(b)
	if err != nil {
		return err
	}
	if count > 1 {
		return info.TM.Dec(b)
	}

	n, err := info.read(ctx, b)
	if err != nil {
		return err
	}
	if err = info.TM.Dec(b); err != nil {
		return err
	}

	switch {
	case !n.isLeaf():
		for i := range n.nr() {
			if err = info.del(ctx, n.child(i), level); err != nil {
				return err
			}
		}
	case level < info.Levels-1:
		for i := range n.nr() {
			if err = info.del(ctx, n.child(i), level+1); err != nil {
				return err
			}
		}
	case info.ValueType.Dec != nil:
		for i := range n.nr() {
			if err = info.ValueType.Dec(n.value(i)); err != nil {
				return err
			}
		}
	}
	return nil
}
