// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// Stats summarizes a tree verified by Check.
type Stats struct {
	Nodes   int // distinct node blocks
	Leaves  int // distinct leaf blocks, every level
	Entries int // values in the last level
	Depth   int // height of the top level tree
}

// Check verifies the structure of the tree at root: key order, key
// bounds, node geometry, uniform leaf depth and minimum occupancy of
// every node but the level roots.
func (info *Info) Check(ctx context.Context, root BlockID) (stats Stats, err error) {
	c := &checker{info: info, seen: make(map[BlockID]int)}
	stats.Depth, err = c.tree(ctx, root, 0)
	stats.Nodes = c.nodes
	stats.Leaves = c.leaves
	stats.Entries = c.entries
	return
}

type checker struct {
	info    *Info
	seen    map[BlockID]int // depth of checked subtrees
	nodes   int
	leaves  int
	entries int
}

func (c *checker) tree(ctx context.Context, root BlockID, level int) (int, error) {
	return c.node(ctx, root, level, true, 0, math.MaxUint64)
}

// node checks the subtree at b, whose keys must lie in [lo, hi], and
// returns its height.
func (c *checker) node(ctx context.Context, b BlockID, level int, top bool, lo, hi uint64) (height int, err error) {
	if err = ctx.Err(); err != nil {
		return 0, errors.Mark(err, pdata.ErrInterrupted)
	}
	n, err := c.info.read(ctx, b)
	if err != nil {
		return
	}
	if err = c.shape(b, &n, level, top, lo, hi); err != nil {
		return
	}

	if depth, ok := c.seen[b]; ok {
		return depth, nil
	}
	c.nodes++

	if n.isLeaf() {
		c.leaves++
		height = 1
		if level == c.info.Levels-1 {
			c.entries += n.nr()
		} else {
			for i := range n.nr() {
				if _, err = c.tree(ctx, n.child(i), level+1); err != nil {
					return
				}
			}
		}
		c.seen[b] = height
		return
	}

	for i := range n.nr() {
		upper := hi
		if i+1 < n.nr() {
			upper = n.keys[i+1] - 1
		}
		h, err := c.node(ctx, n.child(i), level, false, n.keys[i], upper)
		if err != nil {
			return 0, err
		}
		if i == 0 {
			height = h
		} else if h != height {
			return 0, errors.Wrapf(pdata.ErrBadNode, "btree node %d: children of height %d and %d", b, height, h)
		}
	}
	height++
	c.seen[b] = height
	return
}

func (c *checker) shape(b BlockID, n *node, level int, top bool, lo, hi uint64) error {
	want := 8
	if n.isLeaf() {
		want = c.info.valueSize(level)
	}
	switch {
	case n.valueSize != want:
		return errors.Wrapf(pdata.ErrBadNode, "btree node %d: value size %d, want %d", b, n.valueSize, want)
	case n.max != c.info.maxEntries(want):
		return errors.Wrapf(pdata.ErrBadNode, "btree node %d: max entries %d, want %d", b, n.max, c.info.maxEntries(want))
	case !top && n.nr() < delThreshold(n.max):
		return errors.Wrapf(pdata.ErrBadNode, "btree node %d: %d entries, below %d", b, n.nr(), delThreshold(n.max))
	case !top && n.nr() == 0:
		return errors.Wrapf(pdata.ErrBadNode, "btree node %d: empty", b)
	case top && !n.isLeaf() && n.nr() == 0:
		return errors.Wrapf(pdata.ErrBadNode, "btree node %d: empty internal root", b)
	}
	for i, key := range n.keys {
		if key < lo || key > hi {
			return errors.Wrapf(pdata.ErrBadNode, "btree node %d: key %d outside [%d, %d]", b, key, lo, hi)
		}
		if i > 0 && key <= n.keys[i-1] {
			return errors.Wrapf(pdata.ErrBadNode, "btree node %d: key %d after %d", b, key, n.keys[i-1])
		}
	}
	return nil
}
