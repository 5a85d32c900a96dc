// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// Remove deletes the value under keys and returns the new root.
//
// Nodes on the way down are rebalanced so that none drops below the
// minimum occupancy. A missing key fails with ErrNotFound; on any error
// the tree at root is left intact and the new root must be discarded.
func (info *Info) Remove(ctx context.Context, root BlockID, keys []uint64) (newRoot BlockID, err error) {
	if err = info.checkKeys(keys); err != nil {
		return
	}

	s := &spine{info: info}
	defer s.exit()

	last := info.Levels - 1
	index := 0
	for level := 0; level <= last; level++ {
		vt := info.levelType(level)
		if index, err = s.removeRaw(ctx, vt, root, keys[level], index); err != nil {
			return
		}
		n := s.current()
		if level != last {
			root = n.child(index)
			continue
		}
		if vt.Dec != nil {
			if err = vt.Dec(n.value(index)); err != nil {
				return
			}
		}
		n.deleteAt(index)
	}
	newRoot = s.root
	return
}

// removeRaw descends one level from root towards key, rebalancing each
// child before entering it, and returns the index of key in the leaf.
func (s *spine) removeRaw(ctx context.Context, vt *ValueType, root BlockID, key uint64, index int) (int, error) {
	top := true
	for {
		if err := s.step(ctx, root, vt); err != nil {
			return 0, err
		}
		if parent := s.parent(); parent != nil {
			parent.setChild(index, s.current().where())
		}

		n := s.current()
		if top {
			if err := s.info.collapse(ctx, n, vt); err != nil {
				return 0, err
			}
			top = false
		}
		if n.isLeaf() {
			return leafIndex(&n.node, key)
		}

		if err := s.rebalanceChildren(ctx, vt, key); err != nil {
			return 0, err
		}
		index = n.lowerBound(key)
		root = n.child(index)
	}
}

func leafIndex(n *node, key uint64) (int, error) {
	i := n.lowerBound(key)
	if i < 0 || n.keys[i] != key {
		return 0, errors.Wrapf(pdata.ErrNotFound, "btree: key %d", key)
	}
	return i, nil
}

// collapse pulls the contents of the only child of a level root into the
// root, repeatedly, so the level root has at least two children or is a
// leaf.
func (info *Info) collapse(ctx context.Context, root *locked, vt *ValueType) error {
	for !root.isLeaf() && root.nr() == 1 {
		b := root.child(0)
		child, err := info.read(ctx, b)
		if err != nil {
			return err
		}
		count, err := info.TM.RefCount(b)
		if err != nil {
			return err
		}
		root.node = child
		if count > 1 {
			if err = info.incChildren(&root.node, vt); err != nil {
				return err
			}
		}
		if err = info.TM.Dec(b); err != nil {
			return err
		}
	}
	return nil
}

// rebalanceChildren makes sure the child of the current node that key
// belongs to holds more than delThreshold entries, merging it with or
// borrowing from its siblings.
func (s *spine) rebalanceChildren(ctx context.Context, vt *ValueType, key uint64) error {
	n := s.current()
	i := n.lowerBound(key)
	if i < 0 {
		return errors.Wrapf(pdata.ErrNotFound, "btree: key %d", key)
	}

	child, err := s.info.read(ctx, n.child(i))
	if err != nil {
		return err
	}
	if child.nr() > delThreshold(child.max) || n.nr() < 2 {
		return nil
	}

	switch {
	case i == 0:
		return s.rebalance2(ctx, vt, i)
	case i == n.nr()-1:
		return s.rebalance2(ctx, vt, i-1)
	default:
		return s.rebalance3(ctx, vt, i-1)
	}
}

// sibling is a write-locked child of the current node and its index there.
type sibling struct {
	*locked
	index int
}

func (s *spine) initChild(ctx context.Context, vt *ValueType, index int) (*sibling, error) {
	parent := s.current()
	n, err := s.info.shadow(ctx, parent.child(index), vt)
	if err != nil {
		return nil, err
	}
	parent.setChild(index, n.where())
	return &sibling{locked: n, index: index}, nil
}

func (s *spine) rebalance2(ctx context.Context, vt *ValueType, leftIndex int) error {
	left, err := s.initChild(ctx, vt, leftIndex)
	if err != nil {
		return err
	}
	defer s.info.release(left.locked)
	right, err := s.initChild(ctx, vt, leftIndex+1)
	if err != nil {
		return err
	}
	defer s.info.release(right.locked)
	return s.info.rebalance2(&s.current().node, left, right)
}

func (s *spine) rebalance3(ctx context.Context, vt *ValueType, leftIndex int) error {
	left, err := s.initChild(ctx, vt, leftIndex)
	if err != nil {
		return err
	}
	defer s.info.release(left.locked)
	center, err := s.initChild(ctx, vt, leftIndex+1)
	if err != nil {
		return err
	}
	defer s.info.release(center.locked)
	right, err := s.initChild(ctx, vt, leftIndex+2)
	if err != nil {
		return err
	}
	defer s.info.release(right.locked)
	return s.info.rebalance3(&s.current().node, left, center, right)
}

// rebalance2 merges right into left when they fit in one node, and
// otherwise splits their entries evenly.
func (info *Info) rebalance2(parent *node, l, r *sibling) error {
	left, right := &l.node, &r.node
	if left.max != right.max {
		return errors.Wrapf(pdata.ErrBadNode, "btree: siblings with %d and %d max entries", left.max, right.max)
	}
	nrLeft, nrRight := left.nr(), right.nr()

	if nrLeft+nrRight <= mergeThreshold(left.max) {
		shift(left, right, -nrRight)
		parent.deleteAt(r.index)
		return info.TM.Dec(r.where())
	}

	target := (nrLeft + nrRight) / 2
	shift(left, right, nrLeft-target)
	parent.keys[r.index] = right.keys[0]
	return nil
}

// rebalance3 either drains center into its siblings or spreads the
// entries of all three evenly.
func (info *Info) rebalance3(parent *node, l, c, r *sibling) error {
	left, center, right := &l.node, &c.node, &r.node
	if left.max != center.max || center.max != right.max {
		return errors.Wrapf(pdata.ErrBadNode, "btree: siblings with %d, %d and %d max entries", left.max, center.max, right.max)
	}

	total := left.nr() + center.nr() + right.nr()
	if total/2 < mergeThreshold(center.max) {
		return info.deleteCenter(parent, l, c, r)
	}
	redistribute3(parent, l, c, r)
	return nil
}

// deleteCenter moves as much of center as fits into left and the rest
// into right, drops center and rebalances the remaining pair.
func (info *Info) deleteCenter(parent *node, l, c, r *sibling) error {
	left, center, right := &l.node, &c.node, &r.node
	nrCenter := center.nr()

	moved := min(left.max-left.nr(), nrCenter)
	shift(left, center, -moved)
	if moved != nrCenter {
		shift(center, right, nrCenter-moved)
	}
	parent.keys[r.index] = right.keys[0]

	parent.deleteAt(c.index)
	r.index--
	if err := info.TM.Dec(c.where()); err != nil {
		return err
	}
	return info.rebalance2(parent, l, r)
}

// redistribute3 spreads the entries of the three siblings evenly. Left
// takes one extra entry and center the rest of any remainder.
func redistribute3(parent *node, l, c, r *sibling) {
	left, center, right := &l.node, &c.node, &r.node
	nrLeft, nrCenter, nrRight := left.nr(), center.nr(), right.nr()
	total := nrLeft + nrCenter + nrRight
	targetRight := total / 3
	targetLeft := targetRight
	if total%3 != 0 {
		targetLeft++
	}
	if targetRight == nrCenter {
		panic(errors.AssertionFailedf("btree: redistribute3 target %d equals center entries", targetRight))
	}

	if nrLeft < nrRight {
		s := nrLeft - targetLeft
		if s < 0 && nrCenter < -s {
			// not enough in center to fill left
			shift(left, center, -nrCenter)
			s += nrCenter
			shift(left, right, s)
			nrRight += s
		} else {
			shift(left, center, s)
		}
		shift(center, right, targetRight-nrRight)
	} else {
		s := targetRight - nrRight
		if s > 0 && nrCenter < s {
			// not enough in center to fill right
			shift(center, right, nrCenter)
			s -= nrCenter
			shift(left, right, s)
			nrLeft -= s
		} else {
			shift(center, right, s)
		}
		shift(left, center, nrLeft-targetLeft)
	}

	parent.keys[c.index] = center.keys[0]
	parent.keys[r.index] = right.keys[0]
}
