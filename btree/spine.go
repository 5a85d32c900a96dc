// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata/block"
)

// locked is a write-locked node block and its decoded contents. The
// contents are encoded back into the block when it is released.
type locked struct {
	blk *block.Block
	node
}

func (l *locked) where() BlockID {
	return l.blk.Where()
}

func (info *Info) release(l *locked) {
	l.encode(l.blk.Data())
	info.TM.Unlock(l.blk)
}

// read decodes the node at b under a transient read lock.
func (info *Info) read(ctx context.Context, b BlockID) (n node, err error) {
	blk, err := info.TM.ReadLock(ctx, b, validator)
	if err != nil {
		return
	}
	n, err = decodeNode(blk.Data())
	info.TM.Unlock(blk)
	if err != nil {
		err = errors.Wrapf(err, "btree node %d", b)
	}
	return
}

func (info *Info) newNode(ctx context.Context, flags uint32, max, valueSize int) (*locked, error) {
	blk, err := info.TM.NewBlock(ctx, validator)
	if err != nil {
		return nil, err
	}
	return &locked{blk: blk, node: newNode(flags, max, valueSize)}, nil
}

// shadow write-locks a copy of the node at b that belongs to the current
// transaction. When the original was shared, everything the copy points
// to gains a reference.
func (info *Info) shadow(ctx context.Context, b BlockID, vt *ValueType) (*locked, error) {
	blk, inc, err := info.TM.Shadow(ctx, b, validator)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(blk.Data())
	if err != nil {
		info.TM.Unlock(blk)
		return nil, errors.Wrapf(err, "btree node %d", b)
	}
	l := &locked{blk: blk, node: n}
	if inc {
		if err = info.incChildren(&l.node, vt); err != nil {
			info.release(l)
			return nil, err
		}
	}
	return l, nil
}

func (info *Info) incChildren(n *node, vt *ValueType) error {
	if !n.isLeaf() {
		for i := range n.nr() {
			if err := info.TM.Inc(n.child(i)); err != nil {
				return err
			}
		}
		return nil
	}
	if vt.Inc == nil {
		return nil
	}
	for i := range n.nr() {
		if err := vt.Inc(n.value(i)); err != nil {
			return err
		}
	}
	return nil
}

// spine holds the write locks along the path of a mutation: the current
// node and its parent. Stepping to a child releases the grandparent.
type spine struct {
	info  *Info
	nodes [2]*locked
	count int
	root  BlockID
}

func (s *spine) step(ctx context.Context, b BlockID, vt *ValueType) error {
	if s.count == 2 {
		s.info.release(s.nodes[0])
		s.nodes[0], s.nodes[1] = s.nodes[1], nil
		s.count--
	}
	n, err := s.info.shadow(ctx, b, vt)
	if err != nil {
		return err
	}
	if s.count == 0 {
		s.root = n.where()
	}
	s.nodes[s.count] = n
	s.count++
	return nil
}

func (s *spine) current() *locked {
	return s.nodes[s.count-1]
}

func (s *spine) parent() *locked {
	if s.count < 2 {
		return nil
	}
	return s.nodes[0]
}

// replace swaps the current node for n, releasing the old one.
func (s *spine) replace(n *locked) {
	s.info.release(s.nodes[s.count-1])
	s.nodes[s.count-1] = n
}

func (s *spine) exit() {
	for i := range s.count {
		s.info.release(s.nodes[i])
		s.nodes[i] = nil
	}
	s.count = 0
}
