// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package btree

import (
	"encoding/binary"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
)

// Node layout, little-endian:
//
//	0   csum        u32
//	4   flags       u32 (1 internal, 2 leaf)
//	8   blocknr     u64
//	16  nr_entries  u32
//	20  max_entries u32
//	24  value_size  u32
//	28  padding     u32
//	32  keys        [max_entries]u64
//	..  values      [max_entries * value_size]byte
const (
	nodeHeaderSize = 32

	internalNode uint32 = 1
	leafNode     uint32 = 2

	nodeCsumXor = 121107
)

// node is the decoded form of a node block. keys and values hold exactly
// the live entries.
type node struct {
	flags     uint32
	max       int
	valueSize int
	keys      []uint64
	values    []byte
}

func newNode(flags uint32, max, valueSize int) node {
	return node{
		flags:     flags,
		max:       max,
		valueSize: valueSize,
		keys:      make([]uint64, 0, max),
		values:    make([]byte, 0, max*valueSize),
	}
}

func decodeNode(data []byte) (n node, err error) {
	if len(data) < nodeHeaderSize {
		err = errors.Wrapf(pdata.ErrBadNode, "node block of %d bytes", len(data))
		return
	}
	flags := binary.LittleEndian.Uint32(data[4:])
	nr := int(binary.LittleEndian.Uint32(data[16:]))
	max := int(binary.LittleEndian.Uint32(data[20:]))
	valueSize := int(binary.LittleEndian.Uint32(data[24:]))
	if err = checkHeader(flags, nr, max, valueSize, len(data)); err != nil {
		return
	}

	n = newNode(flags, max, valueSize)
	keys := data[nodeHeaderSize:]
	for i := range nr {
		n.keys = append(n.keys, binary.LittleEndian.Uint64(keys[i*8:]))
	}
	values := keys[max*8:]
	n.values = append(n.values, values[:nr*valueSize]...)
	return
}

func checkHeader(flags uint32, nr, max, valueSize, blockSize int) error {
	switch {
	case flags != internalNode && flags != leafNode:
		return errors.Wrapf(pdata.ErrBadNode, "node flags %#x", flags)
	case valueSize < 1:
		return errors.Wrapf(pdata.ErrBadNode, "node value size %d", valueSize)
	case max < 1 || nodeHeaderSize+max*(8+valueSize) > blockSize:
		return errors.Wrapf(pdata.ErrBadNode, "node max entries %d too large", max)
	case nr > max:
		return errors.Wrapf(pdata.ErrBadNode, "node has %d entries, max %d", nr, max)
	}
	return nil
}

// encode writes n into data, leaving the checksum and block number to
// the validator.
func (n *node) encode(data []byte) {
	clear(data[16:])
	binary.LittleEndian.PutUint32(data[4:], n.flags)
	binary.LittleEndian.PutUint32(data[16:], uint32(len(n.keys)))
	binary.LittleEndian.PutUint32(data[20:], uint32(n.max))
	binary.LittleEndian.PutUint32(data[24:], uint32(n.valueSize))
	keys := data[nodeHeaderSize:]
	for i, key := range n.keys {
		binary.LittleEndian.PutUint64(keys[i*8:], key)
	}
	copy(keys[n.max*8:], n.values)
}

func (n *node) nr() int {
	return len(n.keys)
}

func (n *node) isLeaf() bool {
	return n.flags == leafNode
}

func (n *node) value(i int) []byte {
	return n.values[i*n.valueSize : (i+1)*n.valueSize]
}

func (n *node) child(i int) BlockID {
	return le64(n.value(i))
}

func (n *node) setChild(i int, b BlockID) {
	binary.LittleEndian.PutUint64(n.value(i), b)
}

// lowerBound returns the index of the last key not greater than key,
// or -1 when every key is greater.
func (n *node) lowerBound(key uint64) int {
	i, j := 0, len(n.keys)
	for i < j {
		h := int(uint(i+j) >> 1)
		if n.keys[h] <= key {
			i = h + 1
		} else {
			j = h
		}
	}
	return i - 1
}

func (n *node) insertAt(i int, key uint64, value []byte) {
	if len(n.keys) >= n.max || i < 0 || i > len(n.keys) || len(value) != n.valueSize {
		panic(errors.AssertionFailedf("btree: insert at %d of node with %d/%d entries", i, len(n.keys), n.max))
	}
	n.keys = slices.Insert(n.keys, i, key)
	n.values = slices.Insert(n.values, i*n.valueSize, value...)
}

func (n *node) deleteAt(i int) {
	n.keys = slices.Delete(n.keys, i, i+1)
	n.values = slices.Delete(n.values, i*n.valueSize, (i+1)*n.valueSize)
}

// shift moves entries between adjacent siblings. A positive count moves
// the last count entries of left to the front of right; a negative count
// moves the first -count entries of right to the end of left.
func shift(left, right *node, count int) {
	if left.max != right.max || left.valueSize != right.valueSize {
		panic(errors.AssertionFailedf("btree: shift between unlike nodes"))
	}
	vs := left.valueSize
	switch {
	case count > 0:
		if count > left.nr() || right.nr()+count > right.max {
			panic(errors.AssertionFailedf("btree: shift %d from %d into %d/%d", count, left.nr(), right.nr(), right.max))
		}
		n := left.nr() - count
		right.keys = slices.Insert(right.keys, 0, left.keys[n:]...)
		right.values = slices.Insert(right.values, 0, left.values[n*vs:]...)
		left.keys = left.keys[:n]
		left.values = left.values[:n*vs]
	case count < 0:
		count = -count
		if count > right.nr() || left.nr()+count > left.max {
			panic(errors.AssertionFailedf("btree: shift %d from %d into %d/%d", count, right.nr(), left.nr(), left.max))
		}
		left.keys = append(left.keys, right.keys[:count]...)
		left.values = append(left.values, right.values[:count*vs]...)
		right.keys = slices.Delete(right.keys, 0, count)
		right.values = slices.Delete(right.values, 0, count*vs)
	}
}

type nodeValidator struct{}

var validator = &nodeValidator{}

func (*nodeValidator) Name() string {
	return "btree_node"
}

func (*nodeValidator) PrepareForWrite(where BlockID, data []byte) {
	binary.LittleEndian.PutUint64(data[8:], where)
	binary.LittleEndian.PutUint32(data, block.Checksum(data[4:], nodeCsumXor))
}

func (*nodeValidator) Check(where BlockID, data []byte) error {
	if got := binary.LittleEndian.Uint64(data[8:]); got != where {
		return errors.Wrapf(pdata.ErrBadBlockNumber, "btree node %d: block number %d", where, got)
	}
	sum := block.Checksum(data[4:], nodeCsumXor)
	if got := binary.LittleEndian.Uint32(data); got != sum {
		return errors.Wrapf(pdata.ErrBadChecksum, "btree node %d: checksum %08x, want %08x", where, got, sum)
	}
	return checkHeader(
		binary.LittleEndian.Uint32(data[4:]),
		int(binary.LittleEndian.Uint32(data[16:])),
		int(binary.LittleEndian.Uint32(data[20:])),
		int(binary.LittleEndian.Uint32(data[24:])),
		len(data),
	)
}
