// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/google/uuid"
)

// Superblock layout, little-endian, in block 0:
//
//	0   csum        u32
//	4   flags       u32
//	8   blocknr     u64
//	16  magic       [8]byte
//	24  version     u32
//	28  block_size  u32
//	32  uuid        [16]byte
//	48  levels      u32
//	52  value_size  u32
//	56  max_entries u32
//	60  padding     u32
//	64  txn_id      u64
//	72  root        u64
//	80  nr_blocks   u64
const (
	superblockLocation BlockID = 0
	superblockSize             = 88
	superblockVersion          = 1
)

var superblockMagic = [8]byte{'p', 'd', 'a', 't', 'a', 'k', 'v', '1'}

var superValidator = &block.CRC32{Label: "superblock", Xor: 160774}

type superblock struct {
	UUID       uuid.UUID
	BlockSize  int
	Levels     int
	ValueSize  int
	MaxEntries int
	TxnID      uint64
	Root       BlockID
	NrBlocks   uint64
}

func (sb *superblock) encode(data []byte) {
	clear(data)
	binary.LittleEndian.PutUint64(data[8:], uint64(superblockLocation))
	copy(data[16:], superblockMagic[:])
	binary.LittleEndian.PutUint32(data[24:], superblockVersion)
	binary.LittleEndian.PutUint32(data[28:], uint32(sb.BlockSize))
	copy(data[32:], sb.UUID[:])
	binary.LittleEndian.PutUint32(data[48:], uint32(sb.Levels))
	binary.LittleEndian.PutUint32(data[52:], uint32(sb.ValueSize))
	binary.LittleEndian.PutUint32(data[56:], uint32(sb.MaxEntries))
	binary.LittleEndian.PutUint64(data[64:], sb.TxnID)
	binary.LittleEndian.PutUint64(data[72:], sb.Root)
	binary.LittleEndian.PutUint64(data[80:], sb.NrBlocks)
}

func decodeSuperblock(data []byte) (sb superblock, err error) {
	if len(data) < superblockSize {
		err = errors.Wrapf(pdata.ErrBadSuperblock, "%d bytes", len(data))
		return
	}
	if got := binary.LittleEndian.Uint64(data[8:]); got != superblockLocation {
		err = errors.Wrapf(pdata.ErrBadSuperblock, "block number %d", got)
		return
	}
	if [8]byte(data[16:24]) != superblockMagic {
		err = errors.Wrapf(pdata.ErrBadSuperblock, "magic %q", data[16:24])
		return
	}
	if version := binary.LittleEndian.Uint32(data[24:]); version != superblockVersion {
		err = errors.Wrapf(pdata.ErrUnsupported, "superblock version %d", version)
		return
	}
	sb = superblock{
		UUID:       uuid.UUID(data[32:48]),
		BlockSize:  int(binary.LittleEndian.Uint32(data[28:])),
		Levels:     int(binary.LittleEndian.Uint32(data[48:])),
		ValueSize:  int(binary.LittleEndian.Uint32(data[52:])),
		MaxEntries: int(binary.LittleEndian.Uint32(data[56:])),
		TxnID:      binary.LittleEndian.Uint64(data[64:]),
		Root:       binary.LittleEndian.Uint64(data[72:]),
		NrBlocks:   binary.LittleEndian.Uint64(data[80:]),
	}
	return
}
