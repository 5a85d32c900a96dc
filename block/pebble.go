// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/dacapoday/pdata"
)

// Pebble stores blocks as pebble key/value pairs keyed by the big-endian
// byte offset. Blocks never written read as zeros. Writes flagged FUA are
// synced to the pebble WAL, and Preflush is implied by it since the WAL
// is ordered.
type Pebble struct {
	db   *pebble.DB
	size int64
	task task
}

var _ Device = new(Pebble)

func NewPebble(db *pebble.DB, size int64) *Pebble {
	return &Pebble{db: db, size: size}
}

// OpenPebble opens or creates a pebble store in dir.
func OpenPebble(dir string, size int64, opts *pebble.Options) (device *Pebble, err error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		err = errors.Wrapf(err, "open pebble %s", dir)
		return
	}
	device = NewPebble(db, size)
	return
}

func (device *Pebble) DB() *pebble.DB {
	return device.db
}

func (device *Pebble) Size() int64 {
	return device.size
}

func pebbleKey(off int64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(off))
}

func (device *Pebble) SubmitRead(buf []byte, off int64, done func(error)) {
	device.task.run(func() error {
		val, closer, err := device.db.Get(pebbleKey(off))
		if errors.Is(err, pebble.ErrNotFound) {
			clear(buf)
			return nil
		}
		if err != nil {
			return err
		}
		defer closer.Close()
		if len(val) != len(buf) {
			return errors.Wrapf(pdata.ErrIO, "pebble block at %d: %d bytes, want %d", off, len(val), len(buf))
		}
		copy(buf, val)
		return nil
	}, done)
}

func (device *Pebble) SubmitWrite(buf []byte, off int64, flags IOFlags, done func(error)) {
	opts := pebble.NoSync
	if flags&pdata.FUA != 0 {
		opts = pebble.Sync
	}
	device.task.run(func() error {
		return device.db.Set(pebbleKey(off), buf, opts)
	}, done)
}

// Close waits for requests in flight and closes the store.
func (device *Pebble) Close() error {
	return errors.CombineErrors(device.task.wait(), device.db.Close())
}
