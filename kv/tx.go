// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// Tx is a write transaction. It sees its own changes; readers of the
// store do not until it commits. A Tx is only valid inside Update.
type Tx struct {
	store *Store
	root  BlockID
	dirty bool

	// err is the first failed mutation. A failed mutation may have left
	// the working tree half updated, so the transaction must abort.
	err error
}

func (tx *Tx) fail(err error) error {
	if tx.err == nil {
		tx.err = err
	}
	return err
}

func (tx *Tx) Get(ctx context.Context, keys ...uint64) ([]byte, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	return tx.store.info.Lookup(ctx, tx.root, keys)
}

func (tx *Tx) Set(ctx context.Context, keys []uint64, value []byte) error {
	if tx.err != nil {
		return tx.err
	}
	if len(value) != tx.store.ValueSize() {
		return errors.Newf("kv: value of %d bytes, want %d", len(value), tx.store.ValueSize())
	}
	root, _, err := tx.store.info.Insert(ctx, tx.root, keys, value)
	if err != nil {
		return tx.fail(err)
	}
	tx.root, tx.dirty = root, true
	return nil
}

// Delete removes the value under keys. A missing key fails with
// ErrNotFound and leaves the transaction usable.
func (tx *Tx) Delete(ctx context.Context, keys ...uint64) error {
	if tx.err != nil {
		return tx.err
	}
	if _, err := tx.store.info.Lookup(ctx, tx.root, keys); err != nil {
		if errors.Is(err, pdata.ErrNotFound) {
			return err
		}
		return tx.fail(err)
	}
	root, err := tx.store.info.Remove(ctx, tx.root, keys)
	if err != nil {
		return tx.fail(err)
	}
	tx.root, tx.dirty = root, true
	return nil
}

func (tx *Tx) Walk(ctx context.Context, fn func(keys []uint64, value []byte) error) error {
	if tx.err != nil {
		return tx.err
	}
	return tx.store.info.Walk(ctx, tx.root, fn)
}
