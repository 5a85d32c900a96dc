// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package pdata defines the basic interfaces shared by the persistent-data
// components: a block device, block validators and block numbers.
package pdata

import "io"

// BlockID addresses a fixed-size block on a backing device.
type BlockID = uint64

// IOFlags qualify a write request.
type IOFlags uint8

const (
	// Preflush requires every previously completed write to be on stable
	// storage before this write is issued.
	Preflush IOFlags = 1 << iota

	// FUA (force unit access) requires this write to be on stable storage
	// when it completes.
	FUA
)

// Device is an asynchronous block device.
//
// A request completes by calling done exactly once, from any goroutine,
// possibly before the submit call returns. Callers must not hold locks
// that done needs to acquire while submitting.
type Device interface {
	// Size returns the capacity of the device in bytes.
	Size() int64

	// SubmitRead reads len(buf) bytes at offset off into buf.
	SubmitRead(buf []byte, off int64, done func(error))

	// SubmitWrite writes buf at offset off.
	SubmitWrite(buf []byte, off int64, flags IOFlags, done func(error))
}

// File provides access to a storage backend.
// The File interface is the minimum implementation required.
//
// The *os.File type satisfies this interface.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	// Truncate changes the size of the file.
	Truncate(size int64) error

	// Sync commits the current contents of the file to stable storage.
	// Typically, this means flushing the file system's in-memory copy
	// of recently written data to disk.
	Sync() error
}

// Validator checks block contents after a read and prepares them before a
// write, typically by verifying and embedding a checksum.
//
// Validators are compared by identity, so implementations must be
// comparable (pointers or empty structs).
type Validator interface {
	// Name identifies the validator in diagnostics.
	Name() string

	// PrepareForWrite mutates data in place just before it is persisted.
	PrepareForWrite(where BlockID, data []byte)

	// Check verifies data in place just after it is read.
	Check(where BlockID, data []byte) error
}
