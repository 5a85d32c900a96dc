// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// FileDevice serves a File as an asynchronous Device of a fixed size.
// Every request runs on its own goroutine. Reads past the end of the file
// return zeros, so a fresh file needs no preallocation.
type FileDevice[F File] struct {
	file   F
	size   int64
	task   task
	closed atomic.Bool
}

var _ Device = new(FileDevice[*os.File])

func NewFileDevice[F File](file F, size int64) *FileDevice[F] {
	return &FileDevice[F]{file: file, size: size}
}

// OpenFile opens or creates the file at path as a device of size bytes.
func OpenFile(path string, size int64) (device *FileDevice[*os.File], err error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return
	}
	device = NewFileDevice(file, size)
	return
}

func (device *FileDevice[F]) File() F {
	return device.file
}

func (device *FileDevice[F]) Size() int64 {
	return device.size
}

func (device *FileDevice[F]) SubmitRead(buf []byte, off int64, done func(error)) {
	if device.closed.Load() {
		done(pdata.ErrClosed)
		return
	}
	device.task.run(func() error {
		n, err := device.file.ReadAt(buf, off)
		if errors.Is(err, io.EOF) {
			clear(buf[n:])
			return nil
		}
		return err
	}, done)
}

func (device *FileDevice[F]) SubmitWrite(buf []byte, off int64, flags IOFlags, done func(error)) {
	if device.closed.Load() {
		done(pdata.ErrClosed)
		return
	}
	device.task.run(func() (err error) {
		if flags&pdata.Preflush != 0 {
			if err = device.file.Sync(); err != nil {
				return
			}
		}
		if _, err = device.file.WriteAt(buf, off); err != nil {
			return
		}
		if flags&pdata.FUA != 0 {
			err = device.file.Sync()
		}
		return
	}, done)
}

// Close waits for requests in flight and closes the file.
func (device *FileDevice[F]) Close() error {
	if device.closed.Swap(true) {
		return pdata.ErrClosed
	}
	return errors.CombineErrors(device.task.wait(), device.file.Close())
}
