// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package mem provides an in-memory block device.
//
// Besides storing data, the device records the order in which writes
// complete, can be told to fail requests at given offsets and can park
// write completions, which makes it suitable for exercising cache and
// ordering logic in tests.
package mem

import (
	"sync"

	"github.com/dacapoday/pdata"
)

// Write is a journal entry for one completed write.
type Write struct {
	Off   int64
	Flags pdata.IOFlags
}

// Device is an in-memory pdata.Device.
// It is safe for concurrent use by multiple goroutines.
type Device struct {
	mu    sync.Mutex
	size  int64
	async bool
	wg    sync.WaitGroup

	blocks    map[int64][]byte
	journal   []Write
	reads     int
	failRead  map[int64]error
	failWrite map[int64]error

	held   bool
	parked []func()
}

var _ pdata.Device = new(Device)

// New returns a device of size bytes that completes requests inside the
// submit call.
func New(size int64) *Device {
	return &Device{
		size:      size,
		blocks:    make(map[int64][]byte),
		failRead:  make(map[int64]error),
		failWrite: make(map[int64]error),
	}
}

// NewAsync returns a device that completes every request on a new
// goroutine.
func NewAsync(size int64) *Device {
	device := New(size)
	device.async = true
	return device
}

func (device *Device) Size() int64 {
	return device.size
}

func (device *Device) complete(f func()) {
	if !device.async {
		f()
		return
	}
	device.wg.Add(1)
	go func() {
		defer device.wg.Done()
		f()
	}()
}

func (device *Device) SubmitRead(buf []byte, off int64, done func(error)) {
	device.mu.Lock()
	device.reads++
	err := device.failRead[off]
	if err == nil {
		if data, ok := device.blocks[off]; ok {
			clear(buf[copy(buf, data):])
		} else {
			clear(buf)
		}
	}
	device.mu.Unlock()
	device.complete(func() { done(err) })
}

func (device *Device) SubmitWrite(buf []byte, off int64, flags pdata.IOFlags, done func(error)) {
	data := append([]byte(nil), buf...)
	finish := func() {
		device.mu.Lock()
		err := device.failWrite[off]
		if err == nil {
			device.blocks[off] = data
			device.journal = append(device.journal, Write{Off: off, Flags: flags})
		}
		device.mu.Unlock()
		done(err)
	}

	device.mu.Lock()
	if device.held {
		device.parked = append(device.parked, finish)
		device.mu.Unlock()
		return
	}
	device.mu.Unlock()
	device.complete(finish)
}

// Hold parks the completion of every write submitted from now on until
// Release is called.
func (device *Device) Hold() {
	device.mu.Lock()
	device.held = true
	device.mu.Unlock()
}

// Release completes the parked writes in submission order.
func (device *Device) Release() {
	device.mu.Lock()
	parked := device.parked
	device.parked = nil
	device.held = false
	device.mu.Unlock()
	for _, finish := range parked {
		device.complete(finish)
	}
}

// Parked returns the number of writes waiting for Release.
func (device *Device) Parked() int {
	device.mu.Lock()
	defer device.mu.Unlock()
	return len(device.parked)
}

// FailRead makes reads at off fail with err. A nil err clears the fault.
func (device *Device) FailRead(off int64, err error) {
	device.mu.Lock()
	defer device.mu.Unlock()
	if err == nil {
		delete(device.failRead, off)
	} else {
		device.failRead[off] = err
	}
}

// FailWrite makes writes at off fail with err. A nil err clears the fault.
func (device *Device) FailWrite(off int64, err error) {
	device.mu.Lock()
	defer device.mu.Unlock()
	if err == nil {
		delete(device.failWrite, off)
	} else {
		device.failWrite[off] = err
	}
}

// Journal returns the successful writes in completion order.
func (device *Device) Journal() []Write {
	device.mu.Lock()
	defer device.mu.Unlock()
	return append([]Write(nil), device.journal...)
}

// ResetJournal forgets the recorded writes.
func (device *Device) ResetJournal() {
	device.mu.Lock()
	device.journal = nil
	device.mu.Unlock()
}

// Reads returns the number of read requests submitted.
func (device *Device) Reads() int {
	device.mu.Lock()
	defer device.mu.Unlock()
	return device.reads
}

// Bytes returns a copy of the last data written at off, or nil.
func (device *Device) Bytes(off int64) []byte {
	device.mu.Lock()
	defer device.mu.Unlock()
	data, ok := device.blocks[off]
	if !ok {
		return nil
	}
	return append([]byte(nil), data...)
}

// Wait blocks until every asynchronous completion has run.
func (device *Device) Wait() {
	device.wg.Wait()
}
