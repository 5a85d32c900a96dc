// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package atom publishes a committed value to concurrent readers while
// writers take turns producing the next one.
package atom

import (
	"sync"

	"github.com/dacapoday/pdata"
)

// Ref holds the latest committed value.
//
// Readers share view and may run alongside a writer. A writer holds mutex
// for the whole swap and takes view only to publish, so a published value
// is never replaced while a reader is still using it.
type Ref[V any] struct {
	val    V
	loaded bool
	view   sync.RWMutex
	mutex  sync.Mutex
}

func (ref *Ref[V]) Load(val V) {
	ref.mutex.Lock()
	ref.view.Lock()
	ref.val, ref.loaded = val, true
	ref.view.Unlock()
	ref.mutex.Unlock()
}

// View calls fn with the current value under a shared lock.
func (ref *Ref[V]) View(fn func(val V) error) error {
	ref.view.RLock()
	defer ref.view.RUnlock()
	if !ref.loaded {
		return pdata.ErrClosed
	}
	return fn(ref.val)
}

// Swap lets swap compute the next value from the current one and
// publishes it. Writers are serialized; when swap fails nothing is
// published.
func (ref *Ref[V]) Swap(swap func(val V) (newVal V, err error)) (err error) {
	ref.mutex.Lock()
	defer ref.mutex.Unlock()

	ref.view.RLock()
	loaded, val := ref.loaded, ref.val
	ref.view.RUnlock()
	if !loaded {
		return pdata.ErrClosed
	}

	newVal, err := swap(val)
	if err != nil {
		return
	}

	ref.view.Lock()
	ref.val = newVal
	ref.view.Unlock()
	return
}

// Close waits for readers and writers, hands the last value to close and
// marks the reference closed. Closing twice returns ErrClosed.
func (ref *Ref[V]) Close(close func(val V) error) (err error) {
	ref.mutex.Lock()
	defer ref.mutex.Unlock()
	ref.view.Lock()
	defer ref.view.Unlock()

	if !ref.loaded {
		return pdata.ErrClosed
	}
	val := ref.val
	var nilVal V
	ref.val, ref.loaded = nilVal, false
	if close != nil {
		err = close(val)
	}
	return
}
