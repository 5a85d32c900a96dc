// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// task runs device requests on their own goroutines and collects the
// errors of those that panicked.
type task struct {
	sync.WaitGroup
	head atomic.Pointer[taskerr]
}

// run calls f on a new goroutine. A panic inside f is recovered and
// handed to done as an error.
func (task *task) run(f func() error, done func(error)) {
	task.Add(1)
	go func() {
		end := false
		defer func() {
			defer task.Done()
			if end {
				return
			}
			var err error
			switch v := recover().(type) {
			case nil:
				return
			case error:
				err = v
			default:
				err = anyv{v}
			}
			task.push(err)
			done(err)
		}()
		err := f()
		end = true
		done(err)
	}()
}

func (task *task) push(err error) {
	e := &taskerr{err: err}
	for {
		head := task.head.Load()
		e.next = head
		if task.head.CompareAndSwap(head, e) {
			return
		}
	}
}

// wait blocks until every request has completed and returns the panics
// recovered since the last wait.
func (task *task) wait() error {
	task.Wait()
	head := task.head.Swap(nil)
	if head == nil {
		return nil
	}
	return head
}

type taskerr struct {
	next *taskerr
	err  error
}

func (task *taskerr) each(yield func(error) bool) {
	for ; task != nil; task = task.next {
		if !yield(task.err) {
			return
		}
	}
}

func (task *taskerr) Error() string {
	var msg []byte
	for err := range task.each {
		msg = append(msg, '\n')
		msg = append(msg, err.Error()...)
	}
	if len(msg) == 0 {
		return ""
	}
	return string(msg[1:])
}

func (task *taskerr) Unwrap() (errs []error) {
	for err := range task.each {
		errs = append(errs, err)
	}
	return
}

type anyv struct{ any }

func (v anyv) Error() string {
	return fmt.Sprintf("recovered: %v", v.any)
}
