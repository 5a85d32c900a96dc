package block

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
)

// wait blocks until ready reports true, rechecking after every broadcast.
// The manager mutex must be held; it is released while sleeping.
// Cancelling ctx wakes the waiter, which then fails with ErrInterrupted.
func (manager *Manager) wait(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			manager.mu.Lock()
			manager.cond.Broadcast()
			manager.mu.Unlock()
		})
		defer stop()
	}
	for !ready() {
		if err := ctx.Err(); err != nil {
			return errors.Mark(err, pdata.ErrInterrupted)
		}
		if manager.closed {
			return pdata.ErrClosed
		}
		manager.cond.Wait()
	}
	return nil
}

// waitIO blocks until ready holds, ignoring cancellation. It is used where
// the caller owns in-flight I/O and must observe its completion.
func (manager *Manager) waitIO(ready func() bool) {
	for !ready() {
		manager.cond.Wait()
	}
}
