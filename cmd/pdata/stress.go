// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/kv"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type stressResult struct {
	writes  atomic.Int64
	deletes atomic.Int64
	reads   atomic.Int64
	misses  atomic.Int64
}

func newStressCmd(opts *options) *cobra.Command {
	var (
		workers int
		ops     int
		keys    uint64
		seed    uint64
	)
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent readers and writers, then check the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, _, logger, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()

			start := time.Now()
			var res stressResult
			if err = stress(ctx, store, logger, &res, workers, ops, keys, seed); err != nil {
				return
			}
			stats, err := store.Check(ctx)
			if err != nil {
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d writes, %d deletes, %d reads (%d misses) in %s; %d entries, depth %d\n",
				res.writes.Load(), res.deletes.Load(), res.reads.Load(), res.misses.Load(),
				time.Since(start).Round(time.Millisecond), stats.Entries, stats.Depth)
			return
		},
	}
	flags := cmd.Flags()
	flags.IntVarP(&workers, "workers", "w", 4, "concurrent workers, half of them writers")
	flags.IntVarP(&ops, "ops", "n", 1000, "operations per worker")
	flags.Uint64Var(&keys, "keys", 1000, "key space per level")
	flags.Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

// stress runs workers goroutines: even ones write and delete, odd ones
// read the committed state.
func stress(ctx context.Context, store *kv.Store, logger *zap.Logger, res *stressResult, workers, ops int, space, seed uint64) error {
	if workers < 1 || ops < 1 || space < 1 {
		return errors.Newf("stress: %d workers, %d ops, %d keys", workers, ops, space)
	}
	levels, size := store.Levels(), store.ValueSize()

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError().WithMaxGoroutines(workers)
	for w := range workers {
		rng := rand.New(rand.NewPCG(seed, uint64(w)))
		writer := w%2 == 0
		p.Go(func(ctx context.Context) error {
			keys := make([]uint64, levels)
			value := make([]byte, size)
			for range ops {
				for i := range keys {
					keys[i] = rng.Uint64N(space)
				}
				var err error
				switch {
				case !writer:
					_, err = store.Get(ctx, keys...)
					res.reads.Add(1)
				case rng.IntN(4) == 0:
					err = store.Delete(ctx, keys...)
					res.deletes.Add(1)
				default:
					for i := range value {
						value[i] = byte(rng.Uint32())
					}
					err = store.Set(ctx, keys, value)
					res.writes.Add(1)
				}
				if errors.Is(err, pdata.ErrNotFound) {
					res.misses.Add(1)
					continue
				}
				if err != nil {
					logger.Error("stress worker failed", zap.Int("worker", w), zap.Error(err))
					return err
				}
			}
			return nil
		})
	}
	return p.Wait()
}
