// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

func newFormatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "format",
		Short: "Create an empty store on the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, true)
			if err != nil {
				return err
			}
			stats, err := store.Stats()
			if err != nil {
				return errors.CombineErrors(err, store.Close(ctx))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "formatted %s: %d blocks, %d levels, %d byte values\n",
				stats.UUID, stats.NrBlocks, store.Levels(), store.ValueSize())
			return store.Close(ctx)
		},
	}
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get KEYS",
		Short: "Print the value stored under KEYS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			keys, err := parseKeys(args[0])
			if err != nil {
				return
			}
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()

			value, err := store.Get(ctx, keys...)
			if err != nil {
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(value))
			return
		},
	}
}

func newSetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEYS VALUE",
		Short: "Store the hex VALUE under KEYS",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			keys, err := parseKeys(args[0])
			if err != nil {
				return
			}
			value, err := hex.DecodeString(args[1])
			if err != nil {
				return errors.Wrap(err, "value")
			}
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()
			return store.Set(ctx, keys, value)
		},
	}
}

func newDelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "del KEYS",
		Short: "Remove the value stored under KEYS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			keys, err := parseKeys(args[0])
			if err != nil {
				return
			}
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()
			return store.Delete(ctx, keys...)
		},
	}
}

var errLimit = errors.New("limit reached")

func newDumpCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "List values in key order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()

			n := 0
			err = store.Walk(ctx, func(keys []uint64, value []byte) error {
				if limit > 0 && n >= limit {
					return errLimit
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", formatKeys(keys), hex.EncodeToString(value))
				n++
				return nil
			})
			if errors.Is(err, errLimit) {
				err = nil
			}
			return
		},
	}
	cmd.Flags().IntVarP(&limit, "count", "n", 0, "number of values (0 = all)")
	return cmd
}

func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the tree and the space map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, _, _, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()

			stats, err := store.Check(ctx)
			if err != nil {
				return
			}
			st, err := store.Stats()
			if err != nil {
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d entries, %d nodes, %d leaves, depth %d, txn %d, %d/%d blocks used\n",
				stats.Entries, stats.Nodes, stats.Leaves, stats.Depth, st.TxnID, st.Allocated, st.NrBlocks)
			return
		},
	}
}
