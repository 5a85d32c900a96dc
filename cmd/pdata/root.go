// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata/config"
	"github.com/dacapoday/pdata/kv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	configPath string
	kind       string
	path       string
	size       int64
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := new(options)
	cmd := &cobra.Command{
		Use:   "pdata",
		Short: "Persistent-data key-value store tool",
		Long: `pdata manages a copy-on-write B-tree key-value store kept on a block
device: a file, a pebble directory or memory.

Keys are comma separated decimals, one per tree level. Values are hex.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default: search pdata.yaml)")
	flags.StringVar(&opts.kind, "kind", "", "device kind: file, pebble or mem")
	flags.StringVarP(&opts.path, "device", "d", "", "device path")
	flags.Int64Var(&opts.size, "size", 0, "device size in bytes")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level")

	cmd.AddCommand(
		newFormatCmd(opts),
		newGetCmd(opts),
		newSetCmd(opts),
		newDelCmd(opts),
		newDumpCmd(opts),
		newCheckCmd(opts),
		newStressCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}

func (opts *options) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.kind != "" {
		cfg.Device.Kind = opts.kind
	}
	if opts.path != "" {
		cfg.Device.Path = opts.path
	}
	if opts.size != 0 {
		cfg.Device.Size = opts.size
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err = cfg.Validate(); err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// open opens the configured store. A memory device holds nothing yet, so
// it is formatted instead.
func (opts *options) open(ctx context.Context, format bool) (*kv.Store, *config.Config, *zap.Logger, error) {
	cfg, logger, err := opts.load()
	if err != nil {
		return nil, nil, nil, err
	}
	device, err := cfg.OpenDevice()
	if err != nil {
		return nil, nil, nil, err
	}
	var store *kv.Store
	if format || cfg.Device.Kind == config.DeviceMem {
		store, err = kv.Format(ctx, device, cfg.Store(logger))
	} else {
		store, err = kv.Open(ctx, device, cfg.Store(logger))
	}
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "%s device %s", cfg.Device.Kind, cfg.Device.Path)
	}
	return store, cfg, logger, nil
}

func parseKeys(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	keys := make([]uint64, len(parts))
	for i, part := range parts {
		key, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", part)
		}
		keys[i] = key
	}
	return keys, nil
}

func formatKeys(keys []uint64) string {
	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(key, 10))
	}
	return b.String()
}
