// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			store, cfg, logger, err := opts.open(ctx, false)
			if err != nil {
				return
			}
			defer func() { err = errors.CombineErrors(err, store.Close(ctx)) }()
			if addr == "" {
				addr = cfg.Server.Addr
			}

			app := server.New(store, logger)
			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(stop)
			go func() {
				<-stop
				logger.Info("shutting down")
				if err := app.Shutdown(); err != nil {
					logger.Error("shutdown", zap.Error(err))
				}
			}()

			logger.Info("listening", zap.String("addr", addr))
			return app.Listen(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}
