// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package server exposes a kv.Store over HTTP for inspection and simple
// edits. Keys are written as comma separated decimals, one per level, and
// values as hex.
package server

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/kv"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Server struct {
	store  *kv.Store
	logger *zap.Logger
}

// New returns a fiber app serving store.
func New(store *kv.Store, logger *zap.Logger) *fiber.App {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &Server{store: store, logger: logger}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          srv.handleError,
	})
	srv.routes(app)
	return app
}

func (srv *Server) routes(router fiber.Router) {
	router.Get("/stats", srv.stats)
	router.Get("/check", srv.check)
	router.Get("/values", srv.list)
	router.Get("/values/:keys", srv.get)
	router.Put("/values/:keys", srv.set)
	router.Delete("/values/:keys", srv.del)
}

type entry struct {
	Keys  []uint64 `json:"keys"`
	Value string   `json:"value"`
}

func parseKeys(s string) ([]uint64, error) {
	parts := strings.Split(s, ",")
	keys := make([]uint64, len(parts))
	for i, part := range parts {
		key, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "bad key "+strconv.Quote(part))
		}
		keys[i] = key
	}
	return keys, nil
}

func (srv *Server) stats(c *fiber.Ctx) error {
	stats, err := srv.store.Stats()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"uuid":       stats.UUID.String(),
		"txn_id":     stats.TxnID,
		"root":       stats.Root,
		"nr_blocks":  stats.NrBlocks,
		"allocated":  stats.Allocated,
		"levels":     srv.store.Levels(),
		"value_size": srv.store.ValueSize(),
		"cache":      stats.Cache,
	})
}

func (srv *Server) check(c *fiber.Ctx) error {
	stats, err := srv.store.Check(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"nodes":   stats.Nodes,
		"leaves":  stats.Leaves,
		"entries": stats.Entries,
		"depth":   stats.Depth,
	})
}

var errStop = errors.New("stop")

func (srv *Server) list(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 100)
	entries := make([]entry, 0)
	err := srv.store.Walk(c.UserContext(), func(keys []uint64, value []byte) error {
		if len(entries) >= limit {
			return errStop
		}
		entries = append(entries, entry{
			Keys:  append([]uint64(nil), keys...),
			Value: hex.EncodeToString(value),
		})
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return err
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (srv *Server) get(c *fiber.Ctx) error {
	keys, err := parseKeys(c.Params("keys"))
	if err != nil {
		return err
	}
	value, err := srv.store.Get(c.UserContext(), keys...)
	if err != nil {
		return err
	}
	return c.JSON(entry{Keys: keys, Value: hex.EncodeToString(value)})
}

func (srv *Server) set(c *fiber.Ctx) error {
	keys, err := parseKeys(c.Params("keys"))
	if err != nil {
		return err
	}
	var body struct {
		Value string `json:"value"`
	}
	if err = c.BodyParser(&body); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	value, err := hex.DecodeString(body.Value)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "value must be hex")
	}
	if len(value) != srv.store.ValueSize() {
		return fiber.NewError(fiber.StatusBadRequest, "value must be "+strconv.Itoa(srv.store.ValueSize())+" bytes")
	}
	if err = srv.store.Set(c.UserContext(), keys, value); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (srv *Server) del(c *fiber.Ctx) error {
	keys, err := parseKeys(c.Params("keys"))
	if err != nil {
		return err
	}
	if err = srv.store.Delete(c.UserContext(), keys...); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "deleted"})
}

func (srv *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, pdata.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, pdata.ErrInterrupted), errors.Is(err, context.Canceled):
		code = fiber.StatusServiceUnavailable
	default:
		srv.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
