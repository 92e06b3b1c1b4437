// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"os"
	"strconv"

	"git.arvados.org/dna.git/lib/backend"
	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/lib/service"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus"
)

// Command runs the worker loop on the local host. The tier and
// worker record ID default to the instance metadata that the
// startup script (or the loopback cloud driver) exports as
// DNA_META_LEVEL and DNA_META_CE_ENTITY_ID.
var Command cmd.Handler = service.Oneshot(func(flags *flag.FlagSet) service.RunFunc {
	tierID := flags.String("tier", os.Getenv("DNA_META_LEVEL"), "Tier to take tasks from")
	recordID := flags.Int64("worker-record", envInt64("DNA_META_CE_ENTITY_ID"), "ID of this instance's worker record")
	return func(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, stdin io.Reader, stdout io.Writer) error {
		if *tierID == "" {
			return errors.New("no tier specified (use -tier)")
		}
		if *recordID <= 0 {
			return errors.New("no worker record specified (use -worker-record)")
		}
		return run(ctx, cfg, reg, *tierID, *recordID, stdout)
	}
})

func run(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, tierID string, recordID int64, stdout io.Writer) error {
	logger := ctxlog.FromContext(ctx)
	tiers, err := dna.NewTierCatalog(cfg.Tiers)
	if err != nil {
		return err
	}
	q, err := backend.NewQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()
	st, err := backend.NewStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	exr := &ShellExecutor{
		Shell:   cfg.Worker.Shell,
		WorkDir: cfg.Worker.WorkDir,
		Logger:  logger,
	}
	w, err := New(cfg, tiers, tierID, recordID, q, st, exr, logger, reg)
	if err != nil {
		return err
	}
	summary, err := w.Run(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(summary); encErr != nil && err == nil {
		err = encErr
	}
	return err
}

func envInt64(name string) int64 {
	n, _ := strconv.ParseInt(os.Getenv(name), 10, 64)
	return n
}
