// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/lib/config"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// RunFunc does the work of a one-shot command. The context carries a
// logger (see ctxlog.FromContext) and is cancelled on SIGTERM or
// SIGINT.
type RunFunc func(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, stdin io.Reader, stdout io.Writer) error

// Oneshot returns a cmd.Handler that loads the site config and
// calls the RunFunc returned by setup. Setup can add its own flags
// to the given FlagSet; they are parsed before the RunFunc is
// called.
//
// The config file cannot be read from stdin: stdin is passed to the
// RunFunc.
func Oneshot(setup func(flags *flag.FlagSet) RunFunc) cmd.Handler {
	return cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
		log := ctxlog.New(stderr, "text", "info")
		flags := flag.NewFlagSet(prog, flag.ContinueOnError)
		flags.SetOutput(stderr)
		loader := config.NewLoader(nil, log)
		loader.SetupFlags(flags)
		run := setup(flags)
		if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
			return code
		}
		cfg, err := loader.Load()
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
			return 1
		}
		log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
		logger := log.WithFields(logrus.Fields{
			"PID":     os.Getpid(),
			"Project": cfg.ProjectID,
			"Command": prog,
		})
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()
		ctx = ctxlog.Context(ctx, logger)
		if err := run(ctx, cfg, newRegistry(), stdin, stdout); err != nil {
			logger.WithError(err).Error("failed")
			return 1
		}
		return 0
	})
}
