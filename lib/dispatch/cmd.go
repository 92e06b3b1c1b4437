// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"git.arvados.org/dna.git/lib/backend"
	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/lib/service"
	"git.arvados.org/dna.git/lib/taskqueue"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Command runs the controller service.
var Command cmd.Handler = service.Command("controller", newHandler)

func newHandler(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry) service.Handler {
	b, err := openBackends(ctx, cfg, ctxlog.FromContext(ctx), needAll)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	d := &dispatcher{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
		Backends: b,
	}
	go d.Start()
	return d
}

// JobCommand returns a command that runs the named job once (the
// same job as the controller's /core/cron/... endpoint) and writes
// its report to stdout as JSON.
func JobCommand(name string) cmd.Handler {
	return service.Oneshot(func(flags *flag.FlagSet) service.RunFunc {
		return func(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, stdin io.Reader, stdout io.Writer) error {
			n, ok := jobNeeds[name]
			if !ok {
				return fmt.Errorf("unknown job %q", name)
			}
			b, err := openBackends(ctx, cfg, ctxlog.FromContext(ctx), n)
			if err != nil {
				return err
			}
			return runJobOnce(ctx, cfg, reg, b, name, stdout)
		}
	})
}

// runJobOnce runs a job without the controller's schedules, and
// closes the backends when done.
func runJobOnce(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, b *Backends, name string, stdout io.Writer) error {
	unscheduled := *cfg
	unscheduled.Schedules = dna.Schedules{}
	ctx, cancel := context.WithCancel(ctx)
	disp := &dispatcher{
		Config:   &unscheduled,
		Context:  ctx,
		Registry: reg,
		Backends: b,
	}
	defer func() {
		cancel()
		<-disp.Done()
	}()
	report, err := disp.RunJob(ctx, name)
	if report != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return err
}

// EnqueueCommand reads a task payload (a JSON object with at least
// "service" and "run_script" keys) from stdin and adds it to a
// tier's queue.
var EnqueueCommand = service.Oneshot(func(flags *flag.FlagSet) service.RunFunc {
	tierID := flags.String("tier", "", "Enqueue on this tier's queue (default: the smallest tier)")
	tag := flags.String("tag", "", "Optional task tag")
	return func(ctx context.Context, cfg *dna.Config, reg *prometheus.Registry, stdin io.Reader, stdout io.Writer) error {
		buf, err := io.ReadAll(stdin)
		if err != nil {
			return err
		}
		payload, err := dna.DecodePayload(buf)
		if err != nil {
			return err
		}
		tiers, err := dna.NewTierCatalog(cfg.Tiers)
		if err != nil {
			return err
		}
		tier := tiers.Tiers()[0]
		if *tierID != "" {
			var ok bool
			if tier, ok = tiers.Get(*tierID); !ok {
				return fmt.Errorf("unknown tier %q", *tierID)
			}
		}
		q, err := backend.NewQueue(cfg, ctxlog.FromContext(ctx))
		if err != nil {
			return err
		}
		defer q.Close()
		return enqueue(ctx, q, tier, payload, *tag, stdout)
	}
})

func enqueue(ctx context.Context, q taskqueue.Queue, tier dna.Tier, payload dna.Payload, tag string, stdout io.Writer) error {
	buf, err := payload.Encode()
	if err != nil {
		return err
	}
	task, err := q.Enqueue(ctx, tier.Queue, buf, tag)
	if err != nil {
		return fmt.Errorf("enqueue on tier %s: %w", tier.ID, err)
	}
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Tier":    tier.ID,
		"Queue":   tier.Queue,
		"TaskID":  task.ID,
		"Service": payload.Service(),
	}).Info("enqueued")
	_, err = fmt.Fprintln(stdout, task.ID)
	return err
}
