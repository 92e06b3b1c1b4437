// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/lib/config"
	"git.arvados.org/dna.git/lib/dispatch"
	"git.arvados.org/dna.git/lib/worker"
)

// "dna-server -config x.yml controller" works the same as
// "dna-server controller -config x.yml".
var handler = cmd.WithLateSubcommand(cmd.Multi(map[string]cmd.Handler{
	"version":   cmd.Version,
	"-version":  cmd.Version,
	"--version": cmd.Version,

	"config-check": config.CheckCommand,
	"config-dump":  config.DumpCommand,

	"controller": dispatch.Command,
	"worker":     worker.Command,
	"enqueue":    dispatch.EnqueueCommand,

	dispatch.JobTaskManager:      dispatch.JobCommand(dispatch.JobTaskManager),
	dispatch.JobComputeCleanup:   dispatch.JobCommand(dispatch.JobComputeCleanup),
	dispatch.JobDatastoreCleanup: dispatch.JobCommand(dispatch.JobDatastoreCleanup),
	dispatch.JobStorageCleanup:   dispatch.JobCommand(dispatch.JobStorageCleanup),
	dispatch.JobBigQueryCheck:    dispatch.JobCommand(dispatch.JobBigQueryCheck),
}), []string{"config"}, nil)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
