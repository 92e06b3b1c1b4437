// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"flag"
	"fmt"
	"io"

	"git.arvados.org/dna.git/lib/cmd"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/ghodss/yaml"
)

// loadForCommand parses the -config flag and loads the config. If
// ok is false, the command should exit with code.
func loadForCommand(prog string, args []string, stdin io.Reader, stderr io.Writer) (cfg *dna.Config, ok bool, code int) {
	loader := NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return nil, false, code
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, false, 1
	}
	return cfg, true, 0
}

// DumpCommand prints the effective config (the site config merged
// onto the defaults) as YAML.
var DumpCommand = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, ok, code := loadForCommand(prog, args, stdin, stderr)
	if !ok {
		return code
	}
	out, err := yaml.Marshal(cfg)
	if err == nil {
		_, err = stdout.Write(out)
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
})

// CheckCommand validates the site config and prints the tier ladder,
// smallest first. It exits 1 if the config is unusable.
var CheckCommand = cmd.HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, ok, code := loadForCommand(prog, args, stdin, stderr)
	if !ok {
		return code
	}
	tiers, err := dna.NewTierCatalog(cfg.Tiers)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	for _, t := range tiers.Tiers() {
		next := "(largest)"
		if n, ok := tiers.Next(t.ID); ok {
			next = "-> " + n.ID
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\tqueue=%s\tquota=%d\t%s\n", t.ID, t.MachineType, t.Zone, t.Queue, t.Quota, next)
	}
	return 0
})
