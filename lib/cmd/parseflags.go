// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

// ParseFlags parses args with flags, which must have been created
// with flag.ContinueOnError. None of the dna-server subcommands take
// positional arguments, so any are reported as a usage error.
//
// When ok is false the caller should return exitCode right away: 0
// after -help, otherwise 2.
func ParseFlags(flags *flag.FlagSet, prog string, args []string, stderr io.Writer) (ok bool, exitCode int) {
	flags.SetOutput(io.Discard)
	err := flags.Parse(args)
	if errors.Is(err, flag.ErrHelp) {
		flags.SetOutput(stderr)
		if flags.Usage != nil {
			flags.Usage()
		} else {
			fmt.Fprintf(stderr, "Usage: %s [options]\n", prog)
			flags.PrintDefaults()
		}
		return false, 0
	} else if err != nil {
		fmt.Fprintf(stderr, "error parsing command line arguments: %s (try -help)\n", err)
		return false, 2
	} else if flags.NArg() > 0 {
		fmt.Fprintf(stderr, "unrecognized command line arguments: %v (try -help)\n", flags.Args())
		return false, 2
	}
	return true, 0
}
