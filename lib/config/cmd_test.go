// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"strings"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := strings.NewReader("ProjectID: dna-test\n")
	code := DumpCommand.RunCommand("config-dump", []string{"-config", "-"}, in, &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	var out map[string]interface{}
	c.Assert(yaml.Unmarshal(stdout.Bytes(), &out), check.IsNil)
	c.Check(out["ProjectID"], check.Equals, "dna-test")
	c.Check(stdout.String(), check.Matches, `(?ms).*StartupTimeout: 3m0s.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", "-"}, strings.NewReader("ProjectID: x\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
	lines := strings.Split(strings.TrimSuffix(stdout.String(), "\n"), "\n")
	c.Assert(lines, check.HasLen, 4)
	c.Check(lines[0], check.Equals, "l0\tcustom-1-6656\teurope-west1-b\tqueue=dna-tasks-l0\tquota=8\t-> l1")
	c.Check(lines[3], check.Matches, `l3\t.*\tquota=1\t\(largest\)`)
}

func (s *CommandSuite) TestCheckInvalid(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-config", "-"}, strings.NewReader("Tiers: []\n"), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `Tiers: no tiers configured\n`)
}

func (s *CommandSuite) TestCheckBadFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := CheckCommand.RunCommand("config-check", []string{"-nope"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
}
