// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"io"
	"os"

	"git.arvados.org/dna.git/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct {
	cfgfile string
}

func (s *CmdSuite) SetUpTest(c *check.C) {
	s.cfgfile = c.MkDir() + "/config.yml"
	err := os.WriteFile(s.cfgfile, []byte("Queue:\n  Driver: carrier-pigeon\n"), 0644)
	c.Assert(err, check.IsNil)
	os.Unsetenv("DNA_META_LEVEL")
	os.Unsetenv("DNA_META_CE_ENTITY_ID")
}

func (s *CmdSuite) TearDownTest(c *check.C) {
	os.Unsetenv("DNA_META_LEVEL")
	os.Unsetenv("DNA_META_CE_ENTITY_ID")
}

func (s *CmdSuite) TestMissingArgs(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stderr bytes.Buffer
	code := Command.RunCommand("worker", []string{"-config", s.cfgfile, "-worker-record", "3"}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no tier specified.*`)

	stderr.Reset()
	code = Command.RunCommand("worker", []string{"-config", s.cfgfile, "-tier", "l0"}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no worker record specified.*`)
}

func (s *CmdSuite) TestMetadataEnv(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	os.Setenv("DNA_META_LEVEL", "l0")
	os.Setenv("DNA_META_CE_ENTITY_ID", "12")
	var stderr bytes.Buffer
	code := Command.RunCommand("worker", []string{"-config", s.cfgfile}, nil, io.Discard, &stderr)
	c.Check(code, check.Equals, 1)
	// Flags were satisfied from the environment, so the failure
	// comes from setting up the queue.
	c.Check(stderr.String(), check.Matches, `(?ms).*unsupported queue driver \\"carrier-pigeon\\".*`)
}

func (s *CmdSuite) TestResultJSON(c *check.C) {
	buf, err := Result{TaskID: "t1", Service: "svc", Class: ClassEscalate, ExitCode: 137, EscalatedTo: "l1"}.MarshalJSON()
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"TaskID":"t1","Service":"svc","Class":"escalate","ExitCode":137,"EscalatedTo":"l1"}`)
}
