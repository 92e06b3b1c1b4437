// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"git.arvados.org/dna.git/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ExecutorSuite{})

type ExecutorSuite struct {
	dir string
	se  *ShellExecutor
}

func (s *ExecutorSuite) SetUpTest(c *check.C) {
	s.dir = c.MkDir()
	s.se = &ShellExecutor{Shell: "sh", WorkDir: s.dir, Logger: ctxlog.TestLogger(c)}
}

func (s *ExecutorSuite) script(c *check.C, body string) string {
	fnm := filepath.Join(s.dir, "job.sh")
	c.Assert(os.WriteFile(fnm, []byte(body), 0644), check.IsNil)
	return fnm
}

func (s *ExecutorSuite) job(runScript string) Job {
	return Job{Queue: "q0", TaskID: "t1", Tier: "l0", Service: "svc", RunScript: runScript}
}

func (s *ExecutorSuite) TestSuccess(c *check.C) {
	fnm := s.script(c, `
set -e
test "$1" = q0
test "$2" = t1
test "$DNA_QUEUE" = q0
test "$DNA_TASK_ID" = t1
test "$DNA_TIER" = l0
test "$DNA_SERVICE" = svc
echo hello
touch ran-here
`)
	es, err := s.se.Execute(context.Background(), s.job(fnm))
	c.Assert(err, check.IsNil)
	c.Check(es, check.Equals, ExitStatus{})
	_, err = os.Stat(filepath.Join(s.dir, "ran-here"))
	c.Check(err, check.IsNil)
}

func (s *ExecutorSuite) TestResultFile(c *check.C) {
	fnm := s.script(c, `printf '{"bigquery_job_id":"%s-%s"}' "$1" "$2" > "$DNA_RESULT_FILE"`)
	es, err := s.se.Execute(context.Background(), s.job(fnm))
	c.Assert(err, check.IsNil)
	c.Check(es.BigQueryJobID, check.Equals, "q0-t1")
}

func (s *ExecutorSuite) TestBadResultFile(c *check.C) {
	fnm := s.script(c, `echo nope > "$DNA_RESULT_FILE"`)
	es, err := s.se.Execute(context.Background(), s.job(fnm))
	c.Assert(err, check.IsNil)
	c.Check(es, check.Equals, ExitStatus{})
}

func (s *ExecutorSuite) TestExitCode(c *check.C) {
	fnm := s.script(c, `exit 137`)
	es, err := s.se.Execute(context.Background(), s.job(fnm))
	c.Assert(err, check.IsNil)
	c.Check(es.Code, check.Equals, 137)
	c.Check(es.Signal, check.Equals, syscall.Signal(0))
	c.Check(es.String(), check.Equals, "exit code 137")
}

func (s *ExecutorSuite) TestKilled(c *check.C) {
	fnm := s.script(c, `kill -9 $$`)
	es, err := s.se.Execute(context.Background(), s.job(fnm))
	c.Assert(err, check.IsNil)
	c.Check(es.Code, check.Equals, -1)
	c.Check(es.Signal, check.Equals, syscall.SIGKILL)
	c.Check(es.String(), check.Equals, "killed by signal 9 (SIGKILL)")
}

func (s *ExecutorSuite) TestShellOptions(c *check.C) {
	s.se.Shell = `sh -e -c 'false; echo "$0 $1 $2" > args'`
	es, err := s.se.Execute(context.Background(), s.job("script"))
	c.Assert(err, check.IsNil)
	c.Check(es.Code, check.Equals, 1)
	_, err = os.Stat(filepath.Join(s.dir, "args"))
	c.Check(os.IsNotExist(err), check.Equals, true)

	s.se.Shell = `sh -c 'echo "$0 $1 $2" > args'`
	es, err = s.se.Execute(context.Background(), s.job("script"))
	c.Assert(err, check.IsNil)
	c.Check(es.Code, check.Equals, 0)
	buf, err := os.ReadFile(filepath.Join(s.dir, "args"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "script q0 t1\n")
}

func (s *ExecutorSuite) TestEmptyShell(c *check.C) {
	s.se.Shell = "  "
	_, err := s.se.Execute(context.Background(), s.job("job.sh"))
	c.Check(err, check.ErrorMatches, `start job: empty shell command`)
}

func (s *ExecutorSuite) TestCannotStart(c *check.C) {
	s.se.Shell = "/nonexistent/sh"
	_, err := s.se.Execute(context.Background(), s.job("job.sh"))
	c.Check(err, check.ErrorMatches, `start job: .*`)
}
