// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest has helpers for testing dna-server subcommands.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck replaces os.Stdout and os.Stderr with temporary files
// and returns a func that restores them and fails the test if
// anything was written there. Subcommands must write only to the
// stdout and stderr passed to RunCommand.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		...
//	}
func LeakCheck(c *check.C) func() {
	capture := func() *os.File {
		f, err := os.CreateTemp(c.MkDir(), "leak-")
		c.Assert(err, check.IsNil)
		return f
	}
	origOut, origErr := os.Stdout, os.Stderr
	fakeOut, fakeErr := capture(), capture()
	os.Stdout, os.Stderr = fakeOut, fakeErr
	return func() {
		os.Stdout, os.Stderr = origOut, origErr
		for name, f := range map[string]*os.File{"stdout": fakeOut, "stderr": fakeErr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			f.Close()
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
		}
	}
}
