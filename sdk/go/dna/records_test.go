// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RecordSuite{})

type RecordSuite struct{}

func (s *RecordSuite) TestWorkerStatusForwardOnly(c *check.C) {
	order := []WorkerStatus{WorkerCreating, WorkerCreated, WorkerActive, WorkerDone}
	for i, from := range order {
		for j, to := range order {
			c.Check(from.CanAdvanceTo(to), check.Equals, j >= i, check.Commentf("%s -> %s", from, to))
		}
	}
	c.Check(WorkerStatus("BOGUS").Valid(), check.Equals, false)
	c.Check(WorkerActive.CanAdvanceTo("BOGUS"), check.Equals, false)
	c.Check(WorkerCreating.String(), check.Equals, "CREATING")
}

func (s *RecordSuite) TestPayload(c *check.C) {
	p, err := DecodePayload([]byte(`{"service":"ga","run_script":"gs://b/run.sh","days":3}`))
	c.Assert(err, check.IsNil)
	c.Check(p.Service(), check.Equals, "ga")
	c.Check(p.RunScript(), check.Equals, "gs://b/run.sh")
	buf, err := p.Encode()
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"days":3,"run_script":"gs://b/run.sh","service":"ga"}`)

	for _, bad := range []string{
		``,
		`[]`,
		`{"service":"ga"}`,
		`{"service":"","run_script":"x"}`,
		`{"service":1,"run_script":"x"}`,
		`{"service":"ga","run_script":"x"`,
	} {
		_, err := DecodePayload([]byte(bad))
		c.Check(err, check.NotNil, check.Commentf("%q", bad))
	}
}
