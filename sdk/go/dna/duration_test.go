// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	"encoding/json"
	"time"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestMarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	err := json.Unmarshal([]byte(`{"D":"3m"}`), &d)
	c.Check(err, check.IsNil)
	c.Check(d.D, check.Equals, Duration(3*time.Minute))
	buf, err := json.Marshal(d)
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, `{"D":"3m0s"}`)
	c.Check(d.D.Duration(), check.Equals, 3*time.Minute)
}

func (s *DurationSuite) TestUnmarshalJSON(c *check.C) {
	var d struct {
		D Duration
	}
	for _, trial := range []struct {
		in  string
		out time.Duration
		err bool
	}{
		{`{"D":"2h"}`, 2 * time.Hour, false},
		{`{"D":""}`, 0, false},
		{`{"D":0}`, 0, false},
		{`{"D":"1h30m"}`, 90 * time.Minute, false},
		{`{"D":"xyz"}`, 0, true},
		{`{"D":600}`, 0, true},
	} {
		d.D = 0
		err := json.Unmarshal([]byte(trial.in), &d)
		if trial.err {
			c.Check(err, check.NotNil, check.Commentf("%s", trial.in))
			continue
		}
		c.Check(err, check.IsNil, check.Commentf("%s", trial.in))
		c.Check(d.D.Duration(), check.Equals, trial.out)
	}
}
