// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package ctxlog

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestContext(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "json", "info")
	ctx := Context(context.Background(), logger.WithField("Tier", "l1"))
	FromContext(ctx).Info("hello")
	FromContext(ctx).Debug("suppressed")

	var entry map[string]interface{}
	c.Assert(json.Unmarshal(buf.Bytes(), &entry), check.IsNil)
	c.Check(entry["Tier"], check.Equals, "l1")
	c.Check(entry["msg"], check.Equals, "hello")
	c.Check(entry["level"], check.Equals, "info")
}

func (s *suite) TestFromEmptyContext(c *check.C) {
	c.Check(FromContext(context.Background()), check.NotNil)
	c.Check(FromContext(nil), check.NotNil)
}

func (s *suite) TestTextFormat(c *check.C) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "debug")
	c.Check(logger.Level, check.Equals, logrus.DebugLevel)
	logger.WithField("Queue", "dna-tasks-l0").Debug("leasing")
	c.Check(buf.String(), check.Matches, `(?ms).*level=debug msg=leasing Queue=dna-tasks-l0.*`)
}
