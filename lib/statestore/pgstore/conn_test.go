// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pgstore

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ConnSuite{})

type ConnSuite struct{}

func (s *ConnSuite) TestConnString(c *check.C) {
	cfg := pgConfig{Connection: map[string]string{
		"Host":     "db.example",
		"password": `it's\secret`,
		"sslmode":  "",
	}}
	str := cfg.connString()
	c.Check(str, check.Matches, `.*host='db.example'.*`)
	c.Check(str, check.Matches, `.*password='it\\'s\\\\secret'.*`)
	c.Check(str, check.Not(check.Matches), `.*sslmode.*`)
}
