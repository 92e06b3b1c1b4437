// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&TierSuite{})

type TierSuite struct{}

func testTiers() []Tier {
	return []Tier{
		{ID: "l0", MachineType: "custom-1-6656", Zone: "europe-west1-b", Queue: "dna-tasks-l0", Quota: 8},
		{ID: "l1", MachineType: "n1-highmem-2", Zone: "europe-west2-b", Queue: "dna-tasks-l1", Quota: 8},
		{ID: "l2", MachineType: "n1-highmem-4", Zone: "europe-west3-b", Queue: "dna-tasks-l2", Quota: 4},
		{ID: "l3", MachineType: "n1-highmem-8", Zone: "europe-west3-b", Queue: "dna-tasks-l3", Quota: 1},
	}
}

func (s *TierSuite) TestNext(c *check.C) {
	cat, err := NewTierCatalog(testTiers())
	c.Assert(err, check.IsNil)
	c.Check(cat.Tiers(), check.HasLen, 4)

	next, ok := cat.Next("l0")
	c.Check(ok, check.Equals, true)
	c.Check(next.ID, check.Equals, "l1")

	next, ok = cat.Next("l2")
	c.Check(ok, check.Equals, true)
	c.Check(next.ID, check.Equals, "l3")

	_, ok = cat.Next("l3")
	c.Check(ok, check.Equals, false)
	_, ok = cat.Next("l9")
	c.Check(ok, check.Equals, false)

	t, ok := cat.Get("l2")
	c.Check(ok, check.Equals, true)
	c.Check(t.Queue, check.Equals, "dna-tasks-l2")
}

func (s *TierSuite) TestCatalogIsACopy(c *check.C) {
	tiers := testTiers()
	cat, err := NewTierCatalog(tiers)
	c.Assert(err, check.IsNil)
	tiers[0].Quota = 99
	t, _ := cat.Get("l0")
	c.Check(t.Quota, check.Equals, 8)
}

func (s *TierSuite) TestInvalid(c *check.C) {
	_, err := NewTierCatalog(nil)
	c.Check(err, check.ErrorMatches, `no tiers configured`)

	for _, trial := range []struct {
		mangle func([]Tier)
		err    string
	}{
		{func(t []Tier) { t[1].ID = "l0" }, `duplicate tier ID "l0"`},
		{func(t []Tier) { t[2].Queue = "dna-tasks-l1" }, `tiers l1 and l2 share queue .*`},
		{func(t []Tier) { t[3].MachineType = "n1-highmem-4" }, `tiers l2 and l3 share machine type .*`},
		{func(t []Tier) { t[0].Quota = -1 }, `tier l0: negative Quota -1`},
		{func(t []Tier) { t[0].Zone = "" }, `tier l0: empty Zone`},
		{func(t []Tier) { t[1].ID = "" }, `tier 1: empty ID`},
	} {
		tiers := testTiers()
		trial.mangle(tiers)
		_, err := NewTierCatalog(tiers)
		c.Check(err, check.ErrorMatches, trial.err)
	}
}
