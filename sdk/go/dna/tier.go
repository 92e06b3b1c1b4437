// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	"errors"
	"fmt"
)

// A Tier is a class of worker capacity: a machine type in a zone,
// fed by its own queue, with a limit on concurrent workers.
type Tier struct {
	ID          string
	MachineType string
	Zone        string
	Queue       string
	Quota       int
}

// TierCatalog is an ordered, immutable list of tiers, smallest
// first.
type TierCatalog struct {
	tiers []Tier
	index map[string]int
}

// NewTierCatalog returns a catalog with the given tiers in the given
// order. IDs, queue names, and machine types must be unique.
func NewTierCatalog(tiers []Tier) (*TierCatalog, error) {
	if len(tiers) == 0 {
		return nil, errors.New("no tiers configured")
	}
	cat := &TierCatalog{
		tiers: append([]Tier(nil), tiers...),
		index: make(map[string]int, len(tiers)),
	}
	queues := map[string]string{}
	types := map[string]string{}
	for i, t := range cat.tiers {
		switch {
		case t.ID == "":
			return nil, fmt.Errorf("tier %d: empty ID", i)
		case t.MachineType == "":
			return nil, fmt.Errorf("tier %s: empty MachineType", t.ID)
		case t.Zone == "":
			return nil, fmt.Errorf("tier %s: empty Zone", t.ID)
		case t.Queue == "":
			return nil, fmt.Errorf("tier %s: empty Queue", t.ID)
		case t.Quota < 0:
			return nil, fmt.Errorf("tier %s: negative Quota %d", t.ID, t.Quota)
		}
		if _, dup := cat.index[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tier ID %q", t.ID)
		}
		if other, dup := queues[t.Queue]; dup {
			return nil, fmt.Errorf("tiers %s and %s share queue %q", other, t.ID, t.Queue)
		}
		if other, dup := types[t.MachineType]; dup {
			return nil, fmt.Errorf("tiers %s and %s share machine type %q", other, t.ID, t.MachineType)
		}
		cat.index[t.ID] = i
		queues[t.Queue] = t.ID
		types[t.MachineType] = t.ID
	}
	return cat, nil
}

// Tiers returns the tiers in ascending order. The caller must not
// modify the returned slice.
func (cat *TierCatalog) Tiers() []Tier {
	return cat.tiers
}

// Get returns the tier with the given ID.
func (cat *TierCatalog) Get(id string) (Tier, bool) {
	i, ok := cat.index[id]
	if !ok {
		return Tier{}, false
	}
	return cat.tiers[i], true
}

// Next returns the tier after the given one, or false if id is the
// largest tier (or unknown).
func (cat *TierCatalog) Next(id string) (Tier, bool) {
	i, ok := cat.index[id]
	if !ok || i+1 >= len(cat.tiers) {
		return Tier{}, false
	}
	return cat.tiers[i+1], true
}
