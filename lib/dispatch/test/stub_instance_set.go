// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"git.arvados.org/dna.git/lib/cloud"
)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

// StubInstanceSet implements cloud.InstanceSet in memory.
type StubInstanceSet struct {
	// If MaxInstances > 0, Create returns a quota error when
	// that many instances exist.
	MaxInstances int

	// If not nil, returned by every call to the corresponding
	// method.
	ListErr    error
	CreateErr  error
	DestroyErr error

	// Set to make(chan bool) to hold Create calls until Release
	// is called.
	Hold chan bool

	mtx       sync.Mutex
	instances map[string]cloud.Instance
	created   []cloud.InstanceConfig
	destroyed []string
	stopped   bool
}

// AddInstance adds an instance as if it had been created by someone
// else.
func (sis *StubInstanceSet) AddInstance(inst cloud.Instance) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.instances == nil {
		sis.instances = map[string]cloud.Instance{}
	}
	sis.instances[inst.Name] = inst
}

func (sis *StubInstanceSet) Instances(ctx context.Context, zone string, labels map[string]string) ([]cloud.Instance, error) {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.ListErr != nil {
		return nil, sis.ListErr
	}
	var insts []cloud.Instance
	for _, inst := range sis.instances {
		if zone != "" && inst.Zone != zone {
			continue
		}
		match := true
		for k, v := range labels {
			if inst.Labels[k] != v {
				match = false
			}
		}
		if match {
			insts = append(insts, inst)
		}
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].Name < insts[j].Name })
	return insts, nil
}

func (sis *StubInstanceSet) Create(ctx context.Context, config cloud.InstanceConfig) error {
	if sis.Hold != nil {
		sis.Hold <- true
	}
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.stopped {
		return errors.New("StubInstanceSet: Create called after Stop")
	}
	if sis.CreateErr != nil {
		return sis.CreateErr
	}
	if sis.MaxInstances > 0 && len(sis.instances) >= sis.MaxInstances {
		return quotaError(fmt.Sprintf("quota exceeded: %d instances", len(sis.instances)))
	}
	if sis.instances == nil {
		sis.instances = map[string]cloud.Instance{}
	}
	labels := map[string]string{}
	for k, v := range config.Labels {
		labels[k] = v
	}
	sis.instances[config.Name] = cloud.Instance{
		Name:        config.Name,
		Zone:        config.Zone,
		MachineType: config.MachineType,
		Status:      "RUNNING",
		Labels:      labels,
	}
	sis.created = append(sis.created, config)
	return nil
}

func (sis *StubInstanceSet) Destroy(ctx context.Context, name, zone string) error {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	if sis.DestroyErr != nil {
		return sis.DestroyErr
	}
	inst, ok := sis.instances[name]
	if !ok || inst.Zone != zone {
		return fmt.Errorf("%w: %s in %s", cloud.ErrNotFound, name, zone)
	}
	delete(sis.instances, name)
	sis.destroyed = append(sis.destroyed, name)
	return nil
}

func (sis *StubInstanceSet) Stop() {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	sis.stopped = true
}

// Release n held calls. Blocks if n calls aren't already
// waiting. Blocks forever if Hold is nil.
func (sis *StubInstanceSet) Release(n int) {
	for i := 0; i < n; i++ {
		<-sis.Hold
	}
}

// Created returns the configs passed to successful Create calls.
func (sis *StubInstanceSet) Created() []cloud.InstanceConfig {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return append([]cloud.InstanceConfig(nil), sis.created...)
}

// Destroyed returns the names of instances destroyed so far.
func (sis *StubInstanceSet) Destroyed() []string {
	sis.mtx.Lock()
	defer sis.mtx.Unlock()
	return append([]string(nil), sis.destroyed...)
}
