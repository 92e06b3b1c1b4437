// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package loopback is a cloud.InstanceSet that "creates" instances
// on the local host. Each instance optionally runs a local command
// (typically "dna-server worker ...") with the instance metadata in
// its environment.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"git.arvados.org/dna.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// Driver is the loopback implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type quotaError string

func (e quotaError) IsQuotaError() bool { return true }
func (e quotaError) Error() string      { return string(e) }

type loopbackConfig struct {
	// Maximum number of instances. Zero means no limit.
	MaxInstances int

	// Command to run for each instance. Empty means don't run
	// anything.
	Command []string
}

type instanceSet struct {
	config    loopbackConfig
	logger    logrus.FieldLogger
	instances map[string]*instance
	mtx       sync.Mutex
}

type instance struct {
	cloud.Instance
	cmd *exec.Cmd
}

func newInstanceSet(config json.RawMessage, _ string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		logger:    logger,
		instances: map[string]*instance{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.config); err != nil {
			return nil, err
		}
	}
	return is, nil
}

// metadataEnv converts {"ce-entity-id": "12"} to
// "DNA_META_CE_ENTITY_ID=12".
func metadataEnv(md []cloud.MetadataItem) []string {
	var env []string
	for _, item := range md {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(item.Key))
		env = append(env, "DNA_META_"+key+"="+item.Value)
	}
	return env
}

func (is *instanceSet) Create(ctx context.Context, config cloud.InstanceConfig) error {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	if _, exists := is.instances[config.Name]; exists {
		return nil
	}
	if max := is.config.MaxInstances; max > 0 && len(is.instances) >= max {
		return quotaError(fmt.Sprintf("loopback driver is at quota (%d instances)", max))
	}
	labels := map[string]string{}
	for k, v := range config.Labels {
		labels[k] = v
	}
	inst := &instance{Instance: cloud.Instance{
		Name:        config.Name,
		Zone:        config.Zone,
		MachineType: config.MachineType,
		Status:      "RUNNING",
		Labels:      labels,
	}}
	if len(is.config.Command) > 0 {
		cmd := exec.Command(is.config.Command[0], is.config.Command[1:]...)
		cmd.Env = append(os.Environ(), metadataEnv(config.Metadata)...)
		cmd.Env = append(cmd.Env, "DNA_INSTANCE_NAME="+config.Name)
		// Prevent child process from using our tty.
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := cmd.Start(); err != nil {
			return err
		}
		inst.cmd = cmd
		go is.wait(inst)
	}
	is.instances[config.Name] = inst
	is.logger.WithField("Instance", config.Name).Info("created loopback instance")
	return nil
}

func (is *instanceSet) wait(inst *instance) {
	err := inst.cmd.Wait()
	is.mtx.Lock()
	defer is.mtx.Unlock()
	inst.Status = "TERMINATED"
	is.logger.WithField("Instance", inst.Name).WithError(err).Info("loopback instance command exited")
}

func (is *instanceSet) Instances(ctx context.Context, zone string, labels map[string]string) ([]cloud.Instance, error) {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	var ret []cloud.Instance
insts:
	for _, inst := range is.instances {
		if inst.Zone != zone {
			continue
		}
		for k, v := range labels {
			if inst.Labels[k] != v {
				continue insts
			}
		}
		ret = append(ret, inst.Instance)
	}
	return ret, nil
}

func (is *instanceSet) Destroy(ctx context.Context, name, zone string) error {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	inst, ok := is.instances[name]
	if !ok || inst.Zone != zone {
		return fmt.Errorf("%w: %s in %s", cloud.ErrNotFound, name, zone)
	}
	if inst.cmd != nil && inst.Status != "TERMINATED" {
		inst.cmd.Process.Kill()
	}
	delete(is.instances, name)
	return nil
}

func (is *instanceSet) Stop() {
	is.mtx.Lock()
	defer is.mtx.Unlock()
	for _, inst := range is.instances {
		if inst.cmd != nil && inst.Status != "TERMINATED" {
			inst.cmd.Process.Kill()
		}
	}
}
