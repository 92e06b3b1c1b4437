// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backend builds the compute, queue, state store, and object
// storage backends named in the site configuration.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/lib/cloud/ec2"
	"git.arvados.org/dna.git/lib/cloud/gce"
	"git.arvados.org/dna.git/lib/cloud/loopback"
	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/lib/statestore/pgstore"
	"git.arvados.org/dna.git/lib/storagesweep"
	"git.arvados.org/dna.git/lib/storagesweep/gcsstore"
	"git.arvados.org/dna.git/lib/storagesweep/s3store"
	"git.arvados.org/dna.git/lib/taskqueue"
	"git.arvados.org/dna.git/lib/taskqueue/amqpqueue"
	"git.arvados.org/dna.git/lib/taskqueue/cloudtasks"
	"git.arvados.org/dna.git/lib/taskqueue/redisqueue"
	"git.arvados.org/dna.git/sdk/go/dna"
	"git.arvados.org/dna.git/sdk/go/retry"
	"github.com/sirupsen/logrus"
)

var (
	cloudDrivers = map[string]cloud.Driver{
		"gce":      gce.Driver,
		"ec2":      ec2.Driver,
		"loopback": loopback.Driver,
	}
	queueDrivers = map[string]taskqueue.Driver{
		"cloudtasks": cloudtasks.Driver,
		"redis":      redisqueue.Driver,
		"amqp":       amqpqueue.Driver,
	}
	storeDrivers = map[string]statestore.Driver{
		"postgresql": pgstore.Driver,
	}
	storageDrivers = map[string]storagesweep.Driver{
		"gcs": gcsstore.Driver,
		"s3":  s3store.Driver,
	}

	// Drivers whose parameters embed gcpauth.Config.
	googleDrivers = map[string]bool{
		"gce":        true,
		"cloudtasks": true,
		"gcs":        true,
	}
)

// RetryPolicy returns the retry policy for remote calls.
func RetryPolicy(cfg *dna.Config) retry.Policy {
	return retry.Policy{
		Attempts:     cfg.Retry.Attempts,
		InitialDelay: cfg.Retry.InitialDelay.Duration(),
		MaxDelay:     cfg.Retry.MaxDelay.Duration(),
	}
}

// NewInstanceSet returns the configured compute backend, with
// retries and (if configured) rate limiting.
func NewInstanceSet(cfg *dna.Config, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	driver, ok := cloudDrivers[cfg.Compute.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported compute driver %q", cfg.Compute.Driver)
	}
	params, err := driverParameters(cfg, cfg.Compute.DriverConfig)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("ComputeDriver", cfg.Compute.Driver)
	is, err := driver.InstanceSet(params, cfg.ProjectID, logger)
	if err != nil {
		return nil, err
	}
	if maxops := cfg.Compute.MaxCloudOpsPerSecond; maxops > 0 {
		is = &rateLimitedInstanceSet{
			InstanceSet: is,
			ticker:      time.NewTicker(time.Second / time.Duration(maxops)),
		}
	}
	return cloud.WithRetry(is, RetryPolicy(cfg), logger), nil
}

// NewQueue returns the configured queue backend, with retries.
func NewQueue(cfg *dna.Config, logger logrus.FieldLogger) (taskqueue.Queue, error) {
	driver, ok := queueDrivers[cfg.Queue.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver)
	}
	params, err := driverParameters(cfg, cfg.Queue.DriverConfig)
	if err != nil {
		return nil, err
	}
	logger = logger.WithField("QueueDriver", cfg.Queue.Driver)
	q, err := driver.Queue(params, cfg.ProjectID, logger)
	if err != nil {
		return nil, err
	}
	return taskqueue.WithRetry(q, RetryPolicy(cfg), logger), nil
}

// NewStore returns the configured state store, with retries.
func NewStore(cfg *dna.Config, logger logrus.FieldLogger) (statestore.Store, error) {
	driver, ok := storeDrivers[cfg.Store.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
	logger = logger.WithField("StoreDriver", cfg.Store.Driver)
	st, err := driver.Store(cfg.Store.DriverParameters, logger)
	if err != nil {
		return nil, err
	}
	return statestore.WithRetry(st, RetryPolicy(cfg), logger), nil
}

// NewObjectStore returns the configured object storage backend.
func NewObjectStore(cfg *dna.Config, logger logrus.FieldLogger) (storagesweep.ObjectStore, error) {
	driver, ok := storageDrivers[cfg.Storage.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
	params, err := driverParameters(cfg, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return driver.ObjectStore(params, logger.WithField("StorageDriver", cfg.Storage.Driver))
}

// driverParameters returns dc.DriverParameters, adding the
// site-wide GoogleCredentialsFile for Google drivers that don't
// specify their own.
func driverParameters(cfg *dna.Config, dc dna.DriverConfig) (json.RawMessage, error) {
	if !googleDrivers[dc.Driver] {
		return dc.DriverParameters, nil
	}
	return WithCredentialsFile(dc.DriverParameters, cfg.GoogleCredentialsFile)
}

// WithCredentialsFile returns params with a CredentialsFile key set
// to file, unless file is empty or params already has one.
func WithCredentialsFile(params json.RawMessage, file string) (json.RawMessage, error) {
	if file == "" {
		return params, nil
	}
	m := map[string]json.RawMessage{}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &m); err != nil {
			return nil, fmt.Errorf("decode DriverParameters: %w", err)
		}
	}
	if _, ok := m["CredentialsFile"]; ok {
		return params, nil
	}
	m["CredentialsFile"], _ = json.Marshal(file)
	return json.Marshal(m)
}

type rateLimitedInstanceSet struct {
	cloud.InstanceSet
	ticker *time.Ticker
}

func (is *rateLimitedInstanceSet) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-is.ticker.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (is *rateLimitedInstanceSet) Create(ctx context.Context, config cloud.InstanceConfig) error {
	if err := is.wait(ctx); err != nil {
		return err
	}
	return is.InstanceSet.Create(ctx, config)
}

func (is *rateLimitedInstanceSet) Destroy(ctx context.Context, name, zone string) error {
	if err := is.wait(ctx); err != nil {
		return err
	}
	return is.InstanceSet.Destroy(ctx, name, zone)
}

func (is *rateLimitedInstanceSet) Stop() {
	is.ticker.Stop()
	is.InstanceSet.Stop()
}
