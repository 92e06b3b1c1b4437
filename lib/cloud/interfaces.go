// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// A RateLimitError should be returned by an InstanceSet when the
// cloud service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by an InstanceSet when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// IsQuotaError returns true if err, or an error it wraps, is a
// QuotaError whose IsQuotaError method returns true.
func IsQuotaError(err error) bool {
	var qe QuotaError
	return errors.As(err, &qe) && qe.IsQuotaError()
}

// ErrNotFound is returned (possibly wrapped) by Destroy when the
// instance does not exist.
var ErrNotFound = errors.New("instance not found")

// MetadataItem is a key/value pair made available to the instance's
// startup and shutdown scripts.
type MetadataItem struct {
	Key   string
	Value string
}

// InstanceConfig describes an instance to be created.
type InstanceConfig struct {
	Name        string
	Zone        string
	MachineType string

	ServiceAccount string
	Scopes         []string

	// Boot image. Drivers that don't have image families (ec2)
	// take an image ID from their own driver parameters instead.
	ImageProject string
	ImageFamily  string

	// Labels are attached to the instance so it can be found by
	// Instances() later.
	Labels   map[string]string
	Metadata []MetadataItem
}

// Instance is a snapshot of a cloud VM as reported by the provider.
type Instance struct {
	Name string
	Zone string
	// Short machine type name, like "n1-highmem-2", not a
	// resource path.
	MachineType string
	// Provider-specific status, like "RUNNING" or "STOPPING".
	Status string
	Labels map[string]string
}

// An InstanceSet manages a set of VM instances created by an elastic
// cloud provider like GCE or AWS.
//
// All public methods of an InstanceSet are goroutine safe.
type InstanceSet interface {
	// Return all instances in the given zone, including ones
	// that are booting or shutting down, that have all of the
	// given labels.
	Instances(ctx context.Context, zone string, labels map[string]string) ([]Instance, error)

	// Create a new instance. The returned error should
	// implement RateLimitError and QuotaError where applicable.
	Create(ctx context.Context, config InstanceConfig) error

	// Destroy the named instance. If it does not exist, return
	// an error that wraps ErrNotFound.
	Destroy(ctx context.Context, name, zone string) error

	// Stop any background tasks and release other resources.
	Stop()
}

// A Driver returns an InstanceSet that uses the given
// driver-dependent configuration parameters and operates in the
// given project.
//
// Example:
//
//	type exampleInstanceSet struct {
//		project   string
//		AccessKey string
//	}
//
//	type exampleDriver struct {}
//
//	func (*exampleDriver) InstanceSet(config json.RawMessage, project string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
//		var is exampleInstanceSet
//		if err := json.Unmarshal(config, &is); err != nil {
//			return nil, err
//		}
//		is.project = project
//		return &is, nil
//	}
type Driver interface {
	InstanceSet(config json.RawMessage, project string, logger logrus.FieldLogger) (InstanceSet, error)
}

// DriverFunc makes a Driver using the provided function as its
// InstanceSet method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(config json.RawMessage, project string, logger logrus.FieldLogger) (InstanceSet, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, project string, logger logrus.FieldLogger) (InstanceSet, error)

func (df driverFunc) InstanceSet(config json.RawMessage, project string, logger logrus.FieldLogger) (InstanceSet, error) {
	return df(config, project, logger)
}
