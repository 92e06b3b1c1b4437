// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskqueue defines the lease-based work queue used to hand
// tasks to workers.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrLeaseLost is returned (possibly wrapped) by Acknowledge when the
// task is no longer leased by the caller, e.g., because the lease
// expired and the task was leased again by someone else.
var ErrLeaseLost = errors.New("task lease lost")

// A Task is a leased or newly enqueued work item.
type Task struct {
	// Queue-assigned ID.
	ID string
	// When the current lease expires (for a leased task) or when
	// the task becomes available (for a new task). Queue
	// implementations use it to tell one lease from the next.
	ScheduleTime time.Time
	Payload      []byte
	Tag          string
}

// A Queue is an at-least-once, lease-based work queue. A leased task
// is not handed out again until its lease expires or it is
// acknowledged.
type Queue interface {
	// Add a task to the named queue.
	Enqueue(ctx context.Context, queue string, payload []byte, tag string) (Task, error)
	// Lease up to max tasks for duration d. Return an empty slice
	// (not an error) if no tasks are available.
	Lease(ctx context.Context, queue string, d time.Duration, max int) ([]Task, error)
	// Remove a leased task from its queue.
	Acknowledge(ctx context.Context, task Task) error
	// Return the number of tasks that could be leased now.
	CountPending(ctx context.Context, queue string) (int, error)
	Close() error
}

// A Driver returns a Queue that uses the given driver-dependent
// configuration parameters.
type Driver interface {
	Queue(config json.RawMessage, project string, logger logrus.FieldLogger) (Queue, error)
}

// DriverFunc makes a Driver using the provided function as its Queue
// method.
func DriverFunc(fn func(config json.RawMessage, project string, logger logrus.FieldLogger) (Queue, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(config json.RawMessage, project string, logger logrus.FieldLogger) (Queue, error)

func (df driverFunc) Queue(config json.RawMessage, project string, logger logrus.FieldLogger) (Queue, error) {
	return df(config, project, logger)
}
