// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskqueue

import (
	"context"
	"errors"
	"time"

	"git.arvados.org/dna.git/sdk/go/retry"
	"github.com/sirupsen/logrus"
)

// WithRetry returns a Queue that retries failed calls to q according
// to policy. ErrLeaseLost is returned without retrying.
func WithRetry(q Queue, policy retry.Policy, logger logrus.FieldLogger) Queue {
	return &retryQueue{Queue: q, policy: policy, logger: logger}
}

type retryQueue struct {
	Queue
	policy retry.Policy
	logger logrus.FieldLogger
}

func (rq *retryQueue) Enqueue(ctx context.Context, queue string, payload []byte, tag string) (Task, error) {
	var task Task
	err := retry.Do(ctx, rq.policy, rq.logger.WithField("Queue", queue), "enqueue", func(ctx context.Context) error {
		var err error
		task, err = rq.Queue.Enqueue(ctx, queue, payload, tag)
		return err
	})
	return task, err
}

func (rq *retryQueue) Lease(ctx context.Context, queue string, d time.Duration, max int) ([]Task, error) {
	var tasks []Task
	err := retry.Do(ctx, rq.policy, rq.logger.WithField("Queue", queue), "lease", func(ctx context.Context) error {
		var err error
		tasks, err = rq.Queue.Lease(ctx, queue, d, max)
		return err
	})
	return tasks, err
}

func (rq *retryQueue) Acknowledge(ctx context.Context, task Task) error {
	return retry.Do(ctx, rq.policy, rq.logger.WithField("TaskID", task.ID), "acknowledge", func(ctx context.Context) error {
		err := rq.Queue.Acknowledge(ctx, task)
		if errors.Is(err, ErrLeaseLost) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (rq *retryQueue) CountPending(ctx context.Context, queue string) (int, error) {
	var n int
	err := retry.Do(ctx, rq.policy, rq.logger.WithField("Queue", queue), "count pending", func(ctx context.Context) error {
		var err error
		n, err = rq.Queue.CountPending(ctx, queue)
		return err
	})
	return n, err
}
