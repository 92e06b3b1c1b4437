// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package queuetest checks that a taskqueue.Queue implementation
// has the lease semantics the worker and admission controller rely
// on.
package queuetest

import (
	"context"
	"errors"
	"sort"
	"time"

	"git.arvados.org/dna.git/lib/taskqueue"
	check "gopkg.in/check.v1"
)

// CheckLeaseAndAcknowledge enqueues two tasks on an empty queue and
// checks that each can be leased exactly once.
func CheckLeaseAndAcknowledge(c *check.C, q taskqueue.Queue, queue string) {
	ctx := context.Background()
	n, err := q.CountPending(ctx, queue)
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, 0)

	t1, err := q.Enqueue(ctx, queue, []byte(`{"service":"a","run_script":"x"}`), "tag-a")
	c.Assert(err, check.IsNil)
	c.Check(t1.ID, check.Not(check.Equals), "")
	_, err = q.Enqueue(ctx, queue, []byte(`{"service":"b","run_script":"x"}`), "")
	c.Assert(err, check.IsNil)

	n, err = q.CountPending(ctx, queue)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 2)

	var leased []taskqueue.Task
	for i := 0; i < 2; i++ {
		tasks, err := q.Lease(ctx, queue, time.Hour, 1)
		c.Assert(err, check.IsNil)
		c.Assert(tasks, check.HasLen, 1)
		leased = append(leased, tasks[0])
		n, err = q.CountPending(ctx, queue)
		c.Assert(err, check.IsNil)
		c.Check(n, check.Equals, 1-i)
	}
	tasks, err := q.Lease(ctx, queue, time.Hour, 1)
	c.Assert(err, check.IsNil)
	c.Check(tasks, check.HasLen, 0)

	var payloads []string
	for _, t := range leased {
		payloads = append(payloads, string(t.Payload))
		if t.ID == t1.ID {
			c.Check(t.Tag, check.Equals, "tag-a")
		}
	}
	sort.Strings(payloads)
	c.Check(payloads, check.DeepEquals, []string{`{"service":"a","run_script":"x"}`, `{"service":"b","run_script":"x"}`})
	c.Check(leased[0].ID, check.Not(check.Equals), leased[1].ID)

	for _, t := range leased {
		c.Check(q.Acknowledge(ctx, t), check.IsNil)
	}
	n, err = q.CountPending(ctx, queue)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)
	tasks, err = q.Lease(ctx, queue, time.Hour, 1)
	c.Assert(err, check.IsNil)
	c.Check(tasks, check.HasLen, 0)
}

// CheckLeaseExpiry checks that a task becomes available again after
// its lease expires, and that the expired lease can no longer be
// used to acknowledge it.
func CheckLeaseExpiry(c *check.C, q taskqueue.Queue, queue string, lease time.Duration) {
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue, []byte(`{"service":"a","run_script":"x"}`), "")
	c.Assert(err, check.IsNil)

	first, err := q.Lease(ctx, queue, lease, 1)
	c.Assert(err, check.IsNil)
	c.Assert(first, check.HasLen, 1)
	again, err := q.Lease(ctx, queue, lease, 1)
	c.Assert(err, check.IsNil)
	c.Check(again, check.HasLen, 0)

	time.Sleep(lease + lease/2)
	n, err := q.CountPending(ctx, queue)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 1)

	second, err := q.Lease(ctx, queue, time.Hour, 1)
	c.Assert(err, check.IsNil)
	c.Assert(second, check.HasLen, 1)
	c.Check(second[0].ID, check.Equals, first[0].ID)
	c.Check(string(second[0].Payload), check.Equals, string(first[0].Payload))

	err = q.Acknowledge(ctx, first[0])
	c.Check(errors.Is(err, taskqueue.ErrLeaseLost), check.Equals, true, check.Commentf("%v", err))
	c.Check(q.Acknowledge(ctx, second[0]), check.IsNil)

	n, err = q.CountPending(ctx, queue)
	c.Assert(err, check.IsNil)
	c.Check(n, check.Equals, 0)
}
