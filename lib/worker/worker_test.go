// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"git.arvados.org/dna.git/lib/dispatch/test"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&WorkerSuite{})

// stubExecutor returns the ExitStatus for the job's service, or
// success if there isn't one.
type stubExecutor struct {
	status map[string]ExitStatus
	err    error
	ran    []Job
}

func (se *stubExecutor) Execute(ctx context.Context, job Job) (ExitStatus, error) {
	se.ran = append(se.ran, job)
	if se.err != nil {
		return ExitStatus{}, se.err
	}
	return se.status[job.Service], nil
}

type WorkerSuite struct {
	ctx      context.Context
	tiers    *dna.TierCatalog
	queue    *test.Queue
	store    *test.Store
	executor *stubExecutor
	recordID int64
}

func (s *WorkerSuite) SetUpTest(c *check.C) {
	s.ctx = context.Background()
	s.tiers = test.TierCatalog(2, 2, 1)
	s.queue = &test.Queue{}
	s.store = &test.Store{}
	s.executor = &stubExecutor{status: map[string]ExitStatus{}}
	wr := dna.WorkerRecord{Name: "w", Zone: "zone-0", Tier: "l0", CreatedAt: time.Now(), Status: dna.WorkerCreated}
	c.Assert(s.store.InsertWorker(s.ctx, &wr), check.IsNil)
	s.recordID = wr.ID
}

func (s *WorkerSuite) newWorker(c *check.C, tierID string) *Worker {
	w, err := New(test.Config(s.tiers.Tiers()...), s.tiers, tierID, s.recordID, s.queue, s.store, s.executor, ctxlog.TestLogger(c), nil)
	c.Assert(err, check.IsNil)
	return w
}

func (s *WorkerSuite) enqueue(c *check.C, queue string, payloads ...[]byte) {
	for _, p := range payloads {
		_, err := s.queue.Enqueue(s.ctx, queue, p, "")
		c.Assert(err, check.IsNil)
	}
}

func (s *WorkerSuite) checkStatusChanges(c *check.C) {
	c.Check(s.store.StatusChanges(), check.DeepEquals, []test.StatusChange{
		{ID: s.recordID, From: dna.WorkerCreated, To: dna.WorkerActive},
		{ID: s.recordID, From: dna.WorkerActive, To: dna.WorkerDone},
	})
}

func (s *WorkerSuite) TestUnknownTier(c *check.C) {
	_, err := New(test.Config(), s.tiers, "l9", s.recordID, s.queue, s.store, s.executor, ctxlog.TestLogger(c), nil)
	c.Check(err, check.ErrorMatches, `unknown tier "l9"`)
}

func (s *WorkerSuite) TestDrainQueue(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1), test.Payload(2))
	s.executor.status["svc2"] = ExitStatus{BigQueryJobID: "job_2"}
	w := s.newWorker(c, "l0")
	summary, err := w.Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Leased, check.Equals, 2)
	c.Check(summary.Succeeded, check.Equals, 2)
	c.Check(summary.Failed, check.HasLen, 0)
	c.Check(s.queue.Contents("q0"), check.HasLen, 0)
	s.checkStatusChanges(c)

	c.Assert(s.executor.ran, check.HasLen, 2)
	c.Check(s.executor.ran[0], check.DeepEquals, Job{Queue: "q0", TaskID: "task-1", Tier: "l0", Service: "svc1", RunScript: "gs://bucket/svc1.sh"})

	rrs, err := s.store.Runs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(rrs, check.HasLen, 2)
	for _, rr := range rrs {
		c.Check(rr.Status, check.Equals, dna.RunDone)
		c.Check(rr.Tier, check.Equals, "l0")
	}
	c.Check(rrs[0].BigQueryJobID, check.Equals, "")
	c.Check(rrs[1].BigQueryJobID, check.Equals, "job_2")
	c.Check(rrs[1].BigQueryJobStatus, check.Equals, "RUNNING")
	c.Check(testutil.ToFloat64(w.mAttempts.WithLabelValues("l0", "success")), check.Equals, 2.0)
}

func (s *WorkerSuite) TestEmptyQueue(c *check.C) {
	summary, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary, check.DeepEquals, Summary{})
	s.checkStatusChanges(c)
}

func (s *WorkerSuite) TestEscalate(c *check.C) {
	oom := test.Payload(1)
	s.enqueue(c, "q0", oom, test.Payload(2))
	s.executor.status["svc1"] = ExitStatus{Code: 137}
	w := s.newWorker(c, "l0")
	summary, err := w.Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Leased, check.Equals, 2)
	c.Check(summary.Escalated, check.Equals, 1)
	c.Check(summary.Succeeded, check.Equals, 1)
	c.Check(summary.Failed, check.HasLen, 0)

	// The payload appears once, unchanged, on the next tier, and
	// the original is gone.
	c.Check(s.queue.Contents("q0"), check.HasLen, 0)
	c.Check(s.queue.Contents("q1"), check.DeepEquals, []string{string(oom)})
	c.Check(s.queue.Contents("q2"), check.HasLen, 0)

	// Enqueue on the next tier happens before the original is
	// acknowledged.
	var ops []test.QueueEvent
	for _, ev := range s.queue.Events() {
		if ev.Op != "enqueue" || ev.Queue != "q0" {
			ops = append(ops, ev)
		}
	}
	c.Assert(ops, check.HasLen, 3)
	c.Check(ops[0].Op+" "+ops[0].Queue, check.Equals, "enqueue q1")
	c.Check(ops[1], check.Equals, test.QueueEvent{Op: "ack", Queue: "q0", TaskID: "task-1", Payload: string(oom)})
	c.Check(ops[2].Op+" "+ops[2].TaskID, check.Equals, "ack task-2")

	rrs, err := s.store.Runs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(rrs[0].Status, check.Equals, dna.RunFailed)
	c.Check(rrs[0].Error, check.Equals, "out of memory (exit code 137)")
	c.Check(testutil.ToFloat64(w.mEscalations.WithLabelValues("l0", "l1")), check.Equals, 1.0)
	s.checkStatusChanges(c)
}

func (s *WorkerSuite) TestEscalateOnSIGKILL(c *check.C) {
	s.enqueue(c, "q1", test.Payload(1))
	s.executor.status["svc1"] = ExitStatus{Code: -1, Signal: syscall.SIGKILL}
	summary, err := s.newWorker(c, "l1").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Escalated, check.Equals, 1)
	c.Check(s.queue.Contents("q2"), check.DeepEquals, []string{string(test.Payload(1))})
}

func (s *WorkerSuite) TestOOMOnLargestTier(c *check.C) {
	s.enqueue(c, "q2", test.Payload(1))
	s.executor.status["svc1"] = ExitStatus{Code: 137}
	summary, err := s.newWorker(c, "l2").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Escalated, check.Equals, 0)
	c.Assert(summary.Failed, check.HasLen, 1)
	c.Check(summary.Failed[0].Class, check.Equals, ClassEscalate)
	c.Check(summary.Failed[0].ExitCode, check.Equals, 137)
	c.Check(summary.Failed[0].Err, check.ErrorMatches, `out of memory on largest tier l2: .*`)

	// Nothing enqueued anywhere, and the original is left leased.
	for _, ev := range s.queue.Events() {
		c.Check(ev.Op == "enqueue" && ev.Queue != "q2", check.Equals, false)
		c.Check(ev.Op, check.Not(check.Equals), "ack")
	}
	c.Check(s.queue.Contents("q2"), check.HasLen, 1)
	s.checkStatusChanges(c)
}

func (s *WorkerSuite) TestTerminalFailure(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1), test.Payload(2))
	s.executor.status["svc1"] = ExitStatus{Code: 2}
	summary, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(summary.Leased, check.Equals, 2)
	c.Check(summary.Succeeded, check.Equals, 1)
	c.Assert(summary.Failed, check.HasLen, 1)
	c.Check(summary.Failed[0].Class, check.Equals, ClassTerminal)
	c.Check(summary.Failed[0].TaskID, check.Equals, "task-1")
	c.Check(summary.Failed[0].Service, check.Equals, "svc1")
	c.Check(summary.Failed[0].Err, check.ErrorMatches, `job failed \(exit code 2\)`)

	// The failed task was not acknowledged.
	c.Check(s.queue.Contents("q0"), check.DeepEquals, []string{string(test.Payload(1))})
	c.Check(s.queue.Contents("q1"), check.HasLen, 0)
	rrs, err := s.store.Runs(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(rrs[0].Status, check.Equals, dna.RunFailed)
	c.Check(rrs[0].Error, check.Equals, "job failed (exit code 2)")
}

func (s *WorkerSuite) TestBadPayload(c *check.C) {
	s.enqueue(c, "q0", []byte(`{"service":"x"}`))
	summary, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(summary.Failed, check.HasLen, 1)
	c.Check(summary.Failed[0].Class, check.Equals, ClassTerminal)
	c.Check(s.executor.ran, check.HasLen, 0)
}

func (s *WorkerSuite) TestExecutorError(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1))
	s.executor.err = errors.New("start job: no such file")
	summary, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(summary.Failed, check.HasLen, 1)
	c.Check(summary.Failed[0].Class, check.Equals, ClassTransient)
	c.Check(s.queue.Contents("q0"), check.HasLen, 1)
}

func (s *WorkerSuite) TestEnqueueErrorDuringEscalation(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1))
	s.executor.status["svc1"] = ExitStatus{Code: 137}
	s.queue.EnqueueErr = errors.New("queue unavailable")
	summary, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Assert(err, check.IsNil)
	c.Assert(summary.Failed, check.HasLen, 1)
	c.Check(summary.Failed[0].Err, check.ErrorMatches, `enqueue on tier l1: queue unavailable`)
	// The original stays put, to be leased again later.
	c.Check(s.queue.Contents("q0"), check.HasLen, 1)
}

func (s *WorkerSuite) TestLeaseError(c *check.C) {
	s.queue.LeaseErr = errors.New("queue unavailable")
	_, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Check(err, check.ErrorMatches, `lease: queue unavailable`)
	s.checkStatusChanges(c)
}

func (s *WorkerSuite) TestCancelled(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	summary, err := s.newWorker(c, "l0").Run(ctx)
	c.Check(errors.Is(err, context.Canceled), check.Equals, true)
	c.Check(summary.Leased, check.Equals, 0)
	s.checkStatusChanges(c)
}

func (s *WorkerSuite) TestMissingRecord(c *check.C) {
	s.enqueue(c, "q0", test.Payload(1))
	c.Assert(s.store.DeleteWorker(s.ctx, s.recordID), check.IsNil)
	_, err := s.newWorker(c, "l0").Run(s.ctx)
	c.Check(err, check.ErrorMatches, `set worker record \d+ active: .*record not found`)
	c.Check(s.executor.ran, check.HasLen, 0)
}
