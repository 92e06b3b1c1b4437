// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package worker is the main loop of a worker instance: lease a task
// from the tier's queue, run it, and acknowledge it or move it to
// the next tier.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"syscall"
	"time"

	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/lib/taskqueue"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Class is the outcome of one attempt to run a task.
type Class int

const (
	// The job succeeded and the task was acknowledged.
	ClassSuccess Class = iota
	// The job could not be run (e.g., the executor or state store
	// failed). The task is left to be leased again.
	ClassTransient
	// The job ran out of memory: it exited with the configured OOM
	// exit code, or was killed by SIGKILL (the kernel OOM killer).
	// The task is moved to the next tier, or reported as failed if
	// there is none.
	ClassEscalate
	// The job failed. The task is left to be leased again after
	// its lease expires.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassTransient:
		return "transient"
	case ClassEscalate:
		return "escalate"
	case ClassTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// Result is the outcome of one attempt.
type Result struct {
	TaskID   string
	Service  string
	Class    Class
	ExitCode int
	Err      error
	// Tier the task was moved to, if any.
	EscalatedTo string
}

// MarshalJSON encodes Class and Err as strings.
func (r Result) MarshalJSON() ([]byte, error) {
	var errmsg string
	if r.Err != nil {
		errmsg = r.Err.Error()
	}
	return json.Marshal(struct {
		TaskID      string
		Service     string
		Class       string
		ExitCode    int
		Err         string `json:",omitempty"`
		EscalatedTo string `json:",omitempty"`
	}{r.TaskID, r.Service, r.Class.String(), r.ExitCode, errmsg, r.EscalatedTo})
}

// Summary describes what Run did.
type Summary struct {
	Leased    int
	Succeeded int
	Escalated int
	// Attempts that did not end with the task being acknowledged,
	// including out-of-memory failures on the largest tier.
	Failed []Result
}

// Worker runs tasks from one tier's queue.
type Worker struct {
	cfg      *dna.Config
	tiers    *dna.TierCatalog
	tier     dna.Tier
	recordID int64
	queue    taskqueue.Queue
	store    statestore.Store
	executor Executor
	logger   logrus.FieldLogger
	now      func() time.Time

	mAttempts    *prometheus.CounterVec
	mEscalations *prometheus.CounterVec
}

// New returns a Worker for the given tier and worker record.
// Metrics are registered with reg, or with a private registry if reg
// is nil.
func New(cfg *dna.Config, tiers *dna.TierCatalog, tierID string, recordID int64, q taskqueue.Queue, st statestore.Store, exr Executor, logger logrus.FieldLogger, reg *prometheus.Registry) (*Worker, error) {
	tier, ok := tiers.Get(tierID)
	if !ok {
		return nil, fmt.Errorf("unknown tier %q", tierID)
	}
	w := &Worker{
		cfg:      cfg,
		tiers:    tiers,
		tier:     tier,
		recordID: recordID,
		queue:    q,
		store:    st,
		executor: exr,
		logger: logger.WithFields(logrus.Fields{
			"Tier":         tier.ID,
			"Queue":        tier.Queue,
			"WorkerRecord": recordID,
		}),
		now: time.Now,
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	w.mAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "worker",
		Name:      "attempts_total",
		Help:      "Number of task attempts, by outcome.",
	}, []string{"tier", "class"})
	reg.MustRegister(w.mAttempts)
	w.mEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "worker",
		Name:      "escalations_total",
		Help:      "Number of tasks moved to a larger tier after running out of memory.",
	}, []string{"from", "to"})
	reg.MustRegister(w.mEscalations)
	return w, nil
}

// Run marks the worker record ACTIVE, runs tasks one at a time until
// the queue is empty, and marks the worker record DONE.
//
// Failed attempts are reported in the summary and do not stop the
// loop. Run returns an error if the worker record cannot be updated
// or the queue cannot be leased from; in the latter case the record
// is still marked DONE.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := w.store.SetWorkerStatus(ctx, w.recordID, dna.WorkerActive); err != nil {
		return summary, fmt.Errorf("set worker record %d active: %w", w.recordID, err)
	}
	w.logger.Info("worker active")

	var loopErr error
	for {
		if err := ctx.Err(); err != nil {
			loopErr = err
			break
		}
		tasks, err := w.queue.Lease(ctx, w.tier.Queue, w.cfg.Queue.LeaseDuration.Duration(), 1)
		if err != nil {
			loopErr = fmt.Errorf("lease: %w", err)
			break
		}
		if len(tasks) == 0 {
			break
		}
		summary.Leased++
		res := w.handle(ctx, tasks[0])
		w.mAttempts.WithLabelValues(w.tier.ID, res.Class.String()).Inc()
		switch {
		case res.Class == ClassSuccess:
			summary.Succeeded++
		case res.EscalatedTo != "":
			summary.Escalated++
			w.mEscalations.WithLabelValues(w.tier.ID, res.EscalatedTo).Inc()
		default:
			summary.Failed = append(summary.Failed, res)
		}
	}

	if loopErr != nil {
		w.logger.WithError(loopErr).Error("stopped leasing tasks")
	}
	// Mark DONE even if ctx was cancelled, so the instance gets
	// cleaned up.
	err := w.store.SetWorkerStatus(context.WithoutCancel(ctx), w.recordID, dna.WorkerDone)
	if err != nil {
		err = fmt.Errorf("set worker record %d done: %w", w.recordID, err)
	}
	w.logger.WithFields(logrus.Fields{
		"Leased":    summary.Leased,
		"Succeeded": summary.Succeeded,
		"Escalated": summary.Escalated,
		"Failed":    len(summary.Failed),
	}).Info("worker done")
	return summary, errors.Join(loopErr, err)
}

// handle runs one leased task and acknowledges or escalates it as
// appropriate.
func (w *Worker) handle(ctx context.Context, task taskqueue.Task) Result {
	logger := w.logger.WithField("TaskID", task.ID)
	res := w.attempt(ctx, task, logger)
	logger = logger.WithFields(logrus.Fields{
		"Service":  res.Service,
		"Class":    res.Class.String(),
		"ExitCode": res.ExitCode,
	})
	switch res.Class {
	case ClassSuccess:
		if err := w.queue.Acknowledge(ctx, task); err != nil {
			// The job did its work, but another worker may
			// run it again after the lease expires.
			logger.WithError(err).Warn("error acknowledging finished task")
		}
		logger.Info("task succeeded")
	case ClassEscalate:
		next, ok := w.tiers.Next(w.tier.ID)
		if !ok {
			res.Err = fmt.Errorf("out of memory on largest tier %s: %w", w.tier.ID, res.Err)
			logger.WithError(res.Err).Error("task failed")
			break
		}
		// Enqueue first: if the acknowledgement fails the task
		// may run twice, but it is never lost.
		if _, err := w.queue.Enqueue(ctx, next.Queue, task.Payload, task.Tag); err != nil {
			res.Err = fmt.Errorf("enqueue on tier %s: %w", next.ID, err)
			logger.WithError(res.Err).Error("could not escalate task")
			break
		}
		res.EscalatedTo = next.ID
		if err := w.queue.Acknowledge(ctx, task); err != nil {
			logger.WithError(err).Warn("escalated task but could not acknowledge original; it may run again on this tier")
		}
		logger.WithField("NextTier", next.ID).Info("task escalated")
	default:
		logger.WithError(res.Err).Warn("task failed, leaving it for redelivery")
	}
	return res
}

// attempt decodes the payload and runs the job, recording the
// attempt in a RunRecord.
func (w *Worker) attempt(ctx context.Context, task taskqueue.Task, logger logrus.FieldLogger) Result {
	res := Result{TaskID: task.ID}
	payload, err := dna.DecodePayload(task.Payload)
	if err != nil {
		res.Class, res.Err = ClassTerminal, err
		return res
	}
	res.Service = payload.Service()

	rr := dna.RunRecord{
		Created: w.now(),
		Service: payload.Service(),
		Tier:    w.tier.ID,
		TaskID:  task.ID,
		Status:  dna.RunRunning,
	}
	if err := w.store.InsertRun(ctx, &rr); err != nil {
		res.Class, res.Err = ClassTransient, fmt.Errorf("insert run record: %w", err)
		return res
	}

	es, err := w.executor.Execute(ctx, Job{
		Queue:     w.tier.Queue,
		TaskID:    task.ID,
		Tier:      w.tier.ID,
		Service:   payload.Service(),
		RunScript: payload.RunScript(),
	})
	res.ExitCode = es.Code
	switch {
	case err != nil:
		res.Class, res.Err = ClassTransient, err
	case ctx.Err() != nil:
		// Killed because we are shutting down.
		res.Class, res.Err = ClassTransient, ctx.Err()
	case es.Code == 0 && es.Signal == 0:
		res.Class = ClassSuccess
	case es.Code == w.cfg.Worker.OOMExitCode || es.Signal == syscall.SIGKILL:
		res.Class, res.Err = ClassEscalate, fmt.Errorf("out of memory (%s)", es)
	default:
		res.Class, res.Err = ClassTerminal, fmt.Errorf("job failed (%s)", es)
	}

	if res.Class == ClassSuccess {
		rr.Status = dna.RunDone
		if es.BigQueryJobID != "" {
			rr.BigQueryJobID = es.BigQueryJobID
			rr.BigQueryJobStatus = "RUNNING"
		}
	} else {
		rr.Status = dna.RunFailed
		rr.Error = res.Err.Error()
	}
	if err := w.store.UpdateRun(context.WithoutCancel(ctx), rr); err != nil {
		logger.WithError(err).Warn("error updating run record")
	}
	return res
}
