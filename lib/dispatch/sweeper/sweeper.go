// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package sweeper reclaims worker instances that have finished or
// failed to start, and deletes their records.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Reasons for deleting a worker record, used as metric labels.
const (
	ReasonNeverCreated   = "never_created"
	ReasonStartupTimeout = "startup_timeout"
	ReasonDone           = "done"
)

// SweepReport describes what Sweep did.
type SweepReport struct {
	// Records deleted, by reason.
	Deleted map[string]int
	// Instances destroyed (or found to be already gone).
	Destroyed int
	// Records left alone.
	Kept int
}

// PurgeReport describes what Purge did.
type PurgeReport struct {
	Workers int
	Runs    int
}

type Sweeper struct {
	instanceSet    cloud.InstanceSet
	store          statestore.Store
	startupTimeout time.Duration
	logger         logrus.FieldLogger
	now            func() time.Time

	mDeleted *prometheus.CounterVec
}

// New returns a Sweeper. Metrics are registered with reg, or with a
// private registry if reg is nil.
func New(cfg *dna.Config, is cloud.InstanceSet, st statestore.Store, logger logrus.FieldLogger, reg *prometheus.Registry) *Sweeper {
	sw := &Sweeper{
		instanceSet:    is,
		store:          st,
		startupTimeout: cfg.Compute.StartupTimeout.Duration(),
		logger:         logger,
		now:            time.Now,
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	sw.mDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "sweeper",
		Name:      "deleted_total",
		Help:      "Number of worker records deleted by the compute cleanup job.",
	}, []string{"reason"})
	reg.MustRegister(sw.mDeleted)
	return sw
}

// Sweep examines every worker record:
//
// A record whose instance was never confirmed created (status
// CREATING) is deleted once it is older than the startup timeout,
// not immediately. Younger ones may belong to a launch in progress.
//
// A CREATED record older than the startup timeout, or a DONE record,
// has its instance destroyed and is then deleted. An instance that
// is already gone does not prevent deleting the record.
//
// ACTIVE records, and CREATED records within the startup timeout,
// are left alone.
//
// Errors on one record do not stop the sweep. All errors are
// returned together.
func (sw *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{Deleted: map[string]int{}}
	wrs, err := sw.store.Workers(ctx)
	if err != nil {
		return report, fmt.Errorf("list worker records: %w", err)
	}
	now := sw.now()
	var errs []error
	for _, wr := range wrs {
		logger := sw.logger.WithFields(logrus.Fields{
			"WorkerRecord": wr.ID,
			"Instance":     wr.Name,
			"Status":       wr.Status.String(),
		})
		age := now.Sub(wr.CreatedAt)
		var reason string
		switch {
		case wr.Status == dna.WorkerCreating && age > sw.startupTimeout:
			reason = ReasonNeverCreated
		case wr.Status == dna.WorkerCreated && age > sw.startupTimeout:
			reason = ReasonStartupTimeout
		case wr.Status == dna.WorkerDone:
			reason = ReasonDone
		default:
			report.Kept++
			continue
		}
		if reason != ReasonNeverCreated {
			err := sw.instanceSet.Destroy(ctx, wr.Name, wr.Zone)
			if errors.Is(err, cloud.ErrNotFound) {
				logger.Info("instance already gone")
			} else if err != nil {
				errs = append(errs, fmt.Errorf("destroy instance %s: %w", wr.Name, err))
				continue
			}
			report.Destroyed++
		}
		if err := sw.store.DeleteWorker(ctx, wr.ID); err != nil && !errors.Is(err, statestore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete worker record %d: %w", wr.ID, err))
			continue
		}
		report.Deleted[reason]++
		sw.mDeleted.WithLabelValues(reason).Inc()
		logger.WithFields(logrus.Fields{
			"Reason": reason,
			"Age":    age.Truncate(time.Second).String(),
		}).Info("deleted worker record")
	}
	return report, errors.Join(errs...)
}

// Purge deletes every worker and run record, regardless of status.
// It does not touch instances.
func (sw *Sweeper) Purge(ctx context.Context) (PurgeReport, error) {
	var report PurgeReport
	var errs []error
	wrs, err := sw.store.Workers(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list worker records: %w", err))
	}
	for _, wr := range wrs {
		if err := sw.store.DeleteWorker(ctx, wr.ID); err != nil && !errors.Is(err, statestore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete worker record %d: %w", wr.ID, err))
			continue
		}
		report.Workers++
	}
	rrs, err := sw.store.Runs(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list run records: %w", err))
	}
	for _, rr := range rrs {
		if err := sw.store.DeleteRun(ctx, rr.ID); err != nil && !errors.Is(err, statestore.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete run record %d: %w", rr.ID, err))
			continue
		}
		report.Runs++
	}
	sw.logger.WithFields(logrus.Fields{
		"Workers": report.Workers,
		"Runs":    report.Runs,
	}).Info("purged records")
	return report, errors.Join(errs...)
}
