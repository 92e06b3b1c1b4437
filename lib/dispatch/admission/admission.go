// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package admission launches worker instances for each tier when
// its queue has pending tasks and the tier is below quota.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/lib/taskqueue"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Instances in these states no longer count against the tier quota.
var stoppedStatus = map[string]bool{
	"TERMINATED": true,
	"terminated": true,
	"STOPPED":    true,
	"stopped":    true,
}

// TierReport describes what Reconcile did for one tier.
type TierReport struct {
	Tier     string
	Running  int
	Pending  int
	PoolSize int
	Launched int
	// Create failed with a quota error before PoolSize instances
	// were launched.
	QuotaExhausted bool
}

// Report describes what Reconcile did.
type Report struct {
	Tiers []TierReport
}

// Launched returns the total number of instances launched.
func (r Report) Launched() int {
	n := 0
	for _, tr := range r.Tiers {
		n += tr.Launched
	}
	return n
}

// Controller sizes the worker pool of each tier.
type Controller struct {
	cfg         *dna.Config
	tiers       *dna.TierCatalog
	instanceSet cloud.InstanceSet
	queue       taskqueue.Queue
	store       statestore.Store
	logger      logrus.FieldLogger

	// Overridden by tests.
	now       func() time.Time
	newSuffix func() string

	mRunning  *prometheus.GaugeVec
	mPending  *prometheus.GaugeVec
	mLaunched *prometheus.CounterVec
}

// New returns a Controller. Metrics are registered with reg, or
// with a private registry if reg is nil.
func New(cfg *dna.Config, tiers *dna.TierCatalog, is cloud.InstanceSet, q taskqueue.Queue, st statestore.Store, logger logrus.FieldLogger, reg *prometheus.Registry) *Controller {
	ac := &Controller{
		cfg:         cfg,
		tiers:       tiers,
		instanceSet: is,
		queue:       q,
		store:       st,
		logger:      logger,
		now:         time.Now,
		newSuffix: func() string {
			return strings.Replace(uuid.NewString(), "-", "", -1)
		},
	}
	ac.registerMetrics(reg)
	return ac
}

func (ac *Controller) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ac.mRunning = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "admission",
		Name:      "running_instances",
		Help:      "Number of instances of each tier seen at the last reconcile, including ones still booting.",
	}, []string{"tier"})
	reg.MustRegister(ac.mRunning)
	ac.mPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dna",
		Subsystem: "admission",
		Name:      "pending_tasks",
		Help:      "Number of leasable tasks in each tier's queue at the last reconcile.",
	}, []string{"tier"})
	reg.MustRegister(ac.mPending)
	ac.mLaunched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "admission",
		Name:      "launched_total",
		Help:      "Number of instances launched.",
	}, []string{"tier"})
	reg.MustRegister(ac.mLaunched)
}

// Reconcile launches up to min(quota - running, pending) instances
// for each tier, in tier order.
//
// A quota error from the compute backend stops launching for that
// tier only. Any other error ends the reconcile pass and is
// returned, along with a report of what was done so far.
func (ac *Controller) Reconcile(ctx context.Context) (Report, error) {
	var report Report
	for _, tier := range ac.tiers.Tiers() {
		tr, err := ac.reconcileTier(ctx, tier)
		report.Tiers = append(report.Tiers, tr)
		if err != nil {
			return report, fmt.Errorf("tier %s: %w", tier.ID, err)
		}
	}
	return report, nil
}

func (ac *Controller) reconcileTier(ctx context.Context, tier dna.Tier) (TierReport, error) {
	tr := TierReport{Tier: tier.ID}
	logger := ac.logger.WithField("Tier", tier.ID)

	insts, err := ac.instanceSet.Instances(ctx, tier.Zone, map[string]string{ac.cfg.Compute.TierLabel: tier.ID})
	if err != nil {
		return tr, fmt.Errorf("list instances: %w", err)
	}
	for _, inst := range insts {
		if !stoppedStatus[inst.Status] {
			tr.Running++
		}
	}
	ac.mRunning.WithLabelValues(tier.ID).Set(float64(tr.Running))

	tr.Pending, err = ac.queue.CountPending(ctx, tier.Queue)
	if err != nil {
		return tr, fmt.Errorf("count pending tasks: %w", err)
	}
	ac.mPending.WithLabelValues(tier.ID).Set(float64(tr.Pending))

	tr.PoolSize = tier.Quota - tr.Running
	if tr.Pending < tr.PoolSize {
		tr.PoolSize = tr.Pending
	}
	if tr.PoolSize < 0 {
		tr.PoolSize = 0
	}
	logger.WithFields(logrus.Fields{
		"Running":  tr.Running,
		"Pending":  tr.Pending,
		"Quota":    tier.Quota,
		"PoolSize": tr.PoolSize,
	}).Info("reconcile")

	for seq := 0; seq < tr.PoolSize; seq++ {
		err := ac.launch(ctx, tier, seq, logger)
		if cloud.IsQuotaError(err) {
			logger.WithError(err).Warn("quota exceeded, not launching more instances for this tier")
			tr.QuotaExhausted = true
			break
		} else if err != nil {
			return tr, err
		}
		tr.Launched++
		ac.mLaunched.WithLabelValues(tier.ID).Inc()
	}
	return tr, nil
}

// launch records and creates one instance.
func (ac *Controller) launch(ctx context.Context, tier dna.Tier, seq int, logger logrus.FieldLogger) error {
	machineID := fmt.Sprintf("%s-%d", tier.ID, seq)
	wr := dna.WorkerRecord{
		Name:      strings.ToLower(fmt.Sprintf("dna-machine-%s-%s", machineID, ac.newSuffix())),
		Zone:      tier.Zone,
		Tier:      tier.ID,
		MachineID: machineID,
		CreatedAt: ac.now(),
		Status:    dna.WorkerCreating,
	}
	if err := ac.store.InsertWorker(ctx, &wr); err != nil {
		return fmt.Errorf("insert worker record: %w", err)
	}
	logger = logger.WithFields(logrus.Fields{
		"Instance":     wr.Name,
		"WorkerRecord": wr.ID,
	})

	err := ac.instanceSet.Create(ctx, cloud.InstanceConfig{
		Name:           wr.Name,
		Zone:           tier.Zone,
		MachineType:    tier.MachineType,
		ServiceAccount: ac.cfg.Compute.ServiceAccount,
		Scopes:         ac.cfg.Compute.Scopes,
		ImageProject:   ac.cfg.Compute.ImageProject,
		ImageFamily:    ac.cfg.Compute.ImageFamily,
		Labels:         map[string]string{ac.cfg.Compute.TierLabel: tier.ID},
		Metadata: []cloud.MetadataItem{
			{Key: "startup-script-url", Value: ac.cfg.Compute.StartupScriptURL},
			{Key: "shutdown-script-url", Value: ac.cfg.Compute.ShutdownScriptURL},
			{Key: "machine-id", Value: machineID},
			{Key: "ce-entity-id", Value: strconv.FormatInt(wr.ID, 10)},
			{Key: "project-root", Value: ac.cfg.ProjectRoot},
			{Key: "level", Value: tier.ID},
		},
	})
	if cloud.IsQuotaError(err) {
		// The instance was never created, so the record can go
		// now instead of waiting for the sweeper.
		if derr := ac.store.DeleteWorker(ctx, wr.ID); derr != nil {
			logger.WithError(derr).Warn("error deleting worker record after quota error")
		}
		return err
	} else if err != nil {
		return fmt.Errorf("create instance %s: %w", wr.Name, err)
	}

	err = ac.store.SetWorkerStatus(ctx, wr.ID, dna.WorkerCreated)
	if errors.Is(err, statestore.ErrStatusRegression) {
		// The worker booted and updated its own record before
		// we got here.
		logger.WithError(err).Info("launched instance, worker record already advanced")
		return nil
	} else if err != nil {
		return fmt.Errorf("set worker record %d status: %w", wr.ID, err)
	}
	logger.Info("launched instance")
	return nil
}
