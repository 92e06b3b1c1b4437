// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatch runs the controller service: HTTP endpoints (and
// optional internal cron schedules) that trigger the admission
// controller, the compute sweeper, the record purge, the storage
// sweep, and the BigQuery job status check.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"git.arvados.org/dna.git/lib/dispatch/admission"
	"git.arvados.org/dna.git/lib/dispatch/sweeper"
	"git.arvados.org/dna.git/lib/jobstatus"
	"git.arvados.org/dna.git/lib/storagesweep"
	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"git.arvados.org/dna.git/sdk/go/dna"
	"git.arvados.org/dna.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Job names.
const (
	JobTaskManager      = "task-manager"
	JobComputeCleanup   = "cleanup-compute"
	JobDatastoreCleanup = "cleanup-datastore"
	JobStorageCleanup   = "cleanup-storage"
	JobBigQueryCheck    = "check-bqjobs"
)

const welcome = "Welcome to the DNA controller!\n"

// ErrBusy is returned by RunJob when the job is already running.
var ErrBusy = errors.New("job is already running")

var jobNeeds = map[string]need{
	JobTaskManager:      needCompute | needQueue | needStore,
	JobComputeCleanup:   needCompute | needStore,
	JobDatastoreCleanup: needStore,
	JobStorageCleanup:   needStore | needObjects,
	JobBigQueryCheck:    needStore | needJobSource,
}

type jobFunc func(context.Context) (interface{}, error)

type job struct {
	name     string
	path     string
	needs    need
	schedule string
	run      jobFunc
	running  sync.Mutex
}

type dispatcher struct {
	Config   *dna.Config
	Context  context.Context
	Registry *prometheus.Registry
	Backends *Backends

	logger      logrus.FieldLogger
	jobs        map[string]*job
	mRuns       *prometheus.CounterVec
	cron        *cron.Cron
	httpHandler http.Handler
	setupErr    error
	sweeper     *sweeper.Sweeper

	setupOnce sync.Once
	stopped   chan struct{}
}

// Start sets up jobs, routes, and schedules. Start can be called
// multiple times with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	return disp.setupErr
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

func (disp *dispatcher) setup() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stopped = make(chan struct{})
	if disp.Backends == nil {
		disp.Backends = &Backends{}
	}
	if disp.Registry == nil {
		disp.Registry = prometheus.NewRegistry()
	}
	disp.mRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dna",
		Subsystem: "cron",
		Name:      "runs_total",
		Help:      "Number of job runs, by job and result (success, failure, or busy).",
	}, []string{"job", "result"})
	disp.Registry.MustRegister(disp.mRuns)

	disp.jobs = map[string]*job{}
	for _, j := range disp.defineJobs() {
		if disp.Backends.has(j.needs) {
			disp.jobs[j.name] = j
		}
	}

	mux := httprouter.New()
	mux.HandlerFunc("GET", "/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(welcome))
	})
	for _, j := range disp.jobs {
		mux.Handler("GET", j.path, httpserver.RequireToken(disp.Config.ManagementToken, disp.serveJob(j)))
	}
	disp.httpHandler = mux

	disp.cron = cron.New(cron.WithLogger(cron.PrintfLogger(disp.logger)))
	for _, name := range disp.jobNames() {
		j := disp.jobs[name]
		if j.schedule == "" {
			continue
		}
		_, err := disp.cron.AddFunc(j.schedule, func() {
			_, err := disp.RunJob(disp.Context, j.name)
			if err != nil && !errors.Is(err, ErrBusy) {
				disp.logger.WithField("Job", j.name).WithError(err).Error("scheduled run failed")
			}
		})
		if err != nil {
			disp.setupErr = fmt.Errorf("schedule for %s (%q): %w", j.name, j.schedule, err)
			disp.Backends.Close()
			close(disp.stopped)
			return
		}
		disp.logger.WithFields(logrus.Fields{"Job": j.name, "Schedule": j.schedule}).Info("scheduled")
	}
	disp.cron.Start()
	go func() {
		<-disp.Context.Done()
		<-disp.cron.Stop().Done()
		if err := disp.Backends.Close(); err != nil {
			disp.logger.WithError(err).Warn("error closing backends")
		}
		close(disp.stopped)
	}()
}

func (disp *dispatcher) defineJobs() []*job {
	b := disp.Backends
	sched := disp.Config.Schedules
	return []*job{
		{
			name:     JobTaskManager,
			path:     "/core/cron/compute",
			needs:    jobNeeds[JobTaskManager],
			schedule: sched.TaskManager,
			run:      disp.admissionJob(),
		},
		{
			name:     JobComputeCleanup,
			path:     "/core/cron/cleanup/compute",
			needs:    jobNeeds[JobComputeCleanup],
			schedule: sched.ComputeCleanup,
			run: disp.sweeperJob(func(sw *sweeper.Sweeper, ctx context.Context) (interface{}, error) {
				return sw.Sweep(ctx)
			}),
		},
		{
			name:     JobDatastoreCleanup,
			path:     "/core/cron/cleanup/datastore",
			needs:    jobNeeds[JobDatastoreCleanup],
			schedule: sched.DatastoreCleanup,
			run: disp.sweeperJob(func(sw *sweeper.Sweeper, ctx context.Context) (interface{}, error) {
				return sw.Purge(ctx)
			}),
		},
		{
			name:     JobStorageCleanup,
			path:     "/core/cron/cleanup/storage",
			needs:    jobNeeds[JobStorageCleanup],
			schedule: sched.StorageCleanup,
			run: func(ctx context.Context) (interface{}, error) {
				return storagesweep.New(b.Store, b.Objects, ctxlog.FromContext(ctx)).Sweep(ctx)
			},
		},
		{
			name:     JobBigQueryCheck,
			path:     "/core/cron/check/bqjobs",
			needs:    jobNeeds[JobBigQueryCheck],
			schedule: sched.BigQueryCheck,
			run: func(ctx context.Context) (interface{}, error) {
				return jobstatus.NewPoller(b.Store, b.JobSource, ctxlog.FromContext(ctx)).Poll(ctx)
			},
		},
	}
}

func (disp *dispatcher) admissionJob() jobFunc {
	b := disp.Backends
	if !b.has(jobNeeds[JobTaskManager]) {
		return nil
	}
	tiers, err := dna.NewTierCatalog(disp.Config.Tiers)
	if err != nil {
		return func(context.Context) (interface{}, error) { return nil, err }
	}
	ac := admission.New(disp.Config, tiers, b.InstanceSet, b.Queue, b.Store, disp.logger, disp.Registry)
	return func(ctx context.Context) (interface{}, error) { return ac.Reconcile(ctx) }
}

// sweeperJob returns a jobFunc that calls fn with a Sweeper shared by
// the compute cleanup and datastore cleanup jobs.
func (disp *dispatcher) sweeperJob(fn func(*sweeper.Sweeper, context.Context) (interface{}, error)) jobFunc {
	b := disp.Backends
	if b.Store == nil {
		return nil
	}
	if disp.sweeper == nil {
		disp.sweeper = sweeper.New(disp.Config, b.InstanceSet, b.Store, disp.logger, disp.Registry)
	}
	sw := disp.sweeper
	return func(ctx context.Context) (interface{}, error) { return fn(sw, ctx) }
}

func (disp *dispatcher) jobNames() []string {
	var names []string
	for name := range disp.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunJob runs the named job and returns its report. If the job is
// already running, it returns ErrBusy without running it again.
func (disp *dispatcher) RunJob(ctx context.Context, name string) (interface{}, error) {
	disp.Start()
	j, ok := disp.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q is not available", name)
	}
	if !j.running.TryLock() {
		disp.mRuns.WithLabelValues(name, "busy").Inc()
		return nil, fmt.Errorf("%s: %w", name, ErrBusy)
	}
	defer j.running.Unlock()
	logger := ctxlog.FromContext(ctx).WithField("Job", name)
	ctx = ctxlog.Context(ctx, logger)
	logger.Info("starting")
	report, err := j.run(ctx)
	if err != nil {
		disp.mRuns.WithLabelValues(name, "failure").Inc()
		logger.WithError(err).Warn("finished with errors")
		return report, err
	}
	disp.mRuns.WithLabelValues(name, "success").Inc()
	logger.WithField("Report", report).Info("finished")
	return report, nil
}

func (disp *dispatcher) serveJob(j *job) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The job keeps running if the client hangs up.
		ctx := ctxlog.Context(disp.Context, httpserver.Logger(r))
		_, err := disp.RunJob(ctx, j.name)
		if errors.Is(err, ErrBusy) {
			err = httpserver.WithStatus(http.StatusConflict, err)
		}
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("OK"))
	})
}
