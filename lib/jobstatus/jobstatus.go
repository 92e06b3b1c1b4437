// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobstatus updates the BigQuery job status of run records.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/sirupsen/logrus"
)

// Running is the BigQueryJobStatus of a run record whose job has not
// been seen to finish.
const Running = "RUNNING"

// JobState is what a JobSource reports about a job.
type JobState struct {
	// "PENDING", "RUNNING", or "DONE".
	State string
	// Non-empty if the job failed.
	Errors []string
	Failed bool
}

// A JobSource looks up jobs by ID.
type JobSource interface {
	Job(ctx context.Context, jobID string) (JobState, error)
}

// PollReport describes what Poll did.
type PollReport struct {
	Checked int
	Updated int
	Failed  int
}

type Poller struct {
	store  statestore.Store
	source JobSource
	logger logrus.FieldLogger
}

func NewPoller(st statestore.Store, src JobSource, logger logrus.FieldLogger) *Poller {
	return &Poller{store: st, source: src, logger: logger}
}

// Poll looks up the job of each run record whose BigQueryJobStatus
// is RUNNING, and saves the job's current state. A failed job's
// status is set to FAILED and its error messages are saved in the
// record's Error field.
func (p *Poller) Poll(ctx context.Context) (PollReport, error) {
	var report PollReport
	rrs, err := p.store.Runs(ctx)
	if err != nil {
		return report, fmt.Errorf("list run records: %w", err)
	}
	var errs []error
	for _, rr := range rrs {
		if rr.BigQueryJobStatus != Running || rr.BigQueryJobID == "" {
			continue
		}
		report.Checked++
		logger := p.logger.WithFields(logrus.Fields{
			"RunRecord":     rr.ID,
			"BigQueryJobID": rr.BigQueryJobID,
		})
		js, err := p.source.Job(ctx, rr.BigQueryJobID)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", rr.BigQueryJobID, err))
			continue
		}
		updated := rr
		if js.Failed {
			updated.BigQueryJobStatus = string(dna.RunFailed)
			updated.Error = strings.Join(js.Errors, "; ")
			report.Failed++
		} else {
			updated.BigQueryJobStatus = js.State
		}
		if updated == rr {
			continue
		}
		if err := p.store.UpdateRun(ctx, updated); err != nil {
			errs = append(errs, fmt.Errorf("update run record %d: %w", rr.ID, err))
			continue
		}
		report.Updated++
		logger.WithField("BigQueryJobStatus", updated.BigQueryJobStatus).Info("updated job status")
	}
	return report, errors.Join(errs...)
}
