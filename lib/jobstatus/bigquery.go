// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"git.arvados.org/dna.git/lib/gcpauth"
	"github.com/sirupsen/logrus"
	bigquery "google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"
)

// ErrJobNotFound is returned (possibly wrapped) by
// BigQuerySource.Job when the job does not exist.
var ErrJobNotFound = errors.New("job not found")

// BigQuerySource is a JobSource that looks up BigQuery jobs.
type BigQuerySource struct {
	svc      *bigquery.Service
	project  string
	location string
}

// NewBigQuerySource returns a JobSource for jobs in the given
// project and location. An empty location means the job's location
// is determined by BigQuery.
func NewBigQuerySource(ctx context.Context, auth gcpauth.Config, project, location string, logger logrus.FieldLogger) (*BigQuerySource, error) {
	opts, err := gcpauth.ClientOptions(ctx, auth, logger, bigquery.BigqueryScope)
	if err != nil {
		return nil, err
	}
	svc, err := bigquery.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &BigQuerySource{svc: svc, project: project, location: location}, nil
}

func (bq *BigQuerySource) Job(ctx context.Context, jobID string) (JobState, error) {
	call := bq.svc.Jobs.Get(bq.project, jobID).Context(ctx)
	if bq.location != "" {
		call = call.Location(bq.location)
	}
	job, err := call.Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		return JobState{}, fmt.Errorf("%w: %w", ErrJobNotFound, err)
	} else if err != nil {
		return JobState{}, err
	}
	var js JobState
	if job.Status == nil {
		return js, nil
	}
	js.State = job.Status.State
	if job.Status.ErrorResult != nil {
		js.Failed = true
		for _, e := range job.Status.Errors {
			js.Errors = append(js.Errors, fmt.Sprintf("%s: %s", e.Reason, e.Message))
		}
		if len(js.Errors) == 0 {
			js.Errors = append(js.Errors, fmt.Sprintf("%s: %s", job.Status.ErrorResult.Reason, job.Status.ErrorResult.Message))
		}
	}
	return js, nil
}
