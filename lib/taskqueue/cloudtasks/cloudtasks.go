// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cloudtasks is a taskqueue.Queue backed by Google Cloud
// Tasks pull queues (API v2beta2).
package cloudtasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"git.arvados.org/dna.git/lib/gcpauth"
	"git.arvados.org/dna.git/lib/taskqueue"
	"github.com/sirupsen/logrus"
	tasks "google.golang.org/api/cloudtasks/v2beta2"
	"google.golang.org/api/googleapi"
)

// Driver is the Cloud Tasks implementation of taskqueue.Driver.
var Driver = taskqueue.DriverFunc(newQueue)

type cloudTasksConfig struct {
	gcpauth.Config
	Location string
}

type queue struct {
	project  string
	location string
	svc      *tasks.Service
	logger   logrus.FieldLogger
}

func newQueue(config json.RawMessage, project string, logger logrus.FieldLogger) (taskqueue.Queue, error) {
	var cfg cloudTasksConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	if project == "" {
		return nil, errors.New("cloudtasks driver: ProjectID is not configured")
	}
	if cfg.Location == "" {
		cfg.Location = "us-central1"
	}
	ctx := context.Background()
	opts, err := gcpauth.ClientOptions(ctx, cfg.Config, logger, tasks.CloudPlatformScope)
	if err != nil {
		return nil, err
	}
	svc, err := tasks.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &queue{
		project:  project,
		location: cfg.Location,
		svc:      svc,
		logger:   logger,
	}, nil
}

func (q *queue) parent(name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", q.project, q.location, name)
}

func decodePayload(s string) ([]byte, error) {
	buf, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		buf, err = base64.StdEncoding.DecodeString(s)
	}
	return buf, err
}

func convertTask(t *tasks.Task) (taskqueue.Task, error) {
	task := taskqueue.Task{ID: t.Name}
	if t.ScheduleTime != "" {
		st, err := time.Parse(time.RFC3339Nano, t.ScheduleTime)
		if err != nil {
			return task, fmt.Errorf("task %s: bad scheduleTime %q: %w", t.Name, t.ScheduleTime, err)
		}
		task.ScheduleTime = st
	}
	if t.PullMessage != nil {
		payload, err := decodePayload(t.PullMessage.Payload)
		if err != nil {
			return task, fmt.Errorf("task %s: decoding payload: %w", t.Name, err)
		}
		task.Payload = payload
		task.Tag = t.PullMessage.Tag
	}
	return task, nil
}

func (q *queue) Enqueue(ctx context.Context, queue string, payload []byte, tag string) (taskqueue.Task, error) {
	t, err := q.svc.Projects.Locations.Queues.Tasks.Create(q.parent(queue), &tasks.CreateTaskRequest{
		Task: &tasks.Task{
			PullMessage: &tasks.PullMessage{
				Payload: base64.URLEncoding.EncodeToString(payload),
				Tag:     tag,
			},
		},
		ResponseView: "FULL",
	}).Context(ctx).Do()
	if err != nil {
		return taskqueue.Task{}, err
	}
	return convertTask(t)
}

func (q *queue) Lease(ctx context.Context, queue string, d time.Duration, max int) ([]taskqueue.Task, error) {
	resp, err := q.svc.Projects.Locations.Queues.Tasks.Lease(q.parent(queue), &tasks.LeaseTasksRequest{
		LeaseDuration: fmt.Sprintf("%ds", int64(d/time.Second)),
		MaxTasks:      int64(max),
		ResponseView:  "FULL",
	}).Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	var leased []taskqueue.Task
	for _, t := range resp.Tasks {
		task, err := convertTask(t)
		if err != nil {
			// Leave it to expire; it will keep failing
			// the same way, but other tasks can proceed.
			q.logger.WithField("Queue", queue).WithError(err).Error("skipping undecodable task")
			continue
		}
		leased = append(leased, task)
	}
	return leased, nil
}

func (q *queue) Acknowledge(ctx context.Context, task taskqueue.Task) error {
	_, err := q.svc.Projects.Locations.Queues.Tasks.Acknowledge(task.ID, &tasks.AcknowledgeTaskRequest{
		ScheduleTime: task.ScheduleTime.UTC().Format(time.RFC3339Nano),
	}).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound,
			gerr.Code == http.StatusConflict,
			gerr.Code == http.StatusPreconditionFailed,
			gerr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(gerr.Message), "schedule"):
			return fmt.Errorf("%w: %w", taskqueue.ErrLeaseLost, err)
		}
	}
	return err
}

// CountPending returns the number of tasks whose schedule time has
// passed, i.e., tasks that are not currently leased.
func (q *queue) CountPending(ctx context.Context, queue string) (int, error) {
	now := time.Now()
	n := 0
	err := q.svc.Projects.Locations.Queues.Tasks.List(q.parent(queue)).ResponseView("BASIC").PageSize(1000).Pages(ctx, func(page *tasks.ListTasksResponse) error {
		for _, t := range page.Tasks {
			st, err := time.Parse(time.RFC3339Nano, t.ScheduleTime)
			if err != nil || !st.After(now) {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (q *queue) Close() error {
	return nil
}
