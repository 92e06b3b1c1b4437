// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	"fmt"
	"time"
)

// WorkerStatus is the lifecycle state of a launched worker instance.
type WorkerStatus string

// The zero value means the record was inserted but instance creation
// has not been confirmed yet.
const (
	WorkerCreating WorkerStatus = ""
	WorkerCreated  WorkerStatus = "CREATED"
	WorkerActive   WorkerStatus = "ACTIVE"
	WorkerDone     WorkerStatus = "DONE"
)

var workerStatusRank = map[WorkerStatus]int{
	WorkerCreating: 0,
	WorkerCreated:  1,
	WorkerActive:   2,
	WorkerDone:     3,
}

// Valid returns true if s is one of the known statuses.
func (s WorkerStatus) Valid() bool {
	_, ok := workerStatusRank[s]
	return ok
}

// CanAdvanceTo returns true if a record with status s may be updated
// to status next. Statuses only move forward, and setting the
// current status again is allowed.
func (s WorkerStatus) CanAdvanceTo(next WorkerStatus) bool {
	from, ok1 := workerStatusRank[s]
	to, ok2 := workerStatusRank[next]
	return ok1 && ok2 && to >= from
}

func (s WorkerStatus) String() string {
	if s == WorkerCreating {
		return "CREATING"
	}
	return string(s)
}

// WorkerRecord is the persisted state of one launched worker
// instance.
type WorkerRecord struct {
	ID        int64        `db:"id" json:"id"`
	Name      string       `db:"name" json:"name"`
	Zone      string       `db:"zone" json:"zone"`
	Tier      string       `db:"tier" json:"tier"`
	MachineID string       `db:"machine_id" json:"machine_id"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	Status    WorkerStatus `db:"status" json:"status"`
}

func (wr WorkerRecord) String() string {
	return fmt.Sprintf("%d:%s(%s)", wr.ID, wr.Name, wr.Status)
}

// RunStatus is the outcome state of one task execution attempt.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunDone    RunStatus = "DONE"
	RunFailed  RunStatus = "FAILED"
)

// RunRecord is the persisted state of one task execution attempt.
// Empty strings are stored for absent Error and BigQuery fields.
type RunRecord struct {
	ID                int64     `db:"id" json:"id"`
	Created           time.Time `db:"created" json:"created"`
	Service           string    `db:"service" json:"service"`
	Tier              string    `db:"tier" json:"tier"`
	TaskID            string    `db:"task_id" json:"task_id"`
	Status            RunStatus `db:"status" json:"status"`
	Error             string    `db:"error" json:"error"`
	BigQueryJobID     string    `db:"bq_job_id" json:"bq_job_id"`
	BigQueryJobStatus string    `db:"bq_job_status" json:"bq_job_status"`
}

// BucketCleanup asks the storage sweep to delete objects in Bucket
// last updated more than LookbackDays days ago.
type BucketCleanup struct {
	ID           int64  `db:"id" json:"id"`
	Bucket       string `db:"bucket" json:"bucket"`
	LookbackDays int    `db:"lookback_days" json:"lookback_days"`
}
