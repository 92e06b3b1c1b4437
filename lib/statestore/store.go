// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package statestore defines the record store shared by the
// admission controller, workers, and sweepers.
package statestore

import (
	"context"
	"encoding/json"
	"errors"

	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned (possibly wrapped) when the
	// requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStatusRegression is returned (possibly wrapped) by
	// SetWorkerStatus when the requested status would move a
	// worker record backward.
	ErrStatusRegression = errors.New("worker status cannot move backward")
)

// A Store persists WorkerRecords, RunRecords, and BucketCleanup
// records.
type Store interface {
	// InsertWorker assigns wr.ID and saves the record.
	InsertWorker(ctx context.Context, wr *dna.WorkerRecord) error
	GetWorker(ctx context.Context, id int64) (dna.WorkerRecord, error)
	// SetWorkerStatus updates the status of an existing record.
	// It returns ErrStatusRegression if the new status is behind
	// the current one.
	SetWorkerStatus(ctx context.Context, id int64, status dna.WorkerStatus) error
	DeleteWorker(ctx context.Context, id int64) error
	Workers(ctx context.Context) ([]dna.WorkerRecord, error)

	// InsertRun assigns rr.ID and saves the record.
	InsertRun(ctx context.Context, rr *dna.RunRecord) error
	UpdateRun(ctx context.Context, rr dna.RunRecord) error
	DeleteRun(ctx context.Context, id int64) error
	Runs(ctx context.Context) ([]dna.RunRecord, error)

	BucketCleanups(ctx context.Context) ([]dna.BucketCleanup, error)

	Close() error
}

// A Driver returns a Store for the given driver-specific
// configuration.
type Driver interface {
	Store(config json.RawMessage, logger logrus.FieldLogger) (Store, error)
}

// DriverFunc makes a Driver using the provided function as its
// Store method.
type DriverFunc func(config json.RawMessage, logger logrus.FieldLogger) (Store, error)

// Store implements Driver.
func (df DriverFunc) Store(config json.RawMessage, logger logrus.FieldLogger) (Store, error) {
	return df(config, logger)
}
