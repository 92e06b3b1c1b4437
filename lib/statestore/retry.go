// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package statestore

import (
	"context"
	"errors"

	"git.arvados.org/dna.git/sdk/go/dna"
	"git.arvados.org/dna.git/sdk/go/retry"
	"github.com/sirupsen/logrus"
)

// WithRetry returns a Store that retries failed calls to s according
// to policy. ErrNotFound and ErrStatusRegression are returned without
// retrying.
func WithRetry(s Store, policy retry.Policy, logger logrus.FieldLogger) Store {
	return &retryStore{Store: s, policy: policy, logger: logger}
}

type retryStore struct {
	Store
	policy retry.Policy
	logger logrus.FieldLogger
}

func (rs *retryStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	return retry.Do(ctx, rs.policy, rs.logger, op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStatusRegression) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (rs *retryStore) InsertWorker(ctx context.Context, wr *dna.WorkerRecord) error {
	return rs.do(ctx, "insert worker record", func(ctx context.Context) error {
		return rs.Store.InsertWorker(ctx, wr)
	})
}

func (rs *retryStore) GetWorker(ctx context.Context, id int64) (wr dna.WorkerRecord, err error) {
	err = rs.do(ctx, "get worker record", func(ctx context.Context) error {
		wr, err = rs.Store.GetWorker(ctx, id)
		return err
	})
	return
}

func (rs *retryStore) SetWorkerStatus(ctx context.Context, id int64, status dna.WorkerStatus) error {
	return rs.do(ctx, "set worker status", func(ctx context.Context) error {
		return rs.Store.SetWorkerStatus(ctx, id, status)
	})
}

func (rs *retryStore) DeleteWorker(ctx context.Context, id int64) error {
	return rs.do(ctx, "delete worker record", func(ctx context.Context) error {
		return rs.Store.DeleteWorker(ctx, id)
	})
}

func (rs *retryStore) Workers(ctx context.Context) (wrs []dna.WorkerRecord, err error) {
	err = rs.do(ctx, "list worker records", func(ctx context.Context) error {
		wrs, err = rs.Store.Workers(ctx)
		return err
	})
	return
}

func (rs *retryStore) InsertRun(ctx context.Context, rr *dna.RunRecord) error {
	return rs.do(ctx, "insert run record", func(ctx context.Context) error {
		return rs.Store.InsertRun(ctx, rr)
	})
}

func (rs *retryStore) UpdateRun(ctx context.Context, rr dna.RunRecord) error {
	return rs.do(ctx, "update run record", func(ctx context.Context) error {
		return rs.Store.UpdateRun(ctx, rr)
	})
}

func (rs *retryStore) DeleteRun(ctx context.Context, id int64) error {
	return rs.do(ctx, "delete run record", func(ctx context.Context) error {
		return rs.Store.DeleteRun(ctx, id)
	})
}

func (rs *retryStore) Runs(ctx context.Context) (rrs []dna.RunRecord, err error) {
	err = rs.do(ctx, "list run records", func(ctx context.Context) error {
		rrs, err = rs.Store.Runs(ctx)
		return err
	})
	return
}

func (rs *retryStore) BucketCleanups(ctx context.Context) (bcs []dna.BucketCleanup, err error) {
	err = rs.do(ctx, "list bucket cleanups", func(ctx context.Context) error {
		bcs, err = rs.Store.BucketCleanups(ctx)
		return err
	})
	return
}
