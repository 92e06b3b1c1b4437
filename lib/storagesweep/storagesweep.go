// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package storagesweep deletes old objects from the buckets listed
// in the state store's bucket cleanup records.
package storagesweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/dna.git/lib/statestore"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Object is an entry in a bucket listing.
type Object struct {
	Name    string
	Size    int64
	Updated time.Time
}

// An ObjectStore lists and deletes objects in buckets.
type ObjectStore interface {
	// List calls fn with successive pages of the bucket's
	// objects. If fn returns an error, List stops and returns it.
	List(ctx context.Context, bucket string, fn func([]Object) error) error
	Delete(ctx context.Context, bucket, name string) error
}

// A Driver returns an ObjectStore that uses the given
// driver-dependent configuration parameters.
type Driver interface {
	ObjectStore(config json.RawMessage, logger logrus.FieldLogger) (ObjectStore, error)
}

// DriverFunc makes a Driver using the provided function as its
// ObjectStore method.
type DriverFunc func(config json.RawMessage, logger logrus.FieldLogger) (ObjectStore, error)

func (df DriverFunc) ObjectStore(config json.RawMessage, logger logrus.FieldLogger) (ObjectStore, error) {
	return df(config, logger)
}

// Report describes what Sweep did.
type Report struct {
	Buckets      int
	Scanned      int
	Deleted      int
	DeletedBytes int64
	// Objects that could not be deleted.
	Failed int
}

type Sweeper struct {
	store   statestore.Store
	objects ObjectStore
	logger  logrus.FieldLogger
	now     func() time.Time
}

func New(st statestore.Store, objs ObjectStore, logger logrus.FieldLogger) *Sweeper {
	return &Sweeper{store: st, objects: objs, logger: logger, now: time.Now}
}

// Cutoff returns the earliest update time an object can have and
// still be kept, given the current time and a lookback window in
// days. Dates are compared in UTC: with a 1-day window, anything
// last updated before yesterday is deleted.
func Cutoff(now time.Time, lookbackDays int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d-lookbackDays, 0, 0, 0, 0, time.UTC)
}

// Sweep deletes objects that are older than their bucket's lookback
// window. Failing to delete an object is logged and counted, but
// does not stop the sweep or cause an error. Failing to list a
// bucket does.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report
	cleanups, err := s.store.BucketCleanups(ctx)
	if err != nil {
		return report, fmt.Errorf("list bucket cleanup records: %w", err)
	}
	var errs []error
	for _, bc := range cleanups {
		logger := s.logger.WithFields(logrus.Fields{
			"Bucket":       bc.Bucket,
			"LookbackDays": bc.LookbackDays,
		})
		if bc.LookbackDays < 0 {
			errs = append(errs, fmt.Errorf("bucket %s: negative lookback window %d", bc.Bucket, bc.LookbackDays))
			continue
		}
		report.Buckets++
		cutoff := Cutoff(s.now(), bc.LookbackDays)
		var deleted, failed int
		var deletedBytes int64
		err := s.objects.List(ctx, bc.Bucket, func(objs []Object) error {
			for _, obj := range objs {
				report.Scanned++
				if !obj.Updated.Before(cutoff) {
					continue
				}
				if err := s.objects.Delete(ctx, bc.Bucket, obj.Name); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					failed++
					logger.WithError(err).WithField("Object", obj.Name).Warn("delete failed")
					continue
				}
				deleted++
				deletedBytes += obj.Size
				logger.WithField("Object", obj.Name).Debug("deleted")
			}
			return nil
		})
		report.Deleted += deleted
		report.DeletedBytes += deletedBytes
		report.Failed += failed
		if err != nil {
			errs = append(errs, fmt.Errorf("bucket %s: %w", bc.Bucket, err))
		}
		logger.WithFields(logrus.Fields{
			"Deleted": deleted,
			"Failed":  failed,
			"Cutoff":  cutoff.Format("2006-01-02"),
		}).Infof("freed %s", humanize.Bytes(uint64(deletedBytes)))
	}
	return report, errors.Join(errs...)
}
