// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"git.arvados.org/dna.git/lib/backend"
	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/lib/gcpauth"
	"git.arvados.org/dna.git/lib/jobstatus"
	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/lib/storagesweep"
	"git.arvados.org/dna.git/lib/taskqueue"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/sirupsen/logrus"
)

// need is a set of backends a job uses.
type need uint

const (
	needCompute need = 1 << iota
	needQueue
	needStore
	needObjects
	needJobSource

	needAll = needCompute | needQueue | needStore | needObjects | needJobSource
)

// Backends holds the remote services the controller's jobs use. A
// job whose backends are nil is not available.
type Backends struct {
	InstanceSet cloud.InstanceSet
	Queue       taskqueue.Queue
	Store       statestore.Store
	Objects     storagesweep.ObjectStore
	JobSource   jobstatus.JobSource
}

func (b *Backends) has(n need) bool {
	return (n&needCompute == 0 || b.InstanceSet != nil) &&
		(n&needQueue == 0 || b.Queue != nil) &&
		(n&needStore == 0 || b.Store != nil) &&
		(n&needObjects == 0 || b.Objects != nil) &&
		(n&needJobSource == 0 || b.JobSource != nil)
}

// Close releases the backends' resources.
func (b *Backends) Close() error {
	var errs []error
	if b.InstanceSet != nil {
		b.InstanceSet.Stop()
	}
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	return errors.Join(errs...)
}

// openBackends sets up the configured backends in n. If one fails,
// the ones already set up are closed.
func openBackends(ctx context.Context, cfg *dna.Config, logger logrus.FieldLogger, n need) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()
	if n&needCompute != 0 {
		if b.InstanceSet, err = backend.NewInstanceSet(cfg, logger); err != nil {
			return nil, fmt.Errorf("compute backend: %w", err)
		}
	}
	if n&needQueue != 0 {
		if b.Queue, err = backend.NewQueue(cfg, logger); err != nil {
			return nil, fmt.Errorf("queue backend: %w", err)
		}
	}
	if n&needStore != 0 {
		if b.Store, err = backend.NewStore(cfg, logger); err != nil {
			return nil, fmt.Errorf("state store: %w", err)
		}
	}
	if n&needObjects != 0 {
		if b.Objects, err = backend.NewObjectStore(cfg, logger); err != nil {
			return nil, fmt.Errorf("storage backend: %w", err)
		}
	}
	if n&needJobSource != 0 {
		auth := gcpauth.Config{CredentialsFile: cfg.GoogleCredentialsFile}
		if b.JobSource, err = jobstatus.NewBigQuerySource(ctx, auth, cfg.ProjectID, cfg.BigQuery.Location, logger); err != nil {
			return nil, fmt.Errorf("bigquery: %w", err)
		}
	}
	return b, nil
}
