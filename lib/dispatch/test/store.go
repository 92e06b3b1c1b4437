// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/sdk/go/dna"
)

// Store is an in-memory statestore.Store.
type Store struct {
	// If not nil, returned by every call to the corresponding
	// method.
	InsertErr error
	DeleteErr error

	Buckets []dna.BucketCleanup

	mtx           sync.Mutex
	nextID        int64
	workers       map[int64]dna.WorkerRecord
	runs          map[int64]dna.RunRecord
	statusChanges []StatusChange
}

// StatusChange is an entry in the log returned by StatusChanges.
type StatusChange struct {
	ID   int64
	From dna.WorkerStatus
	To   dna.WorkerStatus
}

// StatusChanges returns all successful SetWorkerStatus calls to
// date.
func (st *Store) StatusChanges() []StatusChange {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return append([]StatusChange(nil), st.statusChanges...)
}

func (st *Store) init() {
	if st.workers == nil {
		st.workers = map[int64]dna.WorkerRecord{}
		st.runs = map[int64]dna.RunRecord{}
	}
	st.nextID++
}

func (st *Store) InsertWorker(ctx context.Context, wr *dna.WorkerRecord) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.InsertErr != nil {
		return st.InsertErr
	}
	st.init()
	wr.ID = st.nextID
	st.workers[wr.ID] = *wr
	return nil
}

func (st *Store) GetWorker(ctx context.Context, id int64) (dna.WorkerRecord, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	wr, ok := st.workers[id]
	if !ok {
		return wr, fmt.Errorf("worker record %d: %w", id, statestore.ErrNotFound)
	}
	return wr, nil
}

func (st *Store) SetWorkerStatus(ctx context.Context, id int64, status dna.WorkerStatus) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	wr, ok := st.workers[id]
	if !ok {
		return fmt.Errorf("worker record %d: %w", id, statestore.ErrNotFound)
	}
	if !wr.Status.CanAdvanceTo(status) {
		return fmt.Errorf("worker record %d: %s -> %s: %w", id, wr.Status, status, statestore.ErrStatusRegression)
	}
	st.statusChanges = append(st.statusChanges, StatusChange{ID: id, From: wr.Status, To: status})
	wr.Status = status
	st.workers[id] = wr
	return nil
}

func (st *Store) DeleteWorker(ctx context.Context, id int64) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.DeleteErr != nil {
		return st.DeleteErr
	}
	if _, ok := st.workers[id]; !ok {
		return fmt.Errorf("worker record %d: %w", id, statestore.ErrNotFound)
	}
	delete(st.workers, id)
	return nil
}

func (st *Store) Workers(ctx context.Context) ([]dna.WorkerRecord, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	var wrs []dna.WorkerRecord
	for _, wr := range st.workers {
		wrs = append(wrs, wr)
	}
	sort.Slice(wrs, func(i, j int) bool { return wrs[i].ID < wrs[j].ID })
	return wrs, nil
}

func (st *Store) InsertRun(ctx context.Context, rr *dna.RunRecord) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.InsertErr != nil {
		return st.InsertErr
	}
	st.init()
	rr.ID = st.nextID
	st.runs[rr.ID] = *rr
	return nil
}

func (st *Store) UpdateRun(ctx context.Context, rr dna.RunRecord) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if _, ok := st.runs[rr.ID]; !ok {
		return fmt.Errorf("run record %d: %w", rr.ID, statestore.ErrNotFound)
	}
	st.runs[rr.ID] = rr
	return nil
}

func (st *Store) DeleteRun(ctx context.Context, id int64) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	if st.DeleteErr != nil {
		return st.DeleteErr
	}
	if _, ok := st.runs[id]; !ok {
		return fmt.Errorf("run record %d: %w", id, statestore.ErrNotFound)
	}
	delete(st.runs, id)
	return nil
}

func (st *Store) Runs(ctx context.Context) ([]dna.RunRecord, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	var rrs []dna.RunRecord
	for _, rr := range st.runs {
		rrs = append(rrs, rr)
	}
	sort.Slice(rrs, func(i, j int) bool { return rrs[i].ID < rrs[j].ID })
	return rrs, nil
}

func (st *Store) BucketCleanups(ctx context.Context) ([]dna.BucketCleanup, error) {
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return append([]dna.BucketCleanup(nil), st.Buckets...), nil
}

func (st *Store) Close() error {
	return nil
}
