// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pgstore is a statestore.Store backed by PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"git.arvados.org/dna.git/lib/statestore"
	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// sqlx needs lib/pq to talk to PostgreSQL
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Driver is the PostgreSQL implementation of statestore.Driver.
var Driver = statestore.DriverFunc(newStore)

type pgConfig struct {
	// libpq connection parameters, e.g., {"host": "localhost",
	// "dbname": "dna", "sslmode": "disable"}.
	Connection     map[string]string
	ConnectionPool int
}

// connString returns cfg.Connection in libpq key='value' form.
func (cfg pgConfig) connString() string {
	var parts []string
	for k, v := range cfg.Connection {
		if v == "" {
			continue
		}
		v = strings.Replace(v, `\`, `\\`, -1)
		v = strings.Replace(v, `'`, `\'`, -1)
		parts = append(parts, strings.ToLower(k)+"='"+v+"'")
	}
	return strings.Join(parts, " ")
}

type Store struct {
	db     *sqlx.DB
	logger logrus.FieldLogger
}

func newStore(config json.RawMessage, logger logrus.FieldLogger) (statestore.Store, error) {
	var cfg pgConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	db, err := sqlx.Open("postgres", cfg.connString())
	if err != nil {
		return nil, err
	}
	if cfg.ConnectionPool > 0 {
		db.SetMaxOpenConns(cfg.ConnectionPool)
	}
	return Open(context.Background(), db, logger)
}

// Open applies the schema (if needed) and returns a Store that uses
// db.
func Open(ctx context.Context, db *sqlx.DB, logger logrus.FieldLogger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, statestore.ErrNotFound)
}

func checkAffected(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, id)
	}
	return nil
}

func (s *Store) InsertWorker(ctx context.Context, wr *dna.WorkerRecord) error {
	rows, err := s.db.NamedQueryContext(ctx, `INSERT INTO dna_instances
		(name, zone, tier, machine_id, created_at, status)
		VALUES (:name, :zone, :tier, :machine_id, :created_at, :status)
		RETURNING id`, wr)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("insert returned no id")
	}
	return rows.Scan(&wr.ID)
}

func (s *Store) GetWorker(ctx context.Context, id int64) (dna.WorkerRecord, error) {
	var wr dna.WorkerRecord
	err := s.db.GetContext(ctx, &wr, `SELECT * FROM dna_instances WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return wr, notFound("worker record", id)
	}
	return wr, err
}

func (s *Store) SetWorkerStatus(ctx context.Context, id int64, status dna.WorkerStatus) (err error) {
	if !status.Valid() {
		return fmt.Errorf("invalid worker status %q", status)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	var current dna.WorkerStatus
	err = tx.GetContext(ctx, &current, `SELECT status FROM dna_instances WHERE id=$1 FOR UPDATE`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("worker record", id)
	} else if err != nil {
		return err
	}
	if !current.CanAdvanceTo(status) {
		return fmt.Errorf("worker record %d: %s -> %s: %w", id, current, status, statestore.ErrStatusRegression)
	}
	if current != status {
		_, err = tx.ExecContext(ctx, `UPDATE dna_instances SET status=$1 WHERE id=$2`, status, id)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) DeleteWorker(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dna_instances WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "worker record", id)
}

func (s *Store) Workers(ctx context.Context) ([]dna.WorkerRecord, error) {
	var wrs []dna.WorkerRecord
	err := s.db.SelectContext(ctx, &wrs, `SELECT * FROM dna_instances ORDER BY id`)
	return wrs, err
}

func (s *Store) InsertRun(ctx context.Context, rr *dna.RunRecord) error {
	rows, err := s.db.NamedQueryContext(ctx, `INSERT INTO dna_runs
		(created, service, tier, task_id, status, error, bq_job_id, bq_job_status)
		VALUES (:created, :service, :tier, :task_id, :status, :error, :bq_job_id, :bq_job_status)
		RETURNING id`, rr)
	if err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return errors.New("insert returned no id")
	}
	return rows.Scan(&rr.ID)
}

func (s *Store) UpdateRun(ctx context.Context, rr dna.RunRecord) error {
	res, err := s.db.NamedExecContext(ctx, `UPDATE dna_runs SET
		service=:service, tier=:tier, task_id=:task_id, status=:status, error=:error,
		bq_job_id=:bq_job_id, bq_job_status=:bq_job_status
		WHERE id=:id`, rr)
	if err != nil {
		return err
	}
	return checkAffected(res, "run record", rr.ID)
}

func (s *Store) DeleteRun(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dna_runs WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "run record", id)
}

func (s *Store) Runs(ctx context.Context) ([]dna.RunRecord, error) {
	var rrs []dna.RunRecord
	err := s.db.SelectContext(ctx, &rrs, `SELECT * FROM dna_runs ORDER BY id`)
	return rrs, err
}

func (s *Store) BucketCleanups(ctx context.Context) ([]dna.BucketCleanup, error) {
	var bcs []dna.BucketCleanup
	err := s.db.SelectContext(ctx, &bcs, `SELECT * FROM dna_cleanup_buckets ORDER BY bucket`)
	return bcs, err
}

func (s *Store) Close() error {
	return s.db.Close()
}
