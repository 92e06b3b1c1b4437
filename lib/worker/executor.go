// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"git.arvados.org/dna.git/sdk/go/ctxlog"
	"github.com/google/shlex"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Job is one execution of a task's run script.
type Job struct {
	Queue     string
	TaskID    string
	Tier      string
	Service   string
	RunScript string
}

// ExitStatus is the outcome of a job that was started.
type ExitStatus struct {
	// Exit code, or -1 if the process was killed by a signal.
	Code int
	// Signal that killed the process, or 0.
	Signal syscall.Signal
	// BigQuery job started by the process, if it reported one.
	BigQueryJobID string
}

func (es ExitStatus) String() string {
	if es.Signal != 0 {
		name := unix.SignalName(es.Signal)
		if name == "" {
			name = es.Signal.String()
		}
		return fmt.Sprintf("killed by signal %d (%s)", int(es.Signal), name)
	}
	return fmt.Sprintf("exit code %d", es.Code)
}

// An Executor runs jobs.
type Executor interface {
	// Execute runs the job and waits for it to finish. It returns
	// an error only if the job could not be started or its
	// outcome could not be determined.
	Execute(ctx context.Context, job Job) (ExitStatus, error)
}

// ShellExecutor runs "{Shell} {RunScript} {Queue} {TaskID}" in
// WorkDir, with job details in DNA_* environment variables. The
// job's stdout and stderr are logged.
//
// Shell is split into words like a shell command line, so it can
// carry options, e.g. "bash -eu".
//
// If the job writes {"bigquery_job_id":"..."} to the file named by
// $DNA_RESULT_FILE, the ID is returned in the ExitStatus.
type ShellExecutor struct {
	Shell   string
	WorkDir string
	Logger  logrus.FieldLogger
}

func (se *ShellExecutor) Execute(ctx context.Context, job Job) (ExitStatus, error) {
	argv, err := shlex.Split(se.Shell)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("start job: parse shell %q: %w", se.Shell, err)
	} else if len(argv) == 0 {
		return ExitStatus{}, errors.New("start job: empty shell command")
	}
	argv = append(argv, job.RunScript, job.Queue, job.TaskID)

	resultFile, err := os.CreateTemp("", "dna-result-")
	if err != nil {
		return ExitStatus{}, err
	}
	resultFile.Close()
	defer os.Remove(resultFile.Name())

	logger := se.Logger.WithFields(logrus.Fields{
		"TaskID":  job.TaskID,
		"Service": job.Service,
	})
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = se.WorkDir
	cmd.Env = append(os.Environ(),
		"DNA_QUEUE="+job.Queue,
		"DNA_TASK_ID="+job.TaskID,
		"DNA_TIER="+job.Tier,
		"DNA_SERVICE="+job.Service,
		"DNA_RESULT_FILE="+resultFile.Name(),
	)
	cmd.Stdout = ctxlog.LogWriter(logger.WithField("Stream", "stdout").Info)
	cmd.Stderr = ctxlog.LogWriter(logger.WithField("Stream", "stderr").Info)

	var es ExitStatus
	err = cmd.Run()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		es.Code = ee.ExitCode()
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			es.Signal = ws.Signal()
		}
	} else if err != nil {
		return es, fmt.Errorf("start job: %w", err)
	}

	buf, err := os.ReadFile(resultFile.Name())
	if err != nil {
		logger.WithError(err).Warn("error reading result file")
	} else if len(bytes.TrimSpace(buf)) > 0 {
		var result struct {
			BigQueryJobID string `json:"bigquery_job_id"`
		}
		if err := json.Unmarshal(buf, &result); err != nil {
			logger.WithError(err).Warn("error decoding result file")
		} else {
			es.BigQueryJobID = result.BigQueryJobID
		}
	}
	return es, nil
}
