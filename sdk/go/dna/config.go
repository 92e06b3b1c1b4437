// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package dna

import (
	"encoding/json"
)

// Config is the complete configuration of a dna deployment. It is
// loaded once at process start (see lib/config) and treated as
// read-only afterwards.
type Config struct {
	ProjectID       string
	ProjectRoot     string
	ManagementToken string

	// Path to a Google service account key file. Empty means use
	// application default credentials.
	GoogleCredentialsFile string

	SystemLogs struct {
		Format   string
		LogLevel string
	}
	Services struct {
		Controller Service
	}

	Tiers    []Tier
	Compute  ComputeConfig
	Queue    QueueConfig
	Store    DriverConfig
	Storage  DriverConfig
	BigQuery struct {
		Location string
	}
	Worker    WorkerConfig
	Retry     RetryConfig
	Schedules Schedules
}

type Service struct {
	Listen string
}

// DriverConfig selects a backend implementation by name and passes
// it driver-specific parameters.
type DriverConfig struct {
	Driver           string
	DriverParameters json.RawMessage
}

type ComputeConfig struct {
	DriverConfig
	ServiceAccount    string
	Scopes            []string
	ImageProject      string
	ImageFamily       string
	StartupScriptURL  string
	ShutdownScriptURL string
	StartupTimeout    Duration

	// Maximum Create/Destroy calls per second. 0 means no limit.
	MaxCloudOpsPerSecond int

	// Label key used to tag instances with their tier ID.
	TierLabel string
}

type QueueConfig struct {
	DriverConfig
	LeaseDuration Duration
}

type WorkerConfig struct {
	Shell       string
	OOMExitCode int
	WorkDir     string
}

type RetryConfig struct {
	Attempts     int
	InitialDelay Duration
	MaxDelay     Duration
}

// Schedules holds optional cron specs (e.g., "@every 1m") for jobs
// the controller runs on its own. Empty means the job only runs when
// its HTTP endpoint is hit.
type Schedules struct {
	TaskManager      string
	ComputeCleanup   string
	DatastoreCleanup string
	StorageCleanup   string
	BigQueryCheck    string
}
