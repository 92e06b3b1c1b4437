// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
	"time"

	"git.arvados.org/dna.git/sdk/go/dna"
)

// Tier returns a fake tier "l{i}" with machine type "mt{i}", queue
// "q{i}", and the given quota.
func Tier(i, quota int) dna.Tier {
	return dna.Tier{
		ID:          fmt.Sprintf("l%d", i),
		MachineType: fmt.Sprintf("mt%d", i),
		Zone:        fmt.Sprintf("zone-%d", i%2),
		Queue:       fmt.Sprintf("q%d", i),
		Quota:       quota,
	}
}

// TierCatalog returns a catalog of len(quotas) fake tiers.
func TierCatalog(quotas ...int) *dna.TierCatalog {
	var tiers []dna.Tier
	for i, q := range quotas {
		tiers = append(tiers, Tier(i, q))
	}
	cat, err := dna.NewTierCatalog(tiers)
	if err != nil {
		panic(err)
	}
	return cat
}

// Payload returns an encoded task payload for fake service
// "svc{i}".
func Payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"service":"svc%d","run_script":"gs://bucket/svc%d.sh","n":%d}`, i, i, i))
}

// Config returns a config suitable for tests that use the stubs in
// this package.
func Config(tiers ...dna.Tier) *dna.Config {
	cfg := &dna.Config{
		ProjectID:   "test-project",
		ProjectRoot: "gs://test-root",
		Tiers:       tiers,
	}
	cfg.Compute.Driver = "stub"
	cfg.Compute.ServiceAccount = "dna@test-project.iam.gserviceaccount.com"
	cfg.Compute.Scopes = []string{"https://www.googleapis.com/auth/cloud-platform"}
	cfg.Compute.ImageProject = "debian-cloud"
	cfg.Compute.ImageFamily = "debian-12"
	cfg.Compute.StartupScriptURL = "gs://test-root/startup.sh"
	cfg.Compute.ShutdownScriptURL = "gs://test-root/shutdown.sh"
	cfg.Compute.StartupTimeout = dna.Duration(3 * time.Minute)
	cfg.Compute.TierLabel = "dna-tier"
	cfg.Queue.Driver = "stub"
	cfg.Queue.LeaseDuration = dna.Duration(2 * time.Hour)
	cfg.Worker.Shell = "sh"
	cfg.Worker.OOMExitCode = 137
	cfg.Retry.Attempts = 1
	return cfg
}
