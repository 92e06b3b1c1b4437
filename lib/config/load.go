// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"git.arvados.org/dna.git/sdk/go/dna"
	"github.com/ghodss/yaml"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultConfigFile is used when neither -config nor $DNA_CONFIG is
// given.
const DefaultConfigFile = "/etc/dna/config.yml"

//go:embed config.default.yml
var DefaultYAML []byte

type Loader struct {
	Path   string
	Logger logrus.FieldLogger

	stdin io.Reader
}

// NewLoader returns a new Loader with Path set to $DNA_CONFIG (or
// DefaultConfigFile) and Logger set to the given logger.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	path := os.Getenv("DNA_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return &Loader{Path: path, Logger: logger, stdin: stdin}
}

// SetupFlags adds a -config flag to flagset.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", ldr.Path, "Site configuration `file` (\"-\" for stdin; default may be overridden by setting DNA_CONFIG environment variable)")
}

// Load reads the config file at ldr.Path ("-" means stdin), applies
// it on top of the built-in defaults, and checks the result.
func (ldr *Loader) Load() (*dna.Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		if ldr.stdin == nil {
			return nil, errors.New("config path is \"-\" but no stdin was provided")
		}
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*dna.Config, error) {
	var cfg dna.Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	jsonbuf, err := yaml.YAMLToJSON(buf)
	if err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(jsonbuf), []byte("null")) {
		jsonbuf = []byte("{}")
	}

	// A site Tiers list replaces the default list instead of being
	// merged into it element by element.
	var present struct {
		Tiers *json.RawMessage
	}
	err = json.Unmarshal(jsonbuf, &present)
	if err != nil {
		return nil, err
	}
	if present.Tiers != nil {
		cfg.Tiers = nil
	}

	dec := json.NewDecoder(bytes.NewReader(jsonbuf))
	dec.DisallowUnknownFields()
	var strict dna.Config
	if err := dec.Decode(&strict); err != nil && ldr.Logger != nil {
		ldr.Logger.WithError(err).Warn("config file has unexpected content")
	}

	err = json.Unmarshal(jsonbuf, &cfg)
	if err != nil {
		return nil, err
	}
	err = Check(&cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Check returns an error if cfg cannot be used.
func Check(cfg *dna.Config) error {
	if _, err := dna.NewTierCatalog(cfg.Tiers); err != nil {
		return fmt.Errorf("Tiers: %w", err)
	}
	switch {
	case cfg.Compute.Driver == "":
		return errors.New("Compute.Driver is empty")
	case cfg.Compute.TierLabel == "":
		return errors.New("Compute.TierLabel is empty")
	case cfg.Compute.StartupTimeout <= 0:
		return fmt.Errorf("Compute.StartupTimeout must be positive (not %s)", cfg.Compute.StartupTimeout)
	case cfg.Compute.MaxCloudOpsPerSecond < 0:
		return fmt.Errorf("Compute.MaxCloudOpsPerSecond must not be negative (not %d)", cfg.Compute.MaxCloudOpsPerSecond)
	case cfg.Queue.Driver == "":
		return errors.New("Queue.Driver is empty")
	case cfg.Queue.LeaseDuration <= 0:
		return fmt.Errorf("Queue.LeaseDuration must be positive (not %s)", cfg.Queue.LeaseDuration)
	case cfg.Store.Driver == "":
		return errors.New("Store.Driver is empty")
	case cfg.Worker.Shell == "":
		return errors.New("Worker.Shell is empty")
	case cfg.Worker.OOMExitCode <= 0 || cfg.Worker.OOMExitCode > 255:
		return fmt.Errorf("Worker.OOMExitCode %d is out of range 1-255", cfg.Worker.OOMExitCode)
	case cfg.Retry.Attempts < 0:
		return fmt.Errorf("Retry.Attempts must not be negative (not %d)", cfg.Retry.Attempts)
	}
	switch cfg.SystemLogs.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("SystemLogs.Format %q is not \"json\" or \"text\"", cfg.SystemLogs.Format)
	}
	if cfg.SystemLogs.LogLevel != "" {
		if _, err := logrus.ParseLevel(cfg.SystemLogs.LogLevel); err != nil {
			return fmt.Errorf("SystemLogs.LogLevel: %w", err)
		}
	}
	for name, sched := range map[string]string{
		"TaskManager":      cfg.Schedules.TaskManager,
		"ComputeCleanup":   cfg.Schedules.ComputeCleanup,
		"DatastoreCleanup": cfg.Schedules.DatastoreCleanup,
		"StorageCleanup":   cfg.Schedules.StorageCleanup,
		"BigQueryCheck":    cfg.Schedules.BigQueryCheck,
	} {
		if sched == "" {
			continue
		}
		if _, err := cron.ParseStandard(sched); err != nil {
			return fmt.Errorf("Schedules.%s: %w", name, err)
		}
	}
	return nil
}
