// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gcpauth builds the client options shared by the Google API
// clients (compute, cloudtasks, bigquery, storage).
package gcpauth

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

// Config is embedded in the DriverParameters of each Google-backed
// driver.
type Config struct {
	// Service account key file. Empty means application default
	// credentials.
	CredentialsFile string

	// API endpoint override, like "http://localhost:1234/". Used
	// by tests and emulators.
	Endpoint string

	// Send requests without an Authorization header. Only useful
	// with Endpoint.
	WithoutAuthentication bool

	// Number of times the HTTP transport retries a request that
	// fails with a connection error or 5xx response. Default 2.
	HTTPRetries int
}

// ClientOptions returns options for a Google API client with the
// given scopes.
func ClientOptions(ctx context.Context, cfg Config, logger logrus.FieldLogger, scopes ...string) ([]option.ClientOption, error) {
	client, err := HTTPClient(ctx, cfg, logger, scopes...)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	return opts, nil
}

// HTTPClient returns an http.Client that retries transient errors
// and (unless cfg.WithoutAuthentication is set) adds OAuth2 tokens
// for the given scopes.
func HTTPClient(ctx context.Context, cfg Config, logger logrus.FieldLogger, scopes ...string) (*http.Client, error) {
	rc := retryablehttp.NewClient()
	rc.Logger = leveledLogger{logger}
	rc.RetryMax = cfg.HTTPRetries
	if rc.RetryMax <= 0 {
		rc.RetryMax = 2
	}
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	// Return the last response instead of a generic "giving up"
	// error, so callers can see the status code.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	transport := rc.StandardClient().Transport

	if !cfg.WithoutAuthentication {
		ts, err := tokenSource(ctx, cfg.CredentialsFile, scopes)
		if err != nil {
			return nil, err
		}
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	return &http.Client{Transport: transport}, nil
}

func tokenSource(ctx context.Context, credentialsFile string, scopes []string) (oauth2.TokenSource, error) {
	if credentialsFile == "" {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, fmt.Errorf("finding default credentials: %w", err)
		}
		return creds.TokenSource, nil
	}
	buf, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, buf, scopes...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", credentialsFile, err)
	}
	return creds.TokenSource, nil
}

// leveledLogger sends retryablehttp's messages to logrus at debug
// level (or warn, for retries).
type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) fields(kv []interface{}) logrus.FieldLogger {
	logger := l.FieldLogger
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			logger = logger.WithField(k, kv[i+1])
		}
	}
	return logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.fields(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.fields(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.fields(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.fields(kv).Debug(msg) }
