// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gce is a Google Compute Engine implementation of
// cloud.InstanceSet.
package gce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"git.arvados.org/dna.git/lib/gcpauth"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
)

// Driver is the GCE implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newInstanceSet)

type gceInstanceSetConfig struct {
	gcpauth.Config

	// Network for the instance's interface. Default
	// "global/networks/default".
	Network string

	// Boot disk size. Zero means the image's size.
	DiskSizeGB int64

	// Wait this long before retrying after a 429 response.
	RateLimitDelay time.Duration
}

type instanceSet struct {
	project string
	config  gceInstanceSetConfig
	svc     *compute.Service
	logger  logrus.FieldLogger

	imagesMtx sync.Mutex
	images    map[string]string // "project/family" => self link
}

func newInstanceSet(config json.RawMessage, project string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &instanceSet{
		project: project,
		logger:  logger,
		images:  map[string]string{},
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.config); err != nil {
			return nil, err
		}
	}
	if project == "" {
		return nil, errors.New("gce driver: ProjectID is not configured")
	}
	if is.config.Network == "" {
		is.config.Network = "global/networks/default"
	}
	if is.config.RateLimitDelay <= 0 {
		is.config.RateLimitDelay = 10 * time.Second
	}
	ctx := context.Background()
	opts, err := gcpauth.ClientOptions(ctx, is.config.Config, logger, compute.ComputeScope)
	if err != nil {
		return nil, err
	}
	is.svc, err = compute.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return is, nil
}

func labelFilter(labels map[string]string) string {
	var keys []string
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var exprs []string
	for _, k := range keys {
		exprs = append(exprs, fmt.Sprintf("(labels.%s = %s)", k, strconv.Quote(labels[k])))
	}
	return strings.Join(exprs, " AND ")
}

func (is *instanceSet) Instances(ctx context.Context, zone string, labels map[string]string) ([]cloud.Instance, error) {
	call := is.svc.Instances.List(is.project, zone)
	if len(labels) > 0 {
		call = call.Filter(labelFilter(labels))
	}
	var insts []cloud.Instance
	err := call.Pages(ctx, func(page *compute.InstanceList) error {
	items:
		for _, gi := range page.Items {
			for k, v := range labels {
				if gi.Labels[k] != v {
					continue items
				}
			}
			insts = append(insts, cloud.Instance{
				Name:        gi.Name,
				Zone:        path.Base(gi.Zone),
				MachineType: path.Base(gi.MachineType),
				Status:      gi.Status,
				Labels:      gi.Labels,
			})
		}
		return nil
	})
	if err != nil {
		return nil, is.wrapError(err)
	}
	return insts, nil
}

func (is *instanceSet) sourceImage(ctx context.Context, project, family string) (string, error) {
	key := project + "/" + family
	is.imagesMtx.Lock()
	defer is.imagesMtx.Unlock()
	if link, ok := is.images[key]; ok {
		return link, nil
	}
	img, err := is.svc.Images.GetFromFamily(project, family).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("image family %s: %w", key, is.wrapError(err))
	}
	is.images[key] = img.SelfLink
	return img.SelfLink, nil
}

func (is *instanceSet) Create(ctx context.Context, config cloud.InstanceConfig) error {
	image, err := is.sourceImage(ctx, config.ImageProject, config.ImageFamily)
	if err != nil {
		return err
	}
	var items []*compute.MetadataItems
	for _, md := range config.Metadata {
		value := md.Value
		items = append(items, &compute.MetadataItems{Key: md.Key, Value: &value})
	}
	email := config.ServiceAccount
	if email == "" {
		email = "default"
	}
	gi := &compute.Instance{
		Name:        config.Name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", config.Zone, config.MachineType),
		Labels:      config.Labels,
		Metadata:    &compute.Metadata{Items: items},
		Disks: []*compute.AttachedDisk{{
			Boot:       true,
			AutoDelete: true,
			InitializeParams: &compute.AttachedDiskInitializeParams{
				SourceImage: image,
				DiskSizeGb:  is.config.DiskSizeGB,
			},
		}},
		NetworkInterfaces: []*compute.NetworkInterface{{
			Network: is.config.Network,
			AccessConfigs: []*compute.AccessConfig{{
				Type: "ONE_TO_ONE_NAT",
				Name: "External NAT",
			}},
		}},
		ServiceAccounts: []*compute.ServiceAccount{{
			Email:  email,
			Scopes: config.Scopes,
		}},
	}
	_, err = is.svc.Instances.Insert(is.project, config.Zone, gi).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		// Names are unique, so this means an earlier
		// attempt succeeded even though we didn't get the
		// response.
		is.logger.WithField("Instance", config.Name).Info("instance already exists")
		return nil
	}
	return is.wrapError(err)
}

func (is *instanceSet) Destroy(ctx context.Context, name, zone string) error {
	_, err := is.svc.Instances.Delete(is.project, zone, name).Context(ctx).Do()
	return is.wrapError(err)
}

func (is *instanceSet) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type quotaError struct {
	error
}

func (quotaError) IsQuotaError() bool {
	return true
}

func (err quotaError) Unwrap() error {
	return err.error
}

var quotaReasons = map[string]bool{
	"quotaExceeded":                true,
	"QUOTA_EXCEEDED":               true,
	"ZONE_RESOURCE_POOL_EXHAUSTED": true,
}

func (is *instanceSet) wrapError(err error) error {
	var gerr *googleapi.Error
	if err == nil || !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", cloud.ErrNotFound, err)
	case http.StatusTooManyRequests:
		return rateLimitError{error: err, earliestRetry: time.Now().Add(is.config.RateLimitDelay)}
	case http.StatusForbidden:
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" {
				return rateLimitError{error: err, earliestRetry: time.Now().Add(is.config.RateLimitDelay)}
			}
			if quotaReasons[item.Reason] {
				return quotaError{err}
			}
		}
	}
	if strings.Contains(gerr.Message, "QUOTA_EXCEEDED") {
		return quotaError{err}
	}
	return err
}
