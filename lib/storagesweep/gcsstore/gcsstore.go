// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gcsstore is a Google Cloud Storage implementation of
// storagesweep.ObjectStore.
package gcsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"git.arvados.org/dna.git/lib/gcpauth"
	"git.arvados.org/dna.git/lib/storagesweep"
	"github.com/sirupsen/logrus"
	storage "google.golang.org/api/storage/v1"
)

// Driver is the GCS implementation of the storagesweep.Driver
// interface.
var Driver = storagesweep.DriverFunc(newObjectStore)

type gcsConfig struct {
	gcpauth.Config

	// Objects per listing page. Default 1000.
	PageSize int64
}

type objectStore struct {
	config gcsConfig
	svc    *storage.Service
}

func newObjectStore(config json.RawMessage, logger logrus.FieldLogger) (storagesweep.ObjectStore, error) {
	var cfg gcsConfig
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	ctx := context.Background()
	opts, err := gcpauth.ClientOptions(ctx, cfg.Config, logger, storage.DevstorageReadWriteScope)
	if err != nil {
		return nil, err
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &objectStore{config: cfg, svc: svc}, nil
}

func (store *objectStore) List(ctx context.Context, bucket string, fn func([]storagesweep.Object) error) error {
	call := store.svc.Objects.List(bucket).
		MaxResults(store.config.PageSize).
		Fields("nextPageToken", "items(name,size,updated)")
	return call.Pages(ctx, func(page *storage.Objects) error {
		objs := make([]storagesweep.Object, 0, len(page.Items))
		for _, item := range page.Items {
			updated, err := time.Parse(time.RFC3339Nano, item.Updated)
			if err != nil {
				return fmt.Errorf("object %s: bad update time %q: %w", item.Name, item.Updated, err)
			}
			objs = append(objs, storagesweep.Object{
				Name:    item.Name,
				Size:    int64(item.Size),
				Updated: updated,
			})
		}
		return fn(objs)
	})
}

func (store *objectStore) Delete(ctx context.Context, bucket, name string) error {
	return store.svc.Objects.Delete(bucket, name).Context(ctx).Do()
}
