// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package s3store is an Amazon S3 implementation of
// storagesweep.ObjectStore.
package s3store

import (
	"context"
	"encoding/json"

	"git.arvados.org/dna.git/lib/storagesweep"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// Driver is the S3 implementation of the storagesweep.Driver
// interface.
var Driver = storagesweep.DriverFunc(newObjectStore)

type s3Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// Endpoint for S3-compatible services. Empty means AWS.
	Endpoint     string
	UsePathStyle bool
	PageSize     int32
}

type s3Interface interface {
	s3.ListObjectsV2APIClient
	DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type objectStore struct {
	config s3Config
	client s3Interface
}

func newObjectStore(config json.RawMessage, logger logrus.FieldLogger) (storagesweep.ObjectStore, error) {
	var cfg s3Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, err
		}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &objectStore{config: cfg, client: client}, nil
}

func (store *objectStore) List(ctx context.Context, bucket string, fn func([]storagesweep.Object) error) error {
	pager := s3.NewListObjectsV2Paginator(store.client, &s3.ListObjectsV2Input{
		Bucket:  aws.String(bucket),
		MaxKeys: aws.Int32(store.config.PageSize),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return err
		}
		objs := make([]storagesweep.Object, 0, len(page.Contents))
		for _, item := range page.Contents {
			objs = append(objs, storagesweep.Object{
				Name:    aws.ToString(item.Key),
				Size:    aws.ToInt64(item.Size),
				Updated: aws.ToTime(item.LastModified),
			})
		}
		if err := fn(objs); err != nil {
			return err
		}
	}
	return nil
}

func (store *objectStore) Delete(ctx context.Context, bucket, name string) error {
	_, err := store.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(name),
	})
	return err
}
