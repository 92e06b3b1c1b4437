// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"errors"

	"git.arvados.org/dna.git/sdk/go/retry"
	"github.com/sirupsen/logrus"
)

// WithRetry returns an InstanceSet that retries failed calls to is
// according to policy. Quota errors and ErrNotFound are returned
// without retrying.
func WithRetry(is InstanceSet, policy retry.Policy, logger logrus.FieldLogger) InstanceSet {
	return &retryInstanceSet{InstanceSet: is, policy: policy, logger: logger}
}

type retryInstanceSet struct {
	InstanceSet
	policy retry.Policy
	logger logrus.FieldLogger
}

func permanent(err error) error {
	if IsQuotaError(err) || errors.Is(err, ErrNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func (ris *retryInstanceSet) Instances(ctx context.Context, zone string, labels map[string]string) ([]Instance, error) {
	var insts []Instance
	err := retry.Do(ctx, ris.policy, ris.logger, "list instances", func(ctx context.Context) error {
		var err error
		insts, err = ris.InstanceSet.Instances(ctx, zone, labels)
		return permanent(err)
	})
	return insts, err
}

func (ris *retryInstanceSet) Create(ctx context.Context, config InstanceConfig) error {
	return retry.Do(ctx, ris.policy, ris.logger.WithField("Instance", config.Name), "create instance", func(ctx context.Context) error {
		return permanent(ris.InstanceSet.Create(ctx, config))
	})
}

func (ris *retryInstanceSet) Destroy(ctx context.Context, name, zone string) error {
	return retry.Do(ctx, ris.policy, ris.logger.WithField("Instance", name), "destroy instance", func(ctx context.Context) error {
		return permanent(ris.InstanceSet.Destroy(ctx, name, zone))
	})
}
