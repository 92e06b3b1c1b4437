// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ec2 is an Amazon EC2 implementation of cloud.InstanceSet.
// Zones are availability zones, machine types are instance types,
// and labels and metadata items are instance tags.
package ec2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.arvados.org/dna.git/lib/cloud"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// Metadata items are stored in tags with this prefix.
const metadataTagPrefix = "dna-meta-"

// Driver is the ec2 implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newEC2InstanceSet)

type ec2InstanceSetConfig struct {
	AccessKeyID      string
	SecretAccessKey  string
	Region           string
	ImageID          string
	SubnetID         string
	SecurityGroupIDs sliceOrSingleString
	// Wait this long before retrying after RequestLimitExceeded.
	RateLimitDelay time.Duration
}

type sliceOrSingleString []string

// UnmarshalJSON unmarshals an array of strings, and also accepts ""
// as [], and "foo" as ["foo"].
func (ss *sliceOrSingleString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		*ss = nil
	} else if data[0] == '[' {
		var slice []string
		err := json.Unmarshal(data, &slice)
		if err != nil {
			return err
		}
		if len(slice) == 0 {
			*ss = nil
		} else {
			*ss = slice
		}
	} else {
		var str string
		err := json.Unmarshal(data, &str)
		if err != nil {
			return err
		}
		if str == "" {
			*ss = nil
		} else {
			*ss = []string{str}
		}
	}
	return nil
}

type ec2Interface interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

type ec2InstanceSet struct {
	ec2config ec2InstanceSetConfig
	project   string
	logger    logrus.FieldLogger
	client    ec2Interface
}

func newEC2InstanceSet(config json.RawMessage, project string, logger logrus.FieldLogger) (cloud.InstanceSet, error) {
	is := &ec2InstanceSet{
		project: project,
		logger:  logger,
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &is.ec2config); err != nil {
			return nil, err
		}
	}
	if is.ec2config.ImageID == "" {
		return nil, errors.New("ec2 driver: DriverParameters.ImageID is not configured")
	}
	if is.ec2config.RateLimitDelay <= 0 {
		is.ec2config.RateLimitDelay = 10 * time.Second
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(is.ec2config.Region),
	}
	if is.ec2config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(is.ec2config.AccessKeyID, is.ec2config.SecretAccessKey, "")))
	}
	awscfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	is.client = ec2.NewFromConfig(awscfg)
	return is, nil
}

func (is *ec2InstanceSet) Create(ctx context.Context, config cloud.InstanceConfig) error {
	tags := []types.Tag{{Key: aws.String("Name"), Value: aws.String(config.Name)}}
	if is.project != "" {
		tags = append(tags, types.Tag{Key: aws.String("dna-project"), Value: aws.String(is.project)})
	}
	var keys []string
	for k := range config.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(config.Labels[k])})
	}
	for _, md := range config.Metadata {
		tags = append(tags, types.Tag{Key: aws.String(metadataTagPrefix + md.Key), Value: aws.String(md.Value)})
	}
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(is.ec2config.ImageID),
		InstanceType: types.InstanceType(config.MachineType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		Placement:    &types.Placement{AvailabilityZone: aws.String(config.Zone)},
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
	}
	if is.ec2config.SubnetID != "" || len(is.ec2config.SecurityGroupIDs) > 0 {
		ni := types.InstanceNetworkInterfaceSpecification{
			AssociatePublicIpAddress: aws.Bool(true),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   []string(is.ec2config.SecurityGroupIDs),
		}
		if is.ec2config.SubnetID != "" {
			ni.SubnetId = aws.String(is.ec2config.SubnetID)
		}
		input.NetworkInterfaces = []types.InstanceNetworkInterfaceSpecification{ni}
	}
	if config.ServiceAccount != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{Name: aws.String(config.ServiceAccount)}
	}
	_, err := is.client.RunInstances(ctx, input)
	return is.wrapError(err)
}

// liveStates excludes instances that are already gone.
var liveStates = []string{"pending", "running", "shutting-down", "stopping", "stopped"}

func (is *ec2InstanceSet) describe(ctx context.Context, filters []types.Filter) ([]types.Instance, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: append(filters, types.Filter{Name: aws.String("instance-state-name"), Values: liveStates}),
	}
	var insts []types.Instance
	pager := ec2.NewDescribeInstancesPaginator(is.client, input)
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, is.wrapError(err)
		}
		for _, rsv := range page.Reservations {
			insts = append(insts, rsv.Instances...)
		}
	}
	return insts, nil
}

func (is *ec2InstanceSet) Instances(ctx context.Context, zone string, labels map[string]string) ([]cloud.Instance, error) {
	filters := []types.Filter{{Name: aws.String("availability-zone"), Values: []string{zone}}}
	for k, v := range labels {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}
	insts, err := is.describe(ctx, filters)
	if err != nil {
		return nil, err
	}
	var ret []cloud.Instance
	for _, inst := range insts {
		ci := cloud.Instance{
			MachineType: string(inst.InstanceType),
			Labels:      map[string]string{},
		}
		if inst.Placement != nil {
			ci.Zone = aws.ToString(inst.Placement.AvailabilityZone)
		}
		if inst.State != nil {
			ci.Status = string(inst.State.Name)
		}
		for _, t := range inst.Tags {
			k, v := aws.ToString(t.Key), aws.ToString(t.Value)
			switch {
			case k == "Name":
				ci.Name = v
			case strings.HasPrefix(k, metadataTagPrefix), k == "dna-project":
			default:
				ci.Labels[k] = v
			}
		}
		ret = append(ret, ci)
	}
	return ret, nil
}

func (is *ec2InstanceSet) Destroy(ctx context.Context, name, zone string) error {
	insts, err := is.describe(ctx, []types.Filter{
		{Name: aws.String("availability-zone"), Values: []string{zone}},
		{Name: aws.String("tag:Name"), Values: []string{name}},
	})
	if err != nil {
		return err
	}
	var ids []string
	for _, inst := range insts {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: %s in %s", cloud.ErrNotFound, name, zone)
	}
	_, err = is.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return is.wrapError(err)
}

func (is *ec2InstanceSet) Stop() {
}

type rateLimitError struct {
	error
	earliestRetry time.Time
}

func (err rateLimitError) EarliestRetry() time.Time {
	return err.earliestRetry
}

type capacityError struct {
	error
}

func (er *capacityError) IsQuotaError() bool {
	return true
}

func (er *capacityError) Unwrap() error {
	return er.error
}

var isCodeCapacity = map[string]bool{
	"InstanceLimitExceeded":        true,
	"InsufficientInstanceCapacity": true,
	"VcpuLimitExceeded":            true,
	"MaxSpotInstanceCountExceeded": true,
}

func (is *ec2InstanceSet) wrapError(err error) error {
	var aerr smithy.APIError
	if err == nil || !errors.As(err, &aerr) {
		return err
	}
	code := aerr.ErrorCode()
	switch {
	case code == "RequestLimitExceeded":
		return rateLimitError{error: err, earliestRetry: time.Now().Add(is.ec2config.RateLimitDelay)}
	case isCodeCapacity[code]:
		return &capacityError{err}
	case strings.HasSuffix(code, ".NotFound"):
		return fmt.Errorf("%w: %w", cloud.ErrNotFound, err)
	}
	return err
}
